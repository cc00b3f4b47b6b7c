package main

import (
	"context"
	"time"

	"github.com/shortontech/reqwatch/internal/analysis"
	"github.com/shortontech/reqwatch/internal/event"
	"github.com/shortontech/reqwatch/internal/logging"
	"github.com/shortontech/reqwatch/internal/store"
)

const (
	chromeUA  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	iphoneUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148"
	scraperUA = "python-requests/2.31.0"
	burstSize = 12
)

// generateTestEntries builds a small mixed sample: ordinary browsing, a form
// submission, a scripted client, a spam referrer, a device seen from two
// addresses and a burst that crosses the default rate threshold.
func generateTestEntries(now time.Time) []event.LogEntry {
	browserHeaders := func() map[string]string {
		return map[string]string{
			"accept":          "text/html,application/xhtml+xml",
			"accept-language": "en-US,en;q=0.9",
			"accept-encoding": "gzip, deflate, br",
		}
	}
	at := func(i int) string { return event.FormatTime(now.Add(time.Duration(i) * 100 * time.Millisecond)) }

	entries := []event.LogEntry{
		{
			Type:        event.TypePageView,
			IP:          "203.0.113.42",
			Method:      "GET",
			UserAgent:   chromeUA,
			Referrer:    "https://www.google.com/",
			Path:        "/",
			Fingerprint: "fp-desktop-1",
			Headers:     browserHeaders(),
		},
		{
			Type:        event.TypeFormSubmission,
			IP:          "203.0.113.42",
			Method:      "POST",
			UserAgent:   chromeUA,
			Referrer:    "https://example.com/signup",
			Path:        "/signup",
			Fingerprint: "fp-desktop-1",
			Headers:     browserHeaders(),
			FormName:    "signup",
			FormData:    &event.FormData{Fields: []string{"email", "password"}, FieldCount: 2},
		},
		{
			Type:        event.TypePageView,
			IP:          "198.51.100.7",
			Method:      "GET",
			UserAgent:   scraperUA,
			Referrer:    event.Direct,
			Path:        "/pricing",
			Fingerprint: event.Unknown,
		},
		{
			Type:        event.TypePageView,
			IP:          "192.0.2.15",
			Method:      "GET",
			UserAgent:   iphoneUA,
			Referrer:    "http://free-traffic.tk/",
			Path:        "/blog",
			Fingerprint: "fp-mobile-1",
			Headers:     browserHeaders(),
		},
		{
			Type:        event.TypePageView,
			IP:          "192.0.2.16",
			Method:      "GET",
			UserAgent:   iphoneUA,
			Referrer:    event.Direct,
			Path:        "/blog",
			Fingerprint: "fp-mobile-1",
			Headers:     browserHeaders(),
		},
	}
	for i := 0; i < burstSize; i++ {
		entries = append(entries, event.LogEntry{
			Type:        event.TypePageView,
			IP:          "198.51.100.99",
			Method:      "GET",
			UserAgent:   chromeUA,
			Referrer:    event.Direct,
			Path:        "/login",
			Fingerprint: event.Unknown,
			Headers:     browserHeaders(),
		})
	}

	for i := range entries {
		entries[i].ID = event.NewID()
		entries[i].Timestamp = at(i)
	}
	return entries
}

// runTestMode feeds the sample through the store and logs the resulting
// analysis.
func runTestMode(ctx context.Context, st *store.Store) analysis.Report {
	log := logging.With().Str("component", "testmode").Logger()
	log.Info().Msg("test mode: storing sample entries")

	entries := generateTestEntries(time.Now())
	suspicious := 0
	for i, e := range entries {
		if ctx.Err() != nil {
			break
		}
		stored := st.StoreLog(ctx, e)
		if stored.Suspicious {
			suspicious++
		}
		log.Debug().
			Int("n", i+1).
			Int("of", len(entries)).
			Str("ip", stored.IP).
			Strs("reasons", stored.Reasons).
			Msg("test mode: entry stored")
	}

	report := analysis.Analyze(st.GetLogs(analysis.SnapshotSize, false))
	log.Info().
		Int("stored", len(entries)).
		Int("suspicious", suspicious).
		Int("unique_ips", report.UniqueIPs).
		Int("suspicious_ips", report.SuspiciousIPs).
		Msg("test mode: done, see GET /api/attack-analysis")
	return report
}
