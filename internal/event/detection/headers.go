package detection

import (
	"net/url"
	"strings"

	"github.com/shortontech/reqwatch/internal/event"
)

var (
	referrerKeywords = []string{"spam", "bot", "crawler"}
	referrerTLDs     = []string{".tk", ".ml", ".ga"}
)

// isSuspiciousReferrer matches spam keywords anywhere in the referrer, or a
// throwaway TLD at the end of either the raw value or its URL host.
func isSuspiciousReferrer(referrer string) bool {
	if referrer == "" || referrer == event.Direct {
		return false
	}

	lower := strings.ToLower(referrer)
	for _, kw := range referrerKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}

	host := ""
	if u, err := url.Parse(lower); err == nil {
		host = u.Hostname()
	}
	for _, tld := range referrerTLDs {
		if strings.HasSuffix(lower, tld) || (host != "" && strings.HasSuffix(host, tld)) {
			return true
		}
	}
	return false
}

// isMissingAccept reports whether the captured headers lack an accept value.
// Real browsers always send one.
func isMissingAccept(headers map[string]string) bool {
	return headers["accept"] == ""
}
