// Package detection classifies log entries as suspicious using request
// heuristics and the per-IP and per-fingerprint counters in Tracker.
// Classification is advisory; nothing here rejects a request.
package detection

import (
	"fmt"
	"strings"

	"github.com/shortontech/reqwatch/internal/event"
)

// Fixed reason codes. Rate and duplicate reasons embed a count, see
// RateLimitReason and DuplicateFingerprintReason.
const (
	ReasonMissingUserAgent   = "missing_user_agent"
	ReasonBotUserAgent       = "bot_user_agent"
	ReasonSuspiciousReferrer = "suspicious_referrer"
	ReasonMissingHeaders     = "missing_headers"

	reasonRatePrefix      = "rate_limit_exceeded"
	reasonDuplicatePrefix = "duplicate_fingerprint"
)

// DefaultThreshold is the per-window request count at which an IP is flagged.
const DefaultThreshold = 10

// RateLimitReason is the reason for an IP seen n times in the current window.
func RateLimitReason(n int) string {
	return fmt.Sprintf("%s_%d_requests", reasonRatePrefix, n)
}

// DuplicateFingerprintReason is the reason for a fingerprint seen n times.
func DuplicateFingerprintReason(n int) string {
	return fmt.Sprintf("%s_%d_occurrences", reasonDuplicatePrefix, n)
}

// ReasonCategory strips the embedded count from a reason so it can be used as
// a bounded metrics label.
func ReasonCategory(reason string) string {
	switch {
	case strings.HasPrefix(reason, reasonRatePrefix+"_"):
		return reasonRatePrefix
	case strings.HasPrefix(reason, reasonDuplicatePrefix+"_"):
		return reasonDuplicatePrefix
	}
	return reason
}

// Result is the outcome of classifying one entry.
// Suspicious is true iff Reasons is non-empty; Reasons is never nil.
type Result struct {
	Suspicious bool
	Reasons    []string
}

// Classifier runs every heuristic on each entry and never stops early, so
// reasons can co-occur.
type Classifier struct {
	tracker   *Tracker
	threshold int
}

// NewClassifier returns a classifier that registers requests on tracker.
// A threshold <= 0 falls back to DefaultThreshold.
func NewClassifier(tracker *Tracker, threshold int) *Classifier {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Classifier{tracker: tracker, threshold: threshold}
}

// Tracker returns the counters this classifier mutates.
func (c *Classifier) Tracker() *Tracker {
	return c.tracker
}

// Classify evaluates e. It registers the request against the IP window and,
// for known fingerprints, the fingerprint counter.
func (c *Classifier) Classify(e event.LogEntry) Result {
	reasons := []string{}

	if isMissingUserAgent(e.UserAgent) {
		reasons = append(reasons, ReasonMissingUserAgent)
	}

	if isBotUserAgent(e.UserAgent) {
		reasons = append(reasons, ReasonBotUserAgent)
	}

	if n := c.tracker.RegisterAndCountIP(e.IP); n >= c.threshold {
		reasons = append(reasons, RateLimitReason(n))
	}

	if e.Fingerprint != "" && e.Fingerprint != event.Unknown {
		if n := c.tracker.RegisterAndCountFingerprint(e.Fingerprint); n > 1 {
			reasons = append(reasons, DuplicateFingerprintReason(n))
		}
	}

	if isSuspiciousReferrer(e.Referrer) {
		reasons = append(reasons, ReasonSuspiciousReferrer)
	}

	if isMissingAccept(e.Headers) {
		reasons = append(reasons, ReasonMissingHeaders)
	}

	return Result{Suspicious: len(reasons) > 0, Reasons: reasons}
}
