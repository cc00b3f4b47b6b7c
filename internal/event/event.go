package event

import (
	"time"

	"github.com/google/uuid"
)

// Entry types written by the capture middleware and the log endpoints.
const (
	TypePageView       = "page_view"
	TypeFormSubmission = "form_submission"
)

// Sentinels used when a value can't be determined.
const (
	Unknown = "unknown"
	Direct  = "direct"
)

// TimeFormat is ISO-8601 UTC with millisecond precision. Values sort lexicographically.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// LogEntry is one captured request or event. Optional fields are omitted when empty.
type LogEntry struct {
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	IP        string `json:"ip"`
	Method    string `json:"method,omitempty"`
	UserAgent string `json:"userAgent"`
	Referrer  string `json:"referrer"`
	Path      string `json:"path"`

	Fingerprint       string            `json:"fingerprint"`
	Headers           map[string]string `json:"headers,omitempty"`
	HeaderFingerprint string            `json:"headerFingerprint,omitempty"`

	// --- Form submissions only ---

	FormName string    `json:"formName,omitempty"`
	FormData *FormData `json:"formData,omitempty"`

	// --- Set by the classifier ---

	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons"`
}

// FormData keeps the field names of a submitted form, never the values.
type FormData struct {
	Fields     []string `json:"fields"`
	FieldCount int      `json:"fieldCount"`
}

// Clone returns a copy that shares no mutable state with e.
func (e LogEntry) Clone() LogEntry {
	out := e
	if e.Headers != nil {
		out.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			out.Headers[k] = v
		}
	}
	if e.FormData != nil {
		fd := *e.FormData
		if e.FormData.Fields != nil {
			fd.Fields = append(make([]string, 0, len(e.FormData.Fields)), e.FormData.Fields...)
		}
		out.FormData = &fd
	}
	if e.Reasons != nil {
		out.Reasons = append(make([]string, 0, len(e.Reasons)), e.Reasons...)
	}
	return out
}

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NewID returns a random entry id.
func NewID() string {
	return uuid.NewString()
}
