package event

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestIsValidIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"8.8.8.8", true},
		{"1.2.3.4", true},
		{"10.0.0.1", true},
		{"2001:4860:4860::8888", true},
		{"", false},
		{"unknown", false},
		{"0.1.2.3", false},
		{"127.0.0.1", false},
		{"127.255.0.9", false},
		{"169.254.1.1", false},
		{"224.0.0.1", false},
		{"239.255.255.250", false},
		{"240.0.0.1", false},
		{"255.255.255.255", false},
		{"::1", false},
		{"fe80::1", false},
		{"fe80::1%eth0", false},
		{"ff02::1", false},
		{"::ffff:127.0.0.1", false},
		{"not-an-ip", true},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := IsValidIP(tt.ip); got != tt.want {
				t.Errorf("IsValidIP(%q) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "first forwarded-for value",
			headers:    map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"},
			remoteAddr: "10.0.0.2:1234",
			want:       "1.2.3.4",
		},
		{
			name:       "skips loopback forwarded-for",
			headers:    map[string]string{"X-Forwarded-For": "127.0.0.1", "X-Real-IP": "5.6.7.8"},
			remoteAddr: "10.0.0.2:1234",
			want:       "5.6.7.8",
		},
		{
			name:       "header priority",
			headers:    map[string]string{"CF-Connecting-IP": "9.9.9.9", "X-Client-IP": "4.4.4.4"},
			remoteAddr: "10.0.0.2:1234",
			want:       "4.4.4.4",
		},
		{
			name:       "true-client-ip",
			headers:    map[string]string{"True-Client-IP": " 7.7.7.7 "},
			remoteAddr: "127.0.0.1:1",
			want:       "7.7.7.7",
		},
		{
			name:       "x-forwarded takes first value",
			headers:    map[string]string{"X-Forwarded": "6.6.6.6,1.1.1.1"},
			remoteAddr: "127.0.0.1:1",
			want:       "6.6.6.6",
		},
		{
			name:       "falls back to connection address",
			headers:    map[string]string{"X-Forwarded-For": "unknown"},
			remoteAddr: "203.0.113.9:5555",
			want:       "203.0.113.9",
		},
		{
			name:       "ipv6 connection address",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "loopback connection is unknown",
			remoteAddr: "127.0.0.1:5555",
			want:       Unknown,
		},
		{
			name:       "ipv6 loopback connection is unknown",
			remoteAddr: "[::1]:5555",
			want:       Unknown,
		},
		{
			name: "no address at all",
			want: Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("populates metadata", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/signup?ref=x", nil)
		req.RemoteAddr = "10.1.1.1:4000"
		req.Header.Set("User-Agent", "Mozilla/5.0")
		req.Header.Set("Referer", "https://example.com/")
		req.Header.Set("Accept", "text/html")
		req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
		req.Header.Set("Cookie", "secret=1")

		m := Extract(req, now)

		if m.IP != "1.2.3.4" {
			t.Errorf("IP = %q, want 1.2.3.4", m.IP)
		}
		if m.ConnectionIP != "10.1.1.1" {
			t.Errorf("ConnectionIP = %q, want 10.1.1.1", m.ConnectionIP)
		}
		if m.Path != "/signup" {
			t.Errorf("Path = %q, want /signup", m.Path)
		}
		if m.Method != http.MethodPost {
			t.Errorf("Method = %q, want POST", m.Method)
		}
		if m.Timestamp != "2025-06-01T12:00:00.000Z" {
			t.Errorf("Timestamp = %q", m.Timestamp)
		}
		if m.Referrer != "https://example.com/" {
			t.Errorf("Referrer = %q", m.Referrer)
		}
		if m.Headers["accept"] != "text/html" {
			t.Errorf("accept header = %q", m.Headers["accept"])
		}
		if m.Headers["x-forwarded-for"] != "1.2.3.4, 10.0.0.1" {
			t.Errorf("x-forwarded-for header = %q", m.Headers["x-forwarded-for"])
		}
		if _, ok := m.Headers["cookie"]; ok {
			t.Error("cookie must not be captured")
		}
		if _, ok := m.Headers["accept-language"]; ok {
			t.Error("absent headers should be omitted")
		}
		if len(m.HeaderFingerprint) != 16 {
			t.Errorf("HeaderFingerprint = %q, want 16 hex chars", m.HeaderFingerprint)
		}
	})

	t.Run("defaults to sentinels", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "127.0.0.1:1"
		req.Header.Del("User-Agent")

		m := Extract(req, now)
		if m.UserAgent != Unknown {
			t.Errorf("UserAgent = %q, want unknown", m.UserAgent)
		}
		if m.Referrer != Direct {
			t.Errorf("Referrer = %q, want direct", m.Referrer)
		}
		if m.IP != Unknown {
			t.Errorf("IP = %q, want unknown", m.IP)
		}
	})

	t.Run("accepts the Referrer spelling", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Referrer", "https://spam.example")
		if got := Extract(req, now).Referrer; got != "https://spam.example" {
			t.Errorf("Referrer = %q", got)
		}
	})
}

func TestMetadataEntry(t *testing.T) {
	m := Metadata{
		IP:        "8.8.8.8",
		UserAgent: "ua",
		Referrer:  Direct,
		Path:      "/a",
		Method:    http.MethodGet,
		Timestamp: "2025-01-01T00:00:00.000Z",
		Headers:   map[string]string{"accept": "*/*"},
	}
	e := m.Entry(TypePageView)

	if e.ID == "" {
		t.Error("entry should get an id")
	}
	if e.Type != TypePageView || e.IP != "8.8.8.8" || e.Path != "/a" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Fingerprint != Unknown {
		t.Errorf("Fingerprint = %q, want unknown", e.Fingerprint)
	}

	e.Headers["accept"] = "changed"
	if m.Headers["accept"] != "*/*" {
		t.Error("entry shares headers with metadata")
	}
}

func TestHeaderFingerprint(t *testing.T) {
	a := http.Header{}
	a.Set("Accept", "text/html")
	a.Set("User-Agent", strings.Repeat("x", 40))

	b := http.Header{}
	b.Set("User-Agent", strings.Repeat("x", 20)+strings.Repeat("y", 20))
	b.Set("Accept", "text/html")

	if HeaderFingerprint(a) != HeaderFingerprint(b) {
		t.Error("values should only contribute their first 20 bytes")
	}

	c := a.Clone()
	c.Set("Accept-Language", "en")
	if HeaderFingerprint(a) == HeaderFingerprint(c) {
		t.Error("adding a header should change the fingerprint")
	}
}
