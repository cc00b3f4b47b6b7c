package event

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"strings"
	"time"
)

// Metadata is the normalized descriptor of an inbound request.
type Metadata struct {
	IP                string
	ConnectionIP      string
	UserAgent         string
	Referrer          string
	Path              string
	Method            string
	Timestamp         string
	Headers           map[string]string
	HeaderFingerprint string
}

// Proxy headers consulted for the client address, highest priority first.
var proxyHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"X-Client-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Forwarded",
}

// Headers copied onto every entry, keyed by their lowercase name.
var capturedHeaders = []string{
	"accept",
	"accept-language",
	"accept-encoding",
	"x-forwarded-for",
	"x-real-ip",
	"x-client-ip",
	"cf-connecting-ip",
}

// Addresses that are never a real client: loopback, link-local, multicast, reserved.
var nonRoutable = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// Extract derives request metadata. It never fails; missing values become sentinels.
func Extract(r *http.Request, now time.Time) Metadata {
	ua := r.Header.Get("User-Agent")
	if ua == "" {
		ua = Unknown
	}

	path := ""
	if r.URL != nil {
		path = r.URL.Path
	}

	return Metadata{
		IP:                ClientIP(r),
		ConnectionIP:      ConnectionIP(r),
		UserAgent:         ua,
		Referrer:          referrer(r.Header),
		Path:              path,
		Method:            r.Method,
		Timestamp:         FormatTime(now),
		Headers:           selectHeaders(r.Header),
		HeaderFingerprint: HeaderFingerprint(r.Header),
	}
}

// Entry builds an unclassified log entry of the given type from the metadata.
func (m Metadata) Entry(typ string) LogEntry {
	headers := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		headers[k] = v
	}
	return LogEntry{
		ID:                NewID(),
		Timestamp:         m.Timestamp,
		Type:              typ,
		IP:                m.IP,
		Method:            m.Method,
		UserAgent:         m.UserAgent,
		Referrer:          m.Referrer,
		Path:              m.Path,
		Fingerprint:       Unknown,
		Headers:           headers,
		HeaderFingerprint: m.HeaderFingerprint,
	}
}

// ClientIP resolves the client address through the proxy headers, then the
// connection address. Returns Unknown when nothing validates.
func ClientIP(r *http.Request) string {
	for _, name := range proxyHeaders {
		if ip := firstValue(r.Header.Get(name)); IsValidIP(ip) {
			return ip
		}
	}
	if ip := ConnectionIP(r); IsValidIP(ip) {
		return ip
	}
	return Unknown
}

// ConnectionIP is the peer address with the port and IPv6 brackets removed.
func ConnectionIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return Unknown
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	if addr == "" {
		return Unknown
	}
	return addr
}

// IsValidIP reports whether ip may be a real client address. Strings that don't
// parse as an address are accepted unless they are empty or Unknown.
func IsValidIP(ip string) bool {
	if ip == "" || ip == Unknown {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true
	}
	addr = addr.WithZone("").Unmap()
	for _, p := range nonRoutable {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

func firstValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

func referrer(h http.Header) string {
	if v := h.Get("Referer"); v != "" {
		return v
	}
	if v := h.Get("Referrer"); v != "" {
		return v
	}
	return Direct
}

func selectHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(capturedHeaders))
	for _, name := range capturedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

// HeaderFingerprint hashes the sorted header names together with the first
// 20 bytes of each value. It identifies a client stack, not a client.
func HeaderFingerprint(headers http.Header) string {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := headers.Get(key)
		if len(value) > 20 {
			value = value[:20] + "..."
		}
		parts = append(parts, key+":"+value)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:8])
}
