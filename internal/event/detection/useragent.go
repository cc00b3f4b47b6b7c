package detection

import (
	"strings"

	"github.com/shortontech/reqwatch/internal/event"
)

// Lowercase substrings identifying automation clients and scripted HTTP libraries.
var botSignatures = []string{
	"bot", "crawler", "spider", "scraper",
	"headless", "phantom", "selenium", "puppeteer",
	"playwright", "curl", "wget", "python-requests",
	"go-http-client", "java",
}

// isMissingUserAgent treats the extractor's sentinel the same as an empty value.
func isMissingUserAgent(userAgent string) bool {
	return userAgent == "" || userAgent == event.Unknown
}

// isBotUserAgent reports whether userAgent matches any bot signature, ignoring case.
func isBotUserAgent(userAgent string) bool {
	lowerUA := strings.ToLower(userAgent)
	for _, sig := range botSignatures {
		if strings.Contains(lowerUA, sig) {
			return true
		}
	}
	return false
}
