package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Logical key builders. Namespacing is applied by the Cache.

func CountKey(model string) string {
	return "count:" + model
}

func UserCountKey(userID, model string) string {
	return userID + ":count:" + model
}

func UserKey(userID, suffix string) string {
	return userID + ":" + suffix
}

func DashboardKey(userID, timeframe string) string {
	return userID + ":dashboard:" + timeframe
}

// EntriesKey is the key for one day's entries, or the recent list when date is "".
func EntriesKey(userID, date string) string {
	if date == "" {
		return userID + ":entries:recent"
	}
	return userID + ":entries:" + date
}

func InsightsKey(userID, period string) string {
	return "insights:" + userID + ":" + period
}

// ExtractionKey addresses an LLM extraction by the hash of its input text.
func ExtractionKey(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "extraction:" + hex.EncodeToString(sum[:])
}

func JobKey(id string) string {
	return "job:" + id
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// EscapeGlob quotes s for literal use inside a SCAN MATCH pattern.
func EscapeGlob(s string) string {
	return globEscaper.Replace(s)
}
