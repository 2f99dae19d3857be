// Package persist owns the durable write path for extracted purchase order
// data: one transaction per save, replace-all line items, PO number conflict
// resolution, and an audit record. It runs under the per-PO advisory lock.
package persist

import (
	"regexp"
	"strconv"
	"strings"
)

// Pack-size phrases seen in supplier documents. Checked in order; the first
// match wins.
var quantityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcase\s+of\s+(\d+)\b`),
	regexp.MustCompile(`(?i)\b(\d+)\s*(?:ct|count)\b`),
	regexp.MustCompile(`(?i)\b(\d+)\s*[-\s]?\s*pack\b`),
	regexp.MustCompile(`(?i)\bpack\s+of\s+(\d+)\b`),
	regexp.MustCompile(`(?i)\bbox\s+of\s+(\d+)\b`),
}

// ParseQuantity resolves a raw quantity cell to a unit count. Plain integers
// pass through; pack-size phrases ("Case of 12", "24 ct", "6-Pack") resolve
// to the pack count; anything unrecognized defaults to 1.
func ParseQuantity(raw string) int {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 1
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n > 0 {
			return n
		}
		return 1
	}
	for _, re := range quantityPatterns {
		if m := re.FindStringSubmatch(s); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}
