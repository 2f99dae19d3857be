package persist

import (
	"regexp"
	"strings"
)

// Legal and structural suffixes stripped before supplier comparison.
var supplierSuffixes = []string{
	"inc", "incorporated", "llc", "ltd", "limited", "co", "corp",
	"corporation", "company", "distributing", "distribution", "wholesale",
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9 ]+`)

// NormalizeSupplier lowers, strips punctuation and legal suffixes, and
// collapses whitespace. "Acme Distributing, Inc." and "ACME DISTRIBUTING"
// normalize to the same key.
func NormalizeSupplier(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nonAlnum.ReplaceAllString(s, " ")
	words := strings.Fields(s)
	for len(words) > 0 {
		last := words[len(words)-1]
		if !isSupplierSuffix(last) {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

func isSupplierSuffix(w string) bool {
	for _, sfx := range supplierSuffixes {
		if w == sfx {
			return true
		}
	}
	return false
}

// MatchSupplier returns the first known supplier whose normalized form
// matches the extracted name, or "" when none does. The match runs before
// the save transaction; it only canonicalizes the display name.
func MatchSupplier(known []string, extracted string) string {
	key := NormalizeSupplier(extracted)
	if key == "" {
		return ""
	}
	for _, k := range known {
		if NormalizeSupplier(k) == key {
			return k
		}
	}
	return ""
}
