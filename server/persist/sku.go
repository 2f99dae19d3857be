package persist

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

var skuSeparators = regexp.MustCompile(`[^A-Z0-9]+`)

// DeriveSKU builds a stable SKU for a line the extraction left without one.
// The same product name always derives the same SKU, so replace-all re-runs
// of a save stay idempotent. Long names keep a prefix plus a short hash of
// the full name to avoid truncation collisions.
func DeriveSKU(name string) string {
	s := strings.ToUpper(strings.TrimSpace(name))
	s = skuSeparators.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return ""
	}
	if len(s) > 20 {
		h := fnv.New32a()
		h.Write([]byte(s))
		s = fmt.Sprintf("%s-%04X", strings.TrimRight(s[:15], "-"), h.Sum32()&0xFFFF)
	}
	return s
}
