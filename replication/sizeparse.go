// Package replication implements ZFS snapshot replication over SSH and the
// DR shell VM machinery around it.
package replication

import (
	"regexp"
	"strconv"
	"strings"
)

// Unit multipliers for ZFS human-readable sizes.
var unitMultipliers = map[string]float64{
	"":  1,
	"B": 1,
	"K": 1024,
	"M": 1024 * 1024,
	"G": 1024 * 1024 * 1024,
	"T": 1024 * 1024 * 1024 * 1024,
}

// Patterns tried in order against `zfs send -nP` style output. ZFS has
// shipped several shapes of this line over the years; the fleet runs more
// than one of them.
var sizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)total estimated size is\s+([\d.]+)\s*([KMGT]?)B?`),
	regexp.MustCompile(`(?i)estimated size is\s+([\d.]+)\s*([KMGT]?)B?`),
	regexp.MustCompile(`(?m)^size\s+(\d+)\s*$`),
	regexp.MustCompile(`(?m)^(?:full|incremental)\s.*\s(\d+)\s*$`),
	regexp.MustCompile(`(?m)([\d.]+)\s*([KMGT])B?\s+\S+@\S+\s*$`),
	regexp.MustCompile(`(?i)sent\s+([\d.]+)\s*([KMGT]?)B?`),
	regexp.MustCompile(`(?i)([\d.]+)\s*([KMGT]?)B?\s+bytes`),
	regexp.MustCompile(`(?i)size is\s+([\d.]+)`),
}

var bigIntPattern = regexp.MustCompile(`\d{6,}`)

// ParseTransferSize extracts a byte count from zfs send/receive output.
// Empty or whitespace-only input yields 0; when no recognised shape matches,
// the largest integer of at least six digits anywhere in the output is used.
func ParseTransferSize(output string) int64 {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return 0
	}

	for _, p := range sizePatterns {
		m := p.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		unit := ""
		if len(m) > 2 {
			unit = strings.ToUpper(m[2])
		}
		mult, ok := unitMultipliers[unit]
		if !ok {
			continue
		}
		return int64(value * mult)
	}

	// Fallback: the largest big integer anywhere in the output.
	var best int64
	for _, candidate := range bigIntPattern.FindAllString(trimmed, -1) {
		if n, err := strconv.ParseInt(candidate, 10, 64); err == nil && n > best {
			best = n
		}
	}
	return best
}
