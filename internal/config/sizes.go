package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseByteSize converts a human-readable byte size such as "256mb" or
// "1gb" into a byte count. A bare number is interpreted as bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordered longest-suffix-first so "mb" is not matched as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}

// FormatByteSize is ParseByteSize's inverse: it renders n using the
// largest unit that divides it evenly, falling back to a plain byte
// count. Used for the human-readable size fields surfaced in log lines
// and the transfer summary printed at the end of a send/receive run.
func FormatByteSize(n int64) string {
	switch {
	case n != 0 && n%(1024*1024*1024) == 0:
		return fmt.Sprintf("%dgb", n/(1024*1024*1024))
	case n != 0 && n%(1024*1024) == 0:
		return fmt.Sprintf("%dmb", n/(1024*1024))
	case n != 0 && n%1024 == 0:
		return fmt.Sprintf("%dkb", n/1024)
	default:
		return fmt.Sprintf("%db", n)
	}
}
