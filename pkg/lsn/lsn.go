// Package lsn provides the log sequence number type used throughout the
// replication client: PostgreSQL's 64-bit write-ahead log position.
package lsn

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LSN is a 64-bit position in the write-ahead log. The zero value is the
// sentinel "invalid / not yet known" position.
type LSN uint64

// Invalid is the sentinel LSN meaning "not yet known".
const Invalid LSN = 0

// String formats the LSN the way PostgreSQL does: two hex halves
// separated by a slash, e.g. "16/B374D848".
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xFFFFFFFF)
}

// Parse parses a textual LSN of the form "XXXX/XXXX" as reported by
// IDENTIFY_SYSTEM or CREATE_REPLICATION_SLOT.
func Parse(s string) (LSN, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("invalid LSN %q: missing '/'", s)
	}
	hiVal, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	loVal, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	return LSN(hiVal<<32 | loVal), nil
}

// Max returns the larger of two LSNs.
func Max(a, b LSN) LSN {
	if a > b {
		return a
	}
	return b
}

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64, latency time.Duration) string {
	var size string
	switch {
	case bytes >= 1<<30:
		size = fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		size = fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		size = fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		size = fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%s (latency: %s)", size, latency.Truncate(time.Millisecond))
}
