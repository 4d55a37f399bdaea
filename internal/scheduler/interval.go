package scheduler

import (
	"strconv"
	"strings"
	"time"
)

// ParseIntervalDuration parses "30s", "15m", "1h", "4h", "1d", "1w" into time.Duration.
// Returns (0, false) on invalid input.
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if len(interval) < 2 {
		return 0, false
	}
	unit := interval[len(interval)-1]
	n, err := strconv.Atoi(strings.TrimSpace(interval[:len(interval)-1]))
	if err != nil || n <= 0 {
		return 0, false
	}
	d := time.Duration(n)
	switch unit {
	case 's':
		return d * time.Second, true
	case 'm':
		return d * time.Minute, true
	case 'h':
		return d * time.Hour, true
	case 'd':
		return d * 24 * time.Hour, true
	case 'w':
		return d * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}
