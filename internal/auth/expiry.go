package auth

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseExpiry converts strings such as "90s", "15m", "2h" or "30d" to a duration.
func ParseExpiry(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if len(raw) < 2 {
		return 0, fmt.Errorf("%w: expiry %q must be <n>(s|m|h|d)", ErrInvalidInput, raw)
	}
	var unit time.Duration
	switch raw[len(raw)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: expiry %q has unknown unit", ErrInvalidInput, raw)
	}
	digits := raw[:len(raw)-1]
	if strings.TrimLeft(digits, "0123456789") != "" {
		return 0, fmt.Errorf("%w: expiry %q must be <n>(s|m|h|d)", ErrInvalidInput, raw)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: expiry %q must be a positive integer count", ErrInvalidInput, raw)
	}
	if n > int64((1<<63-1)/unit) {
		return 0, fmt.Errorf("%w: expiry %q overflows", ErrInvalidInput, raw)
	}
	return time.Duration(n) * unit, nil
}
