package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse parses a time specification into a Unix timestamp (milliseconds).
// Supports two formats:
//   - Go duration format: "1h", "30m", "720h", "2h45m30s"
//   - RFC3339 timestamps: "2026-08-29T13:00:00Z"
//
// Duration specifications are relative to the current time (subtracted from
// now). For example, "1h" means "1 hour ago". Used by the purge policy
// "older:<timespec>" to compute its cutoff.
//
// Returns Unix timestamp in milliseconds.
func Parse(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	// Try parsing as RFC3339 first
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}

	// Try parsing as Go duration
	if d, err := time.ParseDuration(spec); err == nil {
		// Duration is relative to now (subtract from current time)
		return time.Now().Add(-d).UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification: %s (use duration like '720h' or RFC3339 like '2026-08-29T13:00:00Z')", spec)
}

// ParseValidity parses a key validity specification into an expiry time.
// Accepts a Go duration relative to now, or "never" for a key without
// expiry (returned as the zero time).
func ParseValidity(spec string) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty validity specification")
	}
	if spec == "never" {
		return time.Time{}, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid validity specification: %s (use duration like '8760h' or 'never')", spec)
	}
	if d <= 0 {
		return time.Time{}, fmt.Errorf("validity duration must be positive: %s", spec)
	}
	return time.Now().Add(d), nil
}

// ParseBytes parses a byte size specification like "50", "10K", "2M", "1G"
// into a byte count. Used by the purge policy "size:<bytes>".
func ParseBytes(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty size specification")
	}

	multiplier := int64(1)
	numeric := spec
	switch {
	case strings.HasSuffix(spec, "K"):
		multiplier = 1 << 10
		numeric = strings.TrimSuffix(spec, "K")
	case strings.HasSuffix(spec, "M"):
		multiplier = 1 << 20
		numeric = strings.TrimSuffix(spec, "M")
	case strings.HasSuffix(spec, "G"):
		multiplier = 1 << 30
		numeric = strings.TrimSuffix(spec, "G")
	}

	n, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size specification: %s (use a byte count like '500M')", spec)
	}
	return n * multiplier, nil
}
