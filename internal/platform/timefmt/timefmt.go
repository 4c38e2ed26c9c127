// Package timefmt parses and formats sentence durations such as "1d2h30m15s".
package timefmt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const Day = 24 * time.Hour

var (
	partPattern = regexp.MustCompile(`(\d+)\s*([dhms])`)
	fullPattern = regexp.MustCompile(`^(\s*\d+\s*[dhms])+\s*$`)
	numPattern  = regexp.MustCompile(`^\d+$`)
)

var unitOf = map[string]time.Duration{
	"d": Day,
	"h": time.Hour,
	"m": time.Minute,
	"s": time.Second,
}

// Parse accepts day/hour/minute/second parts in any order ("1d2h", "30m",
// "2h 15s"). A bare number is read as seconds. Units are case-insensitive.
func Parse(s string) (time.Duration, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	if in == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if numPattern.MatchString(in) {
		n, err := strconv.ParseInt(in, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(n) * time.Second, nil
	}
	if !fullPattern.MatchString(in) {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var total time.Duration
	for _, m := range partPattern.FindAllStringSubmatch(in, -1) {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(n) * unitOf[m[2]]
	}
	return total, nil
}

// IsValid reports whether Parse would accept s with a positive result.
func IsValid(s string) bool {
	d, err := Parse(s)
	return err == nil && d > 0
}

// Format renders d as "1d 2h 30m 15s", skipping zero parts. Zero is "0s".
func Format(d time.Duration) string {
	return join(d, " ")
}

// Compact renders d as "1d2h30m15s".
func Compact(d time.Duration) string {
	return join(d, "")
}

func join(d time.Duration, sep string) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Truncate(time.Second)
	if d == 0 {
		return "0s"
	}

	days := d / Day
	d -= days * Day
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, sep)
}
