// Package duration provides human-readable duration parsing.
// It extends Go's standard time.ParseDuration with support for days, weeks,
// months, and years, plus a Duration type usable directly in configuration
// structs.
//
// Examples:
//   - "24h" = 24 hours (standard Go format)
//   - "30 days" = 30 days
//   - "1w2d12h" = 1 week, 2 days, 12 hours
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day represents 24 hours.
	Day = 24 * time.Hour
	// Week represents 7 days.
	Week = 7 * Day
	// Month represents 30 days (approximate).
	Month = 30 * Day
	// Year represents 365 days (approximate).
	Year = 365 * Day
)

// unitMultipliers maps extended unit names to their hour multiplier. Hours are
// the base unit because time.ParseDuration supports up to hours natively.
var unitMultipliers = map[string]int64{
	"y":     365 * 24,
	"yr":    365 * 24,
	"year":  365 * 24,
	"years": 365 * 24,

	"mo":     30 * 24,
	"month":  30 * 24,
	"months": 30 * 24,

	"w":     7 * 24,
	"wk":    7 * 24,
	"week":  7 * 24,
	"weeks": 7 * 24,

	"d":    24,
	"day":  24,
	"days": 24,
}

// standardUnitReplacements maps full word time units to their Go duration
// equivalents, so "3 hours" parses like "3h".
var standardUnitReplacements = map[string]string{
	"hour":  "h",
	"hours": "h",
	"hr":    "h",
	"hrs":   "h",

	"minute":  "m",
	"minutes": "m",
	"min":     "m",
	"mins":    "m",

	"second":  "s",
	"seconds": "s",
	"sec":     "s",
	"secs":    "s",

	"millisecond":  "ms",
	"milliseconds": "ms",
}

// extendedUnitPattern matches extended duration units (years, months, weeks,
// days) with optional whitespace between number and unit.
var extendedUnitPattern = regexp.MustCompile(`(?i)(\d+)\s*(years?|yr|y|months?|mo|weeks?|wk|w|days?|d)`)

// standardUnitPattern matches standard time units written as full words.
var standardUnitPattern = regexp.MustCompile(`(?i)(\d+)\s*(hours?|hrs?|minutes?|mins?|seconds?|secs?|milliseconds?)`)

// Parse parses a human-readable duration string. It accepts everything
// time.ParseDuration accepts, plus d/w/mo/y units and full-word unit names.
// Whitespace between number and unit is optional.
func Parse(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	s = strings.TrimSpace(s)

	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}

	var totalHours int64

	// Extract and convert extended units to hours.
	remaining := extendedUnitPattern.ReplaceAllStringFunc(s, func(match string) string {
		matches := extendedUnitPattern.FindStringSubmatch(match)
		if len(matches) == 3 {
			value, _ := strconv.ParseInt(matches[1], 10, 64)
			unit := strings.ToLower(matches[2])
			if multiplier, ok := unitMultipliers[unit]; ok {
				totalHours += value * multiplier
			}
		}
		return ""
	})

	// Convert full-word standard units to short form.
	remaining = standardUnitPattern.ReplaceAllStringFunc(remaining, func(match string) string {
		matches := standardUnitPattern.FindStringSubmatch(match)
		if len(matches) == 3 {
			unit := strings.ToLower(matches[2])
			if shortUnit, ok := standardUnitReplacements[unit]; ok {
				return matches[1] + shortUnit
			}
		}
		return match
	})

	// Go's duration parser doesn't accept spaces between units.
	remaining = strings.Join(strings.Fields(strings.TrimSpace(remaining)), "")

	var durationStr string
	if totalHours > 0 {
		durationStr = fmt.Sprintf("%dh", totalHours)
	}
	durationStr += remaining
	if durationStr == "" {
		durationStr = "0s"
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}

	if negative {
		d = -d
	}
	return d, nil
}

// MustParse is like Parse but panics if the string cannot be parsed.
// Use only for compile-time constants.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format converts a duration to a human-readable string using the largest
// appropriate units. Zero components are omitted: 25h becomes "1d1h".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	negative := d < 0
	if negative {
		d = -d
	}

	var result strings.Builder

	days := d / Day
	d -= days * Day
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	d -= seconds * time.Second

	if days > 0 {
		fmt.Fprintf(&result, "%dd", days)
	}
	if hours > 0 {
		fmt.Fprintf(&result, "%dh", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&result, "%dm", minutes)
	}
	if seconds > 0 {
		fmt.Fprintf(&result, "%ds", seconds)
	}
	if d > 0 {
		if ms := d / time.Millisecond; ms > 0 {
			fmt.Fprintf(&result, "%dms", ms)
			d -= ms * time.Millisecond
		}
		if d > 0 {
			fmt.Fprintf(&result, "%dns", d.Nanoseconds())
		}
	}

	if result.Len() == 0 {
		return "0s"
	}
	if negative {
		return "-" + result.String()
	}
	return result.String()
}

// Duration wraps time.Duration with text marshalling, so duration fields work
// in YAML configuration and environment variable overrides.
type Duration time.Duration

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// String returns the human-readable form.
func (d Duration) String() string {
	return Format(time.Duration(d))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(Format(time.Duration(d))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
