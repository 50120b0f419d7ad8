// Package timezone resolves the "+0800"-style UTC offsets that tracker
// site definitions declare into time.Locations.
package timezone

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var offsetRegex = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})$`)

// IsOffset reports whether s looks like a declared UTC offset
// ("+0800", "-05:30").
func IsOffset(s string) bool {
	return offsetRegex.MatchString(s)
}

// Parse converts a declared offset into a fixed-zone location. An empty
// offset means UTC; sites that never declare one are assumed to render
// times in UTC already.
func Parse(offset string) (*time.Location, error) {
	if offset == "" {
		return time.UTC, nil
	}
	m := offsetRegex.FindStringSubmatch(offset)
	if m == nil {
		return nil, fmt.Errorf("malformed utc offset %q", offset)
	}
	hours, _ := strconv.Atoi(m[2])
	minutes, _ := strconv.Atoi(m[3])
	seconds := hours*3600 + minutes*60
	if m[1] == "-" {
		seconds = -seconds
	}
	return time.FixedZone("UTC"+offset, seconds), nil
}

// Now exists so call sites stay mockable in tests; the engine never uses
// the server's local zone for site-facing timestamps.
func Now() time.Time {
	return time.Now().UTC()
}
