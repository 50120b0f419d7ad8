// Package filters implements the named value-transform registry used by
// field extraction rules. Every filter is pure: the output depends only on
// the input value and the declared arguments.
package filters

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ptengine/lib/timezone"
)

// Step is one entry of a filter pipeline as it appears in a site
// definition: a reference into the named registry, or an inline function
// attached programmatically by a site driver.
type Step struct {
	Name string `json:"name"`
	Args []any  `json:"args,omitempty"`
	// Fn overrides Name/Args when set. Never serialized.
	Fn Func `json:"-"`
}

// Func transforms a single extracted value.
type Func func(value any) (any, error)

// Pipeline is a compiled, ready-to-run sequence of filters.
type Pipeline []Func

// ErrUnknownFilter is wrapped by Compile when a step names a filter that
// does not exist in the registry. This is a configuration error and should
// abort rule loading, not be skipped at runtime.
var ErrUnknownFilter = fmt.Errorf("unknown filter")

type builder func(args []any) (Func, error)

var registry = map[string]builder{
	"parseSize":   buildParseSize,
	"parseTime":   buildParseTime,
	"parseTTL":    buildParseTTL,
	"parseNumber": buildParseNumber,
	"split":       buildSplit,
	"querystring": buildQuerystring,
	"regex":       buildRegex,
	"index":       buildIndex,
	"trim":        buildTrim,
	"replace":     buildReplace,
	"append":      buildAppend,
	"prepend":     buildPrepend,
	"toLower":     buildToLower,
	"toUpper":     buildToUpper,
}

// Compile resolves every step against the registry. Unknown names fail
// here so that bad configuration never reaches a live scrape.
func Compile(steps []Step) (Pipeline, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	p := make(Pipeline, 0, len(steps))
	for _, s := range steps {
		if s.Fn != nil {
			p = append(p, s.Fn)
			continue
		}
		b, ok := registry[s.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, s.Name)
		}
		fn, err := b(s.Args)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", s.Name, err)
		}
		p = append(p, fn)
	}
	return p, nil
}

// Run feeds the value through the pipeline left to right.
func (p Pipeline) Run(value any) (any, error) {
	var err error
	for _, fn := range p {
		value, err = fn(value)
		if err != nil {
			return value, err
		}
	}
	return value, nil
}

var integerString = regexp.MustCompile(`^-?\d+$`)

// CoerceNumeric turns integer-looking strings into int64. It runs after
// every pipeline (even an empty one), so downstream consumers see numbers
// wherever the raw text was numeric.
func CoerceNumeric(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if !integerString.MatchString(s) {
		return value
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return value
	}
	return n
}

func toString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, ",")
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(v)
	}
}

func argString(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func argInt(args []any, i int) (int, bool) {
	if i >= len(args) {
		return 0, false
	}
	switch v := args[i].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

var sizeRegex = regexp.MustCompile(`(?i)([\d.,]+)\s*([KMGTPE]?I?B)`)

var sizeUnits = map[string]float64{
	"B":  1,
	"KB": 1 << 10, "KIB": 1 << 10,
	"MB": 1 << 20, "MIB": 1 << 20,
	"GB": 1 << 30, "GIB": 1 << 30,
	"TB": 1 << 40, "TIB": 1 << 40,
	"PB": 1 << 50, "PIB": 1 << 50,
	"EB": 1 << 60, "EIB": 1 << 60,
}

// ParseSize converts a human readable size string ("1.5 GiB", "4,400 MB")
// into bytes. Units are binary and case-insensitive.
func ParseSize(s string) int64 {
	m := sizeRegex.FindStringSubmatch(s)
	if len(m) < 3 {
		return 0
	}
	val, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0
	}
	mult, ok := sizeUnits[strings.ToUpper(m[2])]
	if !ok {
		return 0
	}
	return int64(val * mult)
}

func buildParseSize([]any) (Func, error) {
	return func(value any) (any, error) {
		return ParseSize(toString(value)), nil
	}, nil
}

var defaultTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"Jan 2, 2006",
	time.RFC1123,
}

// ParseTime parses a time string against a list of candidate layouts (first
// success wins), falling back to a bare unix epoch in seconds or millis.
// The returned value is epoch milliseconds; naive layouts are interpreted
// in loc.
func ParseTime(s string, layouts []string, loc *time.Location) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if loc == nil {
		loc = time.UTC
	}
	if len(layouts) == 0 {
		layouts = defaultTimeLayouts
	}
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t.UnixMilli(), true
		}
	}
	if integerString.MatchString(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			// heuristic: 13+ digits is already millis
			if n > 1e12 {
				return n, true
			}
			return n * 1000, true
		}
	}
	return 0, false
}

func buildParseTime(args []any) (Func, error) {
	var layouts []string
	loc := time.UTC
	for i := range args {
		s, ok := argString(args, i)
		if !ok {
			return nil, fmt.Errorf("argument %d: want string layout", i)
		}
		if l, err := timezone.Parse(s); err == nil && timezone.IsOffset(s) {
			loc = l
			continue
		}
		layouts = append(layouts, s)
	}
	return func(value any) (any, error) {
		switch value.(type) {
		case int64, float64:
			return value, nil
		}
		ms, ok := ParseTime(toString(value), layouts, loc)
		if !ok {
			return value, nil
		}
		return ms, nil
	}, nil
}

var (
	ttlRegex       = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(second|sec|minute|min|hour|day|week|month|year)s?(?:\s+ago)?`)
	yesterdayRegex = regexp.MustCompile(`(?i)yesterday`)
	todayRegex     = regexp.MustCompile(`(?i)today|just now`)
)

// ParseTTL resolves relative "time to live" phrases such as "3 days ago"
// or "yesterday" against now.
func ParseTTL(s string, now time.Time) (int64, bool) {
	s = strings.TrimSpace(s)
	if todayRegex.MatchString(s) {
		return now.UnixMilli(), true
	}
	if yesterdayRegex.MatchString(s) {
		return now.AddDate(0, 0, -1).UnixMilli(), true
	}
	m := ttlRegex.FindStringSubmatch(s)
	if len(m) < 3 {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	var d time.Duration
	switch strings.ToLower(m[2]) {
	case "second", "sec":
		d = time.Duration(n * float64(time.Second))
	case "minute", "min":
		d = time.Duration(n * float64(time.Minute))
	case "hour":
		d = time.Duration(n * float64(time.Hour))
	case "day":
		d = time.Duration(n * float64(24*time.Hour))
	case "week":
		d = time.Duration(n * float64(7*24*time.Hour))
	case "month":
		return now.AddDate(0, -int(n), 0).UnixMilli(), true
	case "year":
		return now.AddDate(-int(n), 0, 0).UnixMilli(), true
	}
	return now.Add(-d).UnixMilli(), true
}

func buildParseTTL([]any) (Func, error) {
	return func(value any) (any, error) {
		ms, ok := ParseTTL(toString(value), time.Now())
		if !ok {
			return value, nil
		}
		return ms, nil
	}, nil
}

var nonNumeric = regexp.MustCompile(`[^\d.eE+-]`)

// ParseNumber strips grouping separators and unit noise and parses what is
// left. Integral values come back as int64, the rest as float64. The
// infinity glyph used by tracker share ratios maps to +Inf.
func ParseNumber(s string) any {
	s = strings.TrimSpace(s)
	if s == "∞" || strings.EqualFold(s, "inf") {
		return math.Inf(1)
	}
	s = strings.ReplaceAll(s, ",", "")
	s = nonNumeric.ReplaceAllString(s, "")
	if s == "" || s == "-" {
		return int64(0)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return int64(0)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return int64(f)
	}
	return f
}

func buildParseNumber([]any) (Func, error) {
	return func(value any) (any, error) {
		switch value.(type) {
		case int64, float64:
			return value, nil
		}
		return ParseNumber(toString(value)), nil
	}, nil
}

func buildSplit(args []any) (Func, error) {
	sep, ok := argString(args, 0)
	if !ok {
		return nil, fmt.Errorf("want separator as first argument")
	}
	idx, ok := argInt(args, 1)
	if !ok {
		return nil, fmt.Errorf("want index as second argument")
	}
	return func(value any) (any, error) {
		parts := strings.Split(toString(value), sep)
		i := idx
		if i < 0 {
			i += len(parts)
		}
		if i < 0 || i >= len(parts) {
			return "", nil
		}
		return strings.TrimSpace(parts[i]), nil
	}, nil
}

func buildQuerystring(args []any) (Func, error) {
	param, ok := argString(args, 0)
	if !ok {
		return nil, fmt.Errorf("want parameter name as first argument")
	}
	return func(value any) (any, error) {
		s := toString(value)
		u, err := url.Parse(s)
		if err == nil {
			if v := u.Query().Get(param); v != "" {
				return v, nil
			}
		}
		// tolerate bare query strings without a path
		if vals, err := url.ParseQuery(strings.TrimPrefix(s, "?")); err == nil {
			return vals.Get(param), nil
		}
		return "", nil
	}, nil
}

func buildRegex(args []any) (Func, error) {
	pattern, ok := argString(args, 0)
	if !ok {
		return nil, fmt.Errorf("want pattern as first argument")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	group, hasGroup := argInt(args, 1)
	return func(value any) (any, error) {
		m := re.FindStringSubmatch(toString(value))
		if m == nil {
			return "", nil
		}
		if hasGroup {
			if group < 0 || group >= len(m) {
				return "", nil
			}
			return m[group], nil
		}
		switch len(m) {
		case 1:
			return m[0], nil
		case 2:
			return m[1], nil
		default:
			return m[1:], nil
		}
	}, nil
}

func buildIndex(args []any) (Func, error) {
	idx, ok := argInt(args, 0)
	if !ok {
		return nil, fmt.Errorf("want index as first argument")
	}
	return func(value any) (any, error) {
		if parts, ok := value.([]string); ok {
			if idx < 0 || idx >= len(parts) {
				return "", nil
			}
			return parts[idx], nil
		}
		return value, nil
	}, nil
}

func buildTrim(args []any) (Func, error) {
	cutset, ok := argString(args, 0)
	return func(value any) (any, error) {
		if ok {
			return strings.Trim(toString(value), cutset), nil
		}
		return strings.TrimSpace(toString(value)), nil
	}, nil
}

func buildReplace(args []any) (Func, error) {
	old, ok := argString(args, 0)
	if !ok {
		return nil, fmt.Errorf("want old substring as first argument")
	}
	repl, _ := argString(args, 1)
	return func(value any) (any, error) {
		return strings.ReplaceAll(toString(value), old, repl), nil
	}, nil
}

func buildAppend(args []any) (Func, error) {
	suffix, ok := argString(args, 0)
	if !ok {
		return nil, fmt.Errorf("want suffix as first argument")
	}
	return func(value any) (any, error) {
		return toString(value) + suffix, nil
	}, nil
}

func buildPrepend(args []any) (Func, error) {
	prefix, ok := argString(args, 0)
	if !ok {
		return nil, fmt.Errorf("want prefix as first argument")
	}
	return func(value any) (any, error) {
		return prefix + toString(value), nil
	}, nil
}

func buildToLower([]any) (Func, error) {
	return func(value any) (any, error) {
		return strings.ToLower(toString(value)), nil
	}, nil
}

func buildToUpper([]any) (Func, error) {
	return func(value any) (any, error) {
		return strings.ToUpper(toString(value)), nil
	}, nil
}
