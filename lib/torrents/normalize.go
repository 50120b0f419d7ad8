package torrents

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"ptengine/lib/filters"
	"ptengine/lib/ruleset"
	"ptengine/lib/timezone"
)

var numericFields = []string{
	"id", "size", "seeders", "leechers", "completed", "comments",
	"category", "status",
}

var groupedInteger = regexp.MustCompile(`^-?[\d,]+$`)

// Normalize runs the final type-coercion and identity pass over a parsed
// record. It is idempotent: running it over an already-normalized record
// changes nothing.
func Normalize(rec map[string]any, base *url.URL, rules *ruleset.RuleSet) error {
	for _, key := range []string{"url", "link"} {
		if s, ok := rec[key].(string); ok && s != "" {
			rec[key] = absoluteURL(s, base)
		}
	}

	if isEmpty(rec["id"]) {
		switch {
		case !isEmpty(rec["url"]):
			rec["id"] = rec["url"]
		case !isEmpty(rec["link"]):
			rec["id"] = rec["link"]
		}
	}

	if s, ok := rec["size"].(string); ok {
		rec["size"] = filters.ParseSize(s)
	}

	if s, ok := rec["time"].(string); ok {
		if ms, parsed := filters.ParseTime(s, nil, rules.Location()); parsed {
			rec["time"] = ms
		} else if ms, parsed := filters.ParseTTL(s, nowFunc()); parsed {
			rec["time"] = ms
		}
	}

	if len(rules.CategoryMap) > 0 {
		if raw := rec["category"]; !isEmpty(raw) {
			if name, ok := rules.CategoryMap[valueKey(raw)]; ok {
				rec["category"] = name
			}
		}
	}

	for _, key := range numericFields {
		s, ok := rec[key].(string)
		if !ok {
			continue
		}
		cleaned := strings.ReplaceAll(s, ",", "")
		if !groupedInteger.MatchString(s) {
			continue
		}
		n, err := strconv.ParseInt(cleaned, 10, 64)
		if err != nil {
			continue
		}
		rec[key] = n
	}

	return nil
}

// absoluteURL resolves s against base. Magnet URIs and already-absolute
// URLs pass through; protocol-relative URLs inherit the base scheme.
func absoluteURL(s string, base *url.URL) string {
	if strings.HasPrefix(s, "magnet:") {
		return s
	}
	if strings.HasPrefix(s, "//") {
		return base.Scheme + ":" + s
	}
	ref, err := url.Parse(s)
	if err != nil {
		return s
	}
	if ref.IsAbs() {
		return s
	}
	if base == nil {
		return s
	}
	return base.ResolveReference(ref).String()
}

// ToTorrent projects a normalized record into the typed result. The id
// invariant holds by this point: Normalize backfilled it from url/link.
func ToTorrent(rec map[string]any, site string) Torrent {
	t := Torrent{
		Site:      site,
		ID:        asString(rec["id"]),
		Title:     asString(rec["title"]),
		Subtitle:  asString(rec["subtitle"]),
		URL:       asString(rec["url"]),
		Link:      asString(rec["link"]),
		Time:      asInt64(rec["time"]),
		Size:      asInt64(rec["size"]),
		Seeders:   asInt64(rec["seeders"]),
		Leechers:  asInt64(rec["leechers"]),
		Completed: asInt64(rec["completed"]),
		Comments:  asInt64(rec["comments"]),
		Category:  asString(rec["category"]),
		Progress:  asFloat(rec["progress"]),
		Status:    asInt64(rec["status"]),
	}
	if tags, ok := rec["tags"].([]Tag); ok {
		t.Tags = tags
	}
	return t
}

// nowFunc is swapped in tests exercising relative-time normalization.
var nowFunc = timezone.Now

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	return false
}

func valueKey(v any) string {
	return asString(v)
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case float64:
		return int64(val)
	case int:
		return int64(val)
	}
	return 0
}

func asFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case int:
		return float64(val)
	}
	return 0
}
