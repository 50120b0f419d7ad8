// Package search composes the transport request for a user's search
// input: keywords (possibly carrying an advanced-keyword prefix),
// structured category filters with their cross-parameter encodings, and
// the site's declared request defaults.
package search

import (
	"fmt"
	"strconv"
	"strings"

	"ptengine/lib/ruleset"
	"ptengine/lib/transport"
)

// Sentinel filter keys that redirect the request instead of becoming
// parameters.
const (
	KeyChangePath    = "#changePath"
	KeyChangeBaseURL = "#changeBaseURL"
)

// FieldFilter is one structured filter selection; Value may be a scalar
// or a slice for multi-select groups.
type FieldFilter struct {
	Key   string
	Value any
}

// Input is what the user asked to search for.
type Input struct {
	Keywords string
	Filters  []FieldFilter
	// Overrides are merged over the site's declared search request.
	Overrides *ruleset.RequestRule
}

// Composed is the outcome: either a ready request or a deliberate skip
// (the advanced keyword type is disabled for this site).
type Composed struct {
	Request    *transport.RequestConfig
	Skipped    bool
	SkipReason string
}

// Compose builds the request in the documented order: advanced-keyword
// detection, base assembly (defaults shim, site declaration, input), cross
// encoding, then the advanced-keyword rewrite last so it can delete or
// replace anything the generic logic set.
func Compose(rules *ruleset.RuleSet, in Input) (*Composed, error) {
	if rules.Search == nil {
		return nil, fmt.Errorf("%w: site declares no search rules", ruleset.ErrConfig)
	}

	keywords := in.Keywords
	var advanced *ruleset.AdvancedKeyword
	var advancedValue string

	if typ, rest, found := strings.Cut(keywords, "|"); found {
		if ak, ok := rules.AdvancedKeywords[typ]; ok {
			if !ak.IsEnabled() {
				return &Composed{
					Skipped:    true,
					SkipReason: fmt.Sprintf("advanced keyword type %q is disabled", typ),
				}, nil
			}
			advanced = ak
			advancedValue = rest
			keywords = rest
		}
	}

	declared := rules.Search.Request
	req := &transport.RequestConfig{
		Method:       orDefault(declared.Method, "GET"),
		BaseURL:      rules.URL,
		URL:          orDefault(declared.Path, "/"),
		BodyType:     declared.BodyType,
		ResponseType: orDefault(declared.ResponseType, transport.ResponseDocument),
		Headers:      copyStringMap(declared.Headers),
	}
	if in.Overrides != nil {
		applyOverrides(req, in.Overrides)
	}

	// bag collects the input-derived parameters; where it ends up (query
	// string or body) depends on the method.
	bag := map[string]any{}
	if keywords != "" && rules.Search.KeywordParam != "" {
		bag[rules.Search.KeywordParam] = keywords
	}

	for _, f := range in.Filters {
		switch f.Key {
		case KeyChangePath:
			req.URL = stringify(f.Value)
			continue
		case KeyChangeBaseURL:
			req.BaseURL = stringify(f.Value)
			continue
		}

		values, multi := asSlice(f.Value)
		if !multi {
			bag[f.Key] = f.Value
			continue
		}
		if err := encodeCross(bag, rules.Search.Categories, f.Key, values); err != nil {
			return nil, err
		}
	}

	post := strings.EqualFold(req.Method, "POST")
	if post {
		req.Data = mergeBags(declared.Data, bag)
		req.Params = copyBag(declared.Params)
	} else {
		req.Params = mergeBags(declared.Params, bag)
	}

	// The rewrite runs over the fully merged bag, declared defaults
	// included, so it can delete or replace anything set so far.
	if advanced != nil {
		target := req.Params
		if post {
			target = req.Data
		}
		if target == nil {
			target = map[string]any{}
			if post {
				req.Data = target
			} else {
				req.Params = target
			}
		}
		if err := applyAdvanced(req, target, rules, advanced, advancedValue); err != nil {
			return nil, err
		}
	}

	return &Composed{Request: req}, nil
}

// encodeCross applies the category group's declared cross mode to a
// multi-valued selection.
func encodeCross(bag map[string]any, groups []ruleset.CategoryGroup, key string, values []any) error {
	group := findGroup(groups, key)

	mode := ""
	crossKey := key
	if group != nil && group.Cross != nil {
		mode = group.Cross.Mode
		crossKey = group.CrossKey()
	}

	switch mode {
	case "", "brackets":
		// the transport layer serializes slices as repeated parameters
		bag[crossKey] = values
	case "comma":
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = stringify(v)
		}
		bag[crossKey] = strings.Join(parts, ",")
	case "append":
		for _, v := range values {
			bag[crossKey+stringify(v)] = 1
		}
	case "appendQuote":
		for _, v := range values {
			bag[crossKey+"["+stringify(v)+"]"] = 1
		}
	case "custom":
		if group == nil || group.Generate == nil {
			return fmt.Errorf("%w: category group %q declares custom cross mode without a generator", ruleset.ErrConfig, key)
		}
		return group.Generate(bag, values)
	default:
		return fmt.Errorf("%w: unknown cross mode %q", ruleset.ErrConfig, mode)
	}
	return nil
}

// applyAdvanced runs after generic assembly so the rewrite may freely
// delete or replace parameters the generic logic set.
func applyAdvanced(req *transport.RequestConfig, bag map[string]any, rules *ruleset.RuleSet, ak *ruleset.AdvancedKeyword, value string) error {
	if ak.Rewrite != nil {
		return ak.Rewrite(bag, value)
	}
	if rules.Search.KeywordParam != "" {
		delete(bag, rules.Search.KeywordParam)
	}
	if ak.Param != "" {
		bag[ak.Param] = value
	}
	if ak.Path != "" {
		req.URL = ak.Path
	}
	return nil
}

func findGroup(groups []ruleset.CategoryGroup, key string) *ruleset.CategoryGroup {
	for i := range groups {
		if groups[i].Key == key {
			return &groups[i]
		}
	}
	return nil
}

func applyOverrides(req *transport.RequestConfig, o *ruleset.RequestRule) {
	if o.Method != "" {
		req.Method = o.Method
	}
	if o.Path != "" {
		req.URL = o.Path
	}
	if o.BodyType != "" {
		req.BodyType = o.BodyType
	}
	if o.ResponseType != "" {
		req.ResponseType = o.ResponseType
	}
	for k, v := range o.Headers {
		if req.Headers == nil {
			req.Headers = map[string]string{}
		}
		req.Headers[k] = v
	}
}

func asSlice(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(val))
		for i, n := range val {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprint(val)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func copyStringMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyBag(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeBags(base, derived map[string]any) map[string]any {
	if len(base) == 0 && len(derived) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(derived))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range derived {
		out[k] = v
	}
	return out
}
