package ruleset

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrConfig wraps every configuration-time failure: malformed merge input,
// undecodable obfuscated URLs, unknown filter names. Callers must treat it
// as fatal, never retried.
var ErrConfig = errors.New("configuration error")

// Base64Marker prefixes obfuscated URL values in site definitions; the
// remainder of the value is base64-encoded.
const Base64Marker = "[base64]"

// ArrayPolicy decides how an array-valued key merges across layers.
type ArrayPolicy int

const (
	// ConcatOverrideFirst concatenates override entries before base
	// entries. No dedup: precedence comes from ordering, and nil entries
	// pass through.
	ConcatOverrideFirst ArrayPolicy = iota
	// Replace discards the base array outright. Filter pipelines are
	// whole-unit overrides, not appendable lists.
	Replace
)

// arrayPolicies is consulted by key name at any depth of the document.
var arrayPolicies = map[string]ArrayPolicy{
	"filters":       Replace,
	"switchFilters": Replace,
}

// Merge deep-merges override into base, later layers winning for scalars
// and per-key array policy deciding for arrays. Neither input is mutated.
func Merge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range override {
		out[k] = mergeValue(k, out[k], ov)
	}
	return out
}

func mergeValue(key string, base, override any) any {
	switch ov := override.(type) {
	case map[string]any:
		bv, ok := base.(map[string]any)
		if !ok {
			return ov
		}
		return Merge(bv, ov)
	case []any:
		bv, ok := base.([]any)
		if !ok {
			return ov
		}
		if arrayPolicies[key] == Replace {
			return ov
		}
		merged := make([]any, 0, len(ov)+len(bv))
		merged = append(merged, ov...)
		merged = append(merged, bv...)
		return merged
	default:
		return override
	}
}

// Resolve merges the given configuration layers (schema defaults first,
// user overrides last), decodes the result into a typed RuleSet, applies
// the post-merge fixups and compiles every filter pipeline.
func Resolve(layers ...map[string]any) (*RuleSet, error) {
	doc := map[string]any{}
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		doc = Merge(doc, layer)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfig, err)
	}
	rs := &RuleSet{}
	if err := json.Unmarshal(raw, rs); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfig, err)
	}

	if err := rs.fixup(); err != nil {
		return nil, err
	}
	if err := rs.compile(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfig, err)
	}
	return rs, nil
}

func (r *RuleSet) fixup() error {
	var err error
	r.URL, err = deobfuscateURL(r.URL)
	if err != nil {
		return err
	}
	for i, u := range r.URLs {
		r.URLs[i], err = deobfuscateURL(u)
		if err != nil {
			return err
		}
	}

	if r.Host == "" && r.URL != "" {
		u, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("%w: primary url: %s", ErrConfig, err)
		}
		r.Host = u.Host
	}

	if r.AllowSearch == nil {
		allowed := r.Search != nil
		r.AllowSearch = &allowed
	}
	if r.AllowQueryUserInfo == nil {
		allowed := r.UserInfo != nil && len(r.UserInfo.Process) > 0
		r.AllowQueryUserInfo = &allowed
	}

	if r.Category != nil && r.Search != nil && len(r.Search.Categories) > 0 {
		synthesized := CategoryGroup{
			Name:    "Category",
			Key:     r.Category.Key,
			Options: r.Category.Options,
			Cross:   r.Category.Cross,
		}
		r.Search.Categories = append([]CategoryGroup{synthesized}, r.Search.Categories...)
	}
	return nil
}

func deobfuscateURL(value string) (string, error) {
	if !strings.HasPrefix(value, Base64Marker) {
		return value, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Base64Marker))
	if err != nil {
		return "", fmt.Errorf("%w: obfuscated url: %s", ErrConfig, err)
	}
	return string(decoded), nil
}
