package ruleset

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// LoadLayer reads one configuration layer (a schema default, a site
// definition, or a user override) from a JSON5 file.
func LoadLayer(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json5.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrConfig, path, err)
	}
	return doc, nil
}

// ResolveFiles loads and merges layer files in order. Missing optional
// layers should simply be omitted by the caller.
func ResolveFiles(paths ...string) (*RuleSet, error) {
	layers := make([]map[string]any, 0, len(paths))
	for _, p := range paths {
		layer, err := LoadLayer(p)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return Resolve(layers...)
}
