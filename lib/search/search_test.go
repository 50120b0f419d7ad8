package search

import (
	"testing"

	"ptengine/lib/ruleset"
	"ptengine/lib/transport"

	"github.com/stretchr/testify/require"
)

func searchRules() *ruleset.RuleSet {
	return &ruleset.RuleSet{
		Name: "Example",
		URL:  "https://tracker.example.net/",
		Search: &ruleset.SearchRule{
			Request: ruleset.RequestRule{
				Path:   "/torrents.php",
				Params: map[string]any{"incldead": 1},
			},
			KeywordParam: "search",
			Categories: []ruleset.CategoryGroup{
				{
					Name:  "Category",
					Key:   "category",
					Cross: &ruleset.CrossRule{Mode: "append", Key: "cat"},
				},
			},
		},
	}
}

func TestComposeKeyword(t *testing.T) {
	rules := searchRules()
	rules.Search.KeywordParam = "q"

	composed, err := Compose(rules, Input{Keywords: "foo"})
	require.NoError(t, err)
	require.False(t, composed.Skipped)

	req := composed.Request
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "https://tracker.example.net/", req.BaseURL)
	require.Equal(t, "/torrents.php", req.URL)
	require.Equal(t, transport.ResponseDocument, req.ResponseType)
	require.Equal(t, "foo", req.Params["q"])
	// declared params survive
	require.Equal(t, 1, req.Params["incldead"])
}

func TestComposeCrossAppend(t *testing.T) {
	composed, err := Compose(searchRules(), Input{
		Keywords: "foo",
		Filters: []FieldFilter{
			{Key: "category", Value: []any{1, 2}},
		},
	})
	require.NoError(t, err)

	params := composed.Request.Params
	require.Equal(t, 1, params["cat1"])
	require.Equal(t, 1, params["cat2"])
	require.NotContains(t, params, "cat")
	require.NotContains(t, params, "category")
}

func TestComposeCrossComma(t *testing.T) {
	rules := searchRules()
	rules.Search.Categories[0].Cross.Mode = "comma"

	composed, err := Compose(rules, Input{
		Filters: []FieldFilter{{Key: "category", Value: []any{1, 2}}},
	})
	require.NoError(t, err)
	require.Equal(t, "1,2", composed.Request.Params["cat"])
}

func TestComposeCrossAppendQuote(t *testing.T) {
	rules := searchRules()
	rules.Search.Categories[0].Cross.Mode = "appendQuote"

	composed, err := Compose(rules, Input{
		Filters: []FieldFilter{{Key: "category", Value: []string{"401"}}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, composed.Request.Params["cat[401]"])
}

func TestComposeCrossBracketsDefault(t *testing.T) {
	rules := searchRules()
	rules.Search.Categories[0].Cross = nil

	composed, err := Compose(rules, Input{
		Filters: []FieldFilter{{Key: "category", Value: []any{1, 2}}},
	})
	require.NoError(t, err)
	// slices are handed to the transport layer, which serializes them as
	// repeated parameters
	require.Equal(t, []any{1, 2}, composed.Request.Params["category"])
}

func TestComposeCrossCustom(t *testing.T) {
	rules := searchRules()
	rules.Search.Categories[0].Cross.Mode = "custom"
	rules.Search.Categories[0].Generate = func(params map[string]any, values []any) error {
		params["bitmask"] = len(values)
		return nil
	}

	composed, err := Compose(rules, Input{
		Filters: []FieldFilter{{Key: "category", Value: []any{1, 2, 3}}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, composed.Request.Params["bitmask"])
}

func TestComposeCrossCustomWithoutGenerator(t *testing.T) {
	rules := searchRules()
	rules.Search.Categories[0].Cross.Mode = "custom"

	_, err := Compose(rules, Input{
		Filters: []FieldFilter{{Key: "category", Value: []any{1}}},
	})
	require.ErrorIs(t, err, ruleset.ErrConfig)
}

func TestComposeUnknownCrossMode(t *testing.T) {
	rules := searchRules()
	rules.Search.Categories[0].Cross.Mode = "zipper"

	_, err := Compose(rules, Input{
		Filters: []FieldFilter{{Key: "category", Value: []any{1}}},
	})
	require.ErrorIs(t, err, ruleset.ErrConfig)
}

func TestComposeScalarFilter(t *testing.T) {
	composed, err := Compose(searchRules(), Input{
		Filters: []FieldFilter{{Key: "standard", Value: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, composed.Request.Params["standard"])
}

func TestComposeSentinels(t *testing.T) {
	composed, err := Compose(searchRules(), Input{
		Keywords: "foo",
		Filters: []FieldFilter{
			{Key: KeyChangePath, Value: "/special.php"},
			{Key: KeyChangeBaseURL, Value: "https://mirror.example.org/"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "/special.php", composed.Request.URL)
	require.Equal(t, "https://mirror.example.org/", composed.Request.BaseURL)
	require.NotContains(t, composed.Request.Params, KeyChangePath)
}

func TestComposeAdvancedKeyword(t *testing.T) {
	rules := searchRules()
	rules.AdvancedKeywords = map[string]*ruleset.AdvancedKeyword{
		"imdb": {Param: "imdbid", Path: "/browse.php"},
	}

	composed, err := Compose(rules, Input{Keywords: "imdb|tt0133093"})
	require.NoError(t, err)
	require.False(t, composed.Skipped)

	req := composed.Request
	require.Equal(t, "/browse.php", req.URL)
	require.Equal(t, "tt0133093", req.Params["imdbid"])
	// the generic keyword parameter is removed by the rewrite
	require.NotContains(t, req.Params, "search")
}

func TestComposeAdvancedKeywordDisabled(t *testing.T) {
	disabled := false
	rules := searchRules()
	rules.AdvancedKeywords = map[string]*ruleset.AdvancedKeyword{
		"douban": {Enabled: &disabled},
	}

	composed, err := Compose(rules, Input{Keywords: "douban|1234"})
	require.NoError(t, err)
	require.True(t, composed.Skipped)
	require.Nil(t, composed.Request)
}

func TestComposeAdvancedKeywordRewrite(t *testing.T) {
	rules := searchRules()
	rules.AdvancedKeywords = map[string]*ruleset.AdvancedKeyword{
		"imdb": {
			Rewrite: func(params map[string]any, value string) error {
				delete(params, "search")
				params["q"] = "imdb:" + value
				return nil
			},
		},
	}

	composed, err := Compose(rules, Input{Keywords: "imdb|tt0111161"})
	require.NoError(t, err)
	require.Equal(t, "imdb:tt0111161", composed.Request.Params["q"])
	require.NotContains(t, composed.Request.Params, "search")
}

func TestComposeAdvancedRewriteSeesDeclaredParams(t *testing.T) {
	rules := searchRules()
	rules.AdvancedKeywords = map[string]*ruleset.AdvancedKeyword{
		"imdb": {
			Rewrite: func(params map[string]any, value string) error {
				delete(params, "incldead")
				params["imdbid"] = value
				return nil
			},
		},
	}

	composed, err := Compose(rules, Input{Keywords: "imdb|tt0133093"})
	require.NoError(t, err)
	// the rewrite runs over the merged bag so deleting a declared
	// default sticks
	require.NotContains(t, composed.Request.Params, "incldead")
	require.Equal(t, "tt0133093", composed.Request.Params["imdbid"])
}

func TestComposeAdvancedRewritePostData(t *testing.T) {
	rules := searchRules()
	rules.Search.Request.Method = "POST"
	rules.Search.Request.BodyType = transport.BodyForm
	rules.Search.Request.Data = map[string]any{"incldead": 1}
	rules.AdvancedKeywords = map[string]*ruleset.AdvancedKeyword{
		"imdb": {
			Rewrite: func(params map[string]any, value string) error {
				delete(params, "incldead")
				params["imdbid"] = value
				return nil
			},
		},
	}

	composed, err := Compose(rules, Input{Keywords: "imdb|tt0133093"})
	require.NoError(t, err)
	require.NotContains(t, composed.Request.Data, "incldead")
	require.Equal(t, "tt0133093", composed.Request.Data["imdbid"])
}

func TestComposeUnknownPrefixIsPlainKeyword(t *testing.T) {
	composed, err := Compose(searchRules(), Input{Keywords: "foo|bar"})
	require.NoError(t, err)
	require.Equal(t, "foo|bar", composed.Request.Params["search"])
}

func TestComposePostBody(t *testing.T) {
	rules := searchRules()
	rules.Search.Request.Method = "POST"
	rules.Search.Request.BodyType = transport.BodyForm
	rules.Search.Request.Data = map[string]any{"page": 0}

	composed, err := Compose(rules, Input{Keywords: "foo"})
	require.NoError(t, err)

	req := composed.Request
	require.Equal(t, "POST", req.Method)
	require.Equal(t, "foo", req.Data["search"])
	require.Equal(t, 0, req.Data["page"])
	// query params keep only the declared ones
	require.Equal(t, 1, req.Params["incldead"])
	require.NotContains(t, req.Params, "search")
}

func TestComposeOverrides(t *testing.T) {
	composed, err := Compose(searchRules(), Input{
		Keywords: "foo",
		Overrides: &ruleset.RequestRule{
			Path:         "/api/search",
			ResponseType: transport.ResponseJSON,
			Headers:      map[string]string{"accept": "application/json"},
		},
	})
	require.NoError(t, err)

	req := composed.Request
	require.Equal(t, "/api/search", req.URL)
	require.Equal(t, transport.ResponseJSON, req.ResponseType)
	require.Equal(t, "application/json", req.Headers["accept"])
}

func TestComposeWithoutSearchRules(t *testing.T) {
	_, err := Compose(&ruleset.RuleSet{Name: "None"}, Input{Keywords: "foo"})
	require.ErrorIs(t, err, ruleset.ErrConfig)
}
