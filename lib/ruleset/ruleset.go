// Package ruleset models the effective per-site configuration consumed by
// the extraction engine: field extraction rules, search request rules, the
// user-info step list and login heuristics. A RuleSet is produced once per
// site by the merge resolver and is read-only afterwards.
package ruleset

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"ptengine/lib/filters"
	"ptengine/lib/timezone"
)

// SelfSentinel marks a selector candidate that resolves to the context
// node (or object) itself without descending.
const SelfSentinel = ":self"

type CandidateKind int

const (
	CandidatePath CandidateKind = iota
	CandidateSelf
)

// Candidate is a single selector alternative: either a CSS selector /
// property path, or the self sentinel.
type Candidate struct {
	Kind CandidateKind
	Path string
}

// Selector is the ordered list of candidates tried by the field extractor.
// In JSON it may appear as a bare string or an array of strings.
type Selector []Candidate

func (s *Selector) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = Selector{candidateOf(one)}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("selector must be a string or array of strings")
	}
	out := make(Selector, 0, len(many))
	for _, p := range many {
		out = append(out, candidateOf(p))
	}
	*s = out
	return nil
}

func candidateOf(path string) Candidate {
	if path == SelfSentinel {
		return Candidate{Kind: CandidateSelf}
	}
	return Candidate{Kind: CandidatePath, Path: path}
}

// CaseEntry is one row of a class-match table: the first entry whose
// selector matches the resolved node supplies the value.
type CaseEntry struct {
	Selector string `json:"selector"`
	Value    string `json:"value"`
}

// ElementProcess is a custom extraction hook attached by site drivers; it
// receives the matched node (*goquery.Selection for documents,
// gjson.Result for JSON contexts).
type ElementProcess func(node any) (any, error)

// ElementQuery is a single field's extraction rule.
type ElementQuery struct {
	Selector Selector `json:"selector"`
	// Text is the literal default used when no candidate resolves.
	Text string `json:"text"`
	// extraction strategies, applied in priority order:
	// Process > Case > Data > Attr > normalized text content.
	Process ElementProcess `json:"-"`
	Case    []CaseEntry    `json:"case,omitempty"`
	Data    string         `json:"data,omitempty"`
	Attr    string         `json:"attr,omitempty"`

	Filters []filters.Step `json:"filters,omitempty"`
	// SwitchFilters selects a pipeline by the index of the candidate that
	// matched, instead of Filters.
	SwitchFilters [][]filters.Step `json:"switchFilters,omitempty"`

	pipeline        filters.Pipeline
	switchPipelines []filters.Pipeline
}

// Compile resolves every named filter in the query. Unknown filter names
// fail here, before any scraping happens.
func (q *ElementQuery) Compile() error {
	p, err := filters.Compile(q.Filters)
	if err != nil {
		return err
	}
	q.pipeline = p
	q.switchPipelines = nil
	for i, steps := range q.SwitchFilters {
		sp, err := filters.Compile(steps)
		if err != nil {
			return fmt.Errorf("switchFilters[%d]: %w", i, err)
		}
		q.switchPipelines = append(q.switchPipelines, sp)
	}
	return nil
}

// Pipeline returns the compiled single filter pipeline, which may be nil.
func (q *ElementQuery) Pipeline() filters.Pipeline {
	return q.pipeline
}

// SwitchPipeline returns the compiled pipeline for the candidate index
// that matched. ok is false when no switch table is declared or the index
// is out of range; the out-of-range case is load-bearing: an exhausted
// candidate list yields index == len(candidates), and the default value
// must then pass through unfiltered.
func (q *ElementQuery) SwitchPipeline(i int) (filters.Pipeline, bool) {
	if i < 0 || i >= len(q.switchPipelines) {
		return nil, false
	}
	return q.switchPipelines[i], true
}

// HasSwitch reports whether a switch-filter table is declared.
func (q *ElementQuery) HasSwitch() bool {
	return len(q.SwitchFilters) > 0
}

// TagRule derives a presence-only tag: the tag is attached iff Selector
// matches anything inside the row.
type TagRule struct {
	Name     string `json:"name"`
	Selector string `json:"selector"`
	Color    string `json:"color,omitempty"`
}

// CategoryOption is one selectable value of a category group.
type CategoryOption struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// CrossRule declares how multiple selected values of one group are encoded
// into the outgoing request.
type CrossRule struct {
	// Mode is one of "brackets", "comma", "append", "appendQuote",
	// "custom". Empty means brackets.
	Mode string `json:"mode"`
	// Key overrides the group's request key for cross encoding.
	Key string `json:"key,omitempty"`
}

// CrossGenerate is the delegate for the "custom" cross mode; it receives
// the request parameter bag and the selected values.
type CrossGenerate func(params map[string]any, values []any) error

// CategoryGroup is a structured search filter: a request key plus its
// selectable options.
type CategoryGroup struct {
	Name     string           `json:"name"`
	Key      string           `json:"key"`
	Options  []CategoryOption `json:"options,omitempty"`
	Cross    *CrossRule       `json:"cross,omitempty"`
	Generate CrossGenerate    `json:"-"`
}

// CrossKey returns the request key cross encoding should use.
func (g *CategoryGroup) CrossKey() string {
	if g.Cross != nil && g.Cross.Key != "" {
		return g.Cross.Key
	}
	return g.Key
}

// RequestRule is the declarative shape of one HTTP request.
type RequestRule struct {
	Method       string            `json:"method,omitempty"`
	Path         string            `json:"path,omitempty"`
	Params       map[string]any    `json:"params,omitempty"`
	Data         map[string]any    `json:"data,omitempty"`
	BodyType     string            `json:"bodyType,omitempty"`     // json | form | raw
	ResponseType string            `json:"responseType,omitempty"` // document | json | raw
	Headers      map[string]string `json:"headers,omitempty"`
}

// AdvancedKeyword configures one `type|value` keyword prefix. When the
// user searches "imdb|tt0133093" the composer strips the prefix and
// rewrites the request for that keyword type after generic assembly.
type AdvancedKeyword struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Param   string `json:"param,omitempty"` // parameter receiving the value
	Path    string `json:"path,omitempty"`  // optional path override
	// Rewrite fully replaces the declarative rewrite when set.
	Rewrite func(params map[string]any, value string) error `json:"-"`
}

// IsEnabled defaults to enabled unless explicitly switched off.
func (a *AdvancedKeyword) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// SearchRule is the site's search configuration.
type SearchRule struct {
	Request      RequestRule              `json:"request"`
	KeywordParam string                   `json:"keywordParam,omitempty"`
	Rows         *ElementQuery            `json:"rows,omitempty"`
	Fields       map[string]*ElementQuery `json:"fields,omitempty"`
	Tags         []TagRule                `json:"tags,omitempty"`
	Categories   []CategoryGroup          `json:"categories,omitempty"`
	// ResultsPath locates the result array inside a JSON response.
	ResultsPath string `json:"resultsPath,omitempty"`
}

// UserInfoStep is one request of the user-info pipeline together with the
// fields it can supply.
type UserInfoStep struct {
	Request RequestRule `json:"request"`
	// Assertion maps an already-resolved field to the request parameter
	// (or $placeholder$ in the path) carrying its value.
	Assertion map[string]string `json:"assertion,omitempty"`
	Fields    []string          `json:"fields"`
}

// UserInfoRule is the site's user-info pipeline configuration.
type UserInfoRule struct {
	// PickLast lists fields carried over from a previous run so the step
	// deriving them can be skipped.
	PickLast []string `json:"pickLast,omitempty"`
	// RequestDelayMs throttles consecutive pipeline requests.
	RequestDelayMs int64                    `json:"requestDelay,omitempty"`
	Process        []UserInfoStep           `json:"process,omitempty"`
	Selectors      map[string]*ElementQuery `json:"selectors,omitempty"`
}

// LoginRule configures the login/failure detector.
type LoginRule struct {
	// Public sites never require authentication; the detector always
	// reports logged in.
	Public bool `json:"public,omitempty"`
	// CheckPatterns are regexes matched against the final response URL
	// and Refresh-header redirect targets.
	CheckPatterns []string `json:"checkPatterns,omitempty"`
	// Strict enables the body heuristics (empty body, short body with a
	// marker phrase).
	Strict       bool     `json:"strict,omitempty"`
	Markers      []string `json:"markers,omitempty"`
	MinBodyBytes int      `json:"minBodyBytes,omitempty"`
}

// RuleSet is the fully merged, effective configuration of one site.
type RuleSet struct {
	Name           string   `json:"name"`
	Schema         string   `json:"schema,omitempty"`
	URL            string   `json:"url"`
	URLs           []string `json:"urls,omitempty"`
	Host           string   `json:"host,omitempty"`
	TimezoneOffset string   `json:"timezoneOffset,omitempty"`
	// Encoding is the charset pages are served in ("gbk", "utf-8"...);
	// responses are transcoded to UTF-8 before extraction.
	Encoding string `json:"encoding,omitempty"`

	AllowSearch        *bool `json:"allowSearch,omitempty"`
	AllowQueryUserInfo *bool `json:"allowQueryUserInfo,omitempty"`

	// Category is the shortcut form; when search.categories also exists a
	// synthesized "Category" group is prepended from it.
	Category *CategoryGroup `json:"category,omitempty"`

	Search           *SearchRule                 `json:"search,omitempty"`
	UserInfo         *UserInfoRule               `json:"userInfo,omitempty"`
	Login            *LoginRule                  `json:"login,omitempty"`
	AdvancedKeywords map[string]*AdvancedKeyword `json:"advancedKeywords,omitempty"`
	// CategoryMap translates raw category values into display names
	// during torrent normalization.
	CategoryMap map[string]string `json:"categoryMap,omitempty"`

	location *time.Location
}

// SearchAllowed reports whether the site supports searching.
func (r *RuleSet) SearchAllowed() bool {
	return r.AllowSearch != nil && *r.AllowSearch
}

// UserInfoAllowed reports whether the site supports user-info queries.
func (r *RuleSet) UserInfoAllowed() bool {
	return r.AllowQueryUserInfo != nil && *r.AllowQueryUserInfo
}

// Location returns the site's declared timezone.
func (r *RuleSet) Location() *time.Location {
	if r.location == nil {
		return time.UTC
	}
	return r.location
}

// BaseURL parses the primary site URL.
func (r *RuleSet) BaseURL() (*url.URL, error) {
	return url.Parse(r.URL)
}

func (r *RuleSet) compile() error {
	loc, err := timezone.Parse(r.TimezoneOffset)
	if err != nil {
		return err
	}
	r.location = loc

	if r.Search != nil {
		if r.Search.Rows != nil {
			if err := r.Search.Rows.Compile(); err != nil {
				return fmt.Errorf("search.rows: %w", err)
			}
		}
		for name, q := range r.Search.Fields {
			if q == nil {
				continue
			}
			if err := q.Compile(); err != nil {
				return fmt.Errorf("search.fields.%s: %w", name, err)
			}
		}
	}
	if r.UserInfo != nil {
		for name, q := range r.UserInfo.Selectors {
			if q == nil {
				continue
			}
			if err := q.Compile(); err != nil {
				return fmt.Errorf("userInfo.selectors.%s: %w", name, err)
			}
		}
	}
	return nil
}
