// Package selector implements the field extractor: given an extraction
// rule and a context (an HTML node or a JSON value), it tries the rule's
// selector candidates in order, applies one extraction strategy and runs
// the rule's filter pipeline over the result.
package selector

import (
	"strings"

	"ptengine/lib/filters"
	"ptengine/lib/htmlutil"
	"ptengine/lib/ruleset"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

type ContextKind int

const (
	KindDocument ContextKind = iota
	KindObject
)

// Context is the node/value a rule is evaluated against. The kind is an
// explicit tag set at the call site; there is no reflection-based
// dispatch inside the engine.
type Context struct {
	Kind ContextKind
	Doc  *goquery.Selection
	JSON gjson.Result
}

// Document wraps an HTML node context.
func Document(sel *goquery.Selection) Context {
	return Context{Kind: KindDocument, Doc: sel}
}

// Object wraps a JSON value context; selector candidates are interpreted
// as gjson property paths.
func Object(result gjson.Result) Context {
	return Context{Kind: KindObject, JSON: result}
}

// Matches is the presence test used for tag derivation: does the selector
// match anything within the context?
func Matches(c Context, sel string) bool {
	switch c.Kind {
	case KindDocument:
		if c.Doc == nil {
			return false
		}
		return c.Doc.Find(sel).Length() > 0
	case KindObject:
		return c.JSON.Get(sel).Exists()
	}
	return false
}

// Extract resolves a value for the rule against the context.
//
// Candidates are tried in declared order and iteration stops at the first
// one yielding a non-empty (after trimming) value. If none matches, the
// rule's literal default is used — and, deliberately, the matched index
// then equals the candidate count, which is out of range for the
// switch-filter table: the default passes through with no switch filter
// applied. Site rules depend on that asymmetry; do not "fix" it.
func Extract(c Context, q *ruleset.ElementQuery) (any, error) {
	var value any = q.Text
	matched := len(q.Selector)

	for i, cand := range q.Selector {
		resolved, ok, err := resolveCandidate(c, cand, q)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		value = resolved
		matched = i
		break
	}

	var err error
	if q.HasSwitch() {
		if p, ok := q.SwitchPipeline(matched); ok {
			value, err = p.Run(value)
			if err != nil {
				return nil, err
			}
		}
	} else if p := q.Pipeline(); p != nil {
		value, err = p.Run(value)
		if err != nil {
			return nil, err
		}
	}

	return filters.CoerceNumeric(value), nil
}

func resolveCandidate(c Context, cand ruleset.Candidate, q *ruleset.ElementQuery) (any, bool, error) {
	switch c.Kind {
	case KindDocument:
		return resolveDocument(c.Doc, cand, q)
	case KindObject:
		return resolveObject(c.JSON, cand, q)
	}
	return nil, false, nil
}

func resolveDocument(root *goquery.Selection, cand ruleset.Candidate, q *ruleset.ElementQuery) (any, bool, error) {
	if root == nil {
		return nil, false, nil
	}
	node := root
	if cand.Kind == ruleset.CandidatePath {
		node = root.Find(cand.Path).First()
	}
	if node.Length() == 0 {
		return nil, false, nil
	}
	value, err := applyNodeStrategy(node, q)
	if err != nil {
		return nil, false, err
	}
	return value, nonEmpty(value), nil
}

// applyNodeStrategy picks exactly one strategy in priority order:
// custom processor > case table > data attribute > attribute > text.
func applyNodeStrategy(node *goquery.Selection, q *ruleset.ElementQuery) (any, error) {
	switch {
	case q.Process != nil:
		return q.Process(node)
	case len(q.Case) > 0:
		for _, entry := range q.Case {
			if node.Is(entry.Selector) {
				return entry.Value, nil
			}
		}
		return "", nil
	case q.Data != "":
		return node.AttrOr("data-"+q.Data, ""), nil
	case q.Attr != "":
		// "html" asks for the node's inner markup rather than an
		// attribute, so regex filters can dig through it.
		if q.Attr == "html" {
			html, err := node.Html()
			if err != nil {
				return "", err
			}
			return html, nil
		}
		return node.AttrOr(q.Attr, ""), nil
	default:
		return htmlutil.NodeText(node), nil
	}
}

func resolveObject(root gjson.Result, cand ruleset.Candidate, q *ruleset.ElementQuery) (any, bool, error) {
	value := root
	if cand.Kind == ruleset.CandidatePath {
		value = root.Get(cand.Path)
	}
	if !value.Exists() || value.Type == gjson.Null {
		return nil, false, nil
	}
	if q.Process != nil {
		out, err := q.Process(value)
		if err != nil {
			return nil, false, err
		}
		return out, nonEmpty(out), nil
	}
	switch value.Type {
	case gjson.String:
		s := strings.TrimSpace(value.String())
		return s, s != "", nil
	case gjson.Number:
		f := value.Float()
		if f == float64(int64(f)) {
			return int64(f), true, nil
		}
		return f, true, nil
	case gjson.True, gjson.False:
		return value.Bool(), true, nil
	default:
		// arrays/objects keep their raw JSON form, filters can split it
		return value.Raw, true, nil
	}
}

func nonEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	default:
		return true
	}
}
