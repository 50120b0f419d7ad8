// Package torrents turns document rows or JSON items into normalized
// search-result records using the site's extraction rules.
package torrents

import (
	"context"
	"errors"
	"fmt"

	"ptengine/lib/ruleset"
	"ptengine/lib/selector"
	"ptengine/lib/transport"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("ptengine/torrents")

// ErrNoResults signals that the row locator matched nothing. Callers show
// an empty state for it, not an error state.
var ErrNoResults = errors.New("no results")

// Tag is a presence-only marker on a search result (promotion status,
// exclusivity and the like).
type Tag struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// baseTagColors back-fills tag colors the rule omitted. Filling happens
// at parse time and never overwrites a declared color, so repeated use is
// idempotent.
var baseTagColors = map[string]string{
	"Free":   "blue",
	"2xFree": "green",
	"2xUp":   "lime",
	"2x50%":  "light-green",
	"25%":    "purple",
	"30%":    "indigo",
	"50%":    "orange",
	"70%":    "blue-grey",
	"75%":    "lime-darken-3",
	"VIP":    "orange",
	"Excl.":  "deep-orange-darken-1",
}

// Torrent is the normalized search-result record.
type Torrent struct {
	Site      string  `json:"site"`
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Subtitle  string  `json:"subtitle,omitempty"`
	URL       string  `json:"url"`
	Link      string  `json:"link,omitempty"`
	Time      int64   `json:"time,omitempty"`
	Size      int64   `json:"size,omitempty"`
	Seeders   int64   `json:"seeders,omitempty"`
	Leechers  int64   `json:"leechers,omitempty"`
	Completed int64   `json:"completed,omitempty"`
	Comments  int64   `json:"comments,omitempty"`
	Category  string  `json:"category,omitempty"`
	Tags      []Tag   `json:"tags,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Status    int64   `json:"status,omitempty"`
}

// Parser drives per-row field extraction for one site.
type Parser struct {
	rules *ruleset.RuleSet
	// SkipBadRows isolates row-level parse failures instead of aborting
	// the whole page. Off by default: a single bad row aborting the page
	// is the historical behavior some site rules rely on for detecting
	// layout changes.
	SkipBadRows bool
}

func NewParser(rules *ruleset.RuleSet) *Parser {
	return &Parser{rules: rules}
}

// Parse dispatches on the declared response type of the site's search
// request.
func (p *Parser) Parse(ctx context.Context, res *transport.Response) ([]Torrent, error) {
	ctx, span := tracer.Start(ctx, "parser:Parse")
	defer span.End()

	search := p.rules.Search
	if search == nil {
		return nil, fmt.Errorf("%w: no search rules", ruleset.ErrConfig)
	}

	var records []map[string]any
	var err error
	if search.Request.ResponseType == transport.ResponseJSON {
		records, err = p.parseJSON(res.JSON())
	} else {
		var doc *goquery.Document
		doc, err = res.Document()
		if err == nil {
			records, err = p.parseDocument(doc)
		}
	}
	if err != nil {
		if !errors.Is(err, ErrNoResults) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "parse failed")
		}
		return nil, err
	}

	base, err := p.rules.BaseURL()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ruleset.ErrConfig, err)
	}

	out := make([]Torrent, 0, len(records))
	for _, rec := range records {
		if err := Normalize(rec, base, p.rules); err != nil {
			return nil, err
		}
		out = append(out, ToTorrent(rec, p.rules.Name))
	}

	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

func (p *Parser) parseDocument(doc *goquery.Document) ([]map[string]any, error) {
	rowsRule := p.rules.Search.Rows
	if rowsRule == nil {
		return nil, fmt.Errorf("%w: search rules declare no row locator", ruleset.ErrConfig)
	}

	var rows *goquery.Selection
	for _, cand := range rowsRule.Selector {
		if cand.Kind == ruleset.CandidateSelf {
			rows = doc.Selection
		} else {
			rows = doc.Find(cand.Path)
		}
		if rows.Length() > 0 {
			break
		}
	}
	if rows == nil || rows.Length() == 0 {
		return nil, ErrNoResults
	}

	var records []map[string]any
	var rowErr error
	rows.EachWithBreak(func(_ int, row *goquery.Selection) bool {
		rec, err := p.parseRow(selector.Document(row))
		if err != nil {
			if p.SkipBadRows {
				return true
			}
			rowErr = err
			return false
		}
		records = append(records, rec)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return records, nil
}

func (p *Parser) parseJSON(body gjson.Result) ([]map[string]any, error) {
	path := p.rules.Search.ResultsPath
	if path == "" {
		path = "@this"
	}
	items := body.Get(path)
	if !items.Exists() || !items.IsArray() || len(items.Array()) == 0 {
		return nil, ErrNoResults
	}

	var records []map[string]any
	for _, item := range items.Array() {
		rec, err := p.parseRow(selector.Object(item))
		if err != nil {
			if p.SkipBadRows {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// parseRow extracts every declared field except the row locator itself
// and the tag rules, then derives the tag set.
func (p *Parser) parseRow(c selector.Context) (map[string]any, error) {
	rec := make(map[string]any)
	for name, q := range p.rules.Search.Fields {
		if q == nil || name == "rows" || name == "tags" {
			continue
		}
		value, err := selector.Extract(c, q)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		rec[name] = value
	}
	if tags := p.deriveTags(c); len(tags) > 0 {
		rec["tags"] = tags
	}
	return rec, nil
}

// deriveTags runs the presence test of every tag rule over the row.
func (p *Parser) deriveTags(c selector.Context) []Tag {
	var tags []Tag
	for _, rule := range p.rules.Search.Tags {
		if rule.Selector == "" || !selector.Matches(c, rule.Selector) {
			continue
		}
		color := rule.Color
		if color == "" {
			color = baseTagColors[rule.Name]
		}
		tags = append(tags, Tag{Name: rule.Name, Color: color})
	}
	return tags
}
