package torrents

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"ptengine/lib/ruleset"
	"ptengine/lib/telemetry"
	"ptengine/lib/transport"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	cleanup := telemetry.SetupForTesting("test:torrents")
	defer cleanup()
	m.Run()
}

const searchPage = `
<table class="torrents">
<tr class="row">
	<td class="cat">401</td>
	<td class="name"><a href="details.php?id=9">Ubuntu 22.04</a><img class="pro_free"></td>
	<td class="dl"><a href="download.php?id=9">get</a></td>
	<td class="time">2023-04-01 12:00:00</td>
	<td class="size">1.5 GiB</td>
	<td class="seeders">1,204</td>
	<td class="leechers">3</td>
</tr>
<tr class="row">
	<td class="cat">405</td>
	<td class="name"><a href="details.php?id=10">Debian 12</a></td>
	<td class="dl"><a href="download.php?id=10">get</a></td>
	<td class="time">2023-04-02 08:30:00</td>
	<td class="size">650 MiB</td>
	<td class="seeders">87</td>
	<td class="leechers">0</td>
</tr>
</table>`

func documentRules(t *testing.T) *ruleset.RuleSet {
	t.Helper()
	rs, err := ruleset.Resolve(map[string]any{
		"name":        "Example",
		"url":         "https://tracker.example.net/",
		"categoryMap": map[string]any{"401": "Movies", "405": "Animation"},
		"search": map[string]any{
			"rows": map[string]any{"selector": "table.torrents tr.row"},
			"fields": map[string]any{
				"title":    map[string]any{"selector": "td.name a"},
				"url":      map[string]any{"selector": "td.name a", "attr": "href"},
				"link":     map[string]any{"selector": "td.dl a", "attr": "href"},
				"id": map[string]any{
					"selector": "td.name a",
					"attr":     "href",
					"filters":  []any{map[string]any{"name": "querystring", "args": []any{"id"}}},
				},
				"time":     map[string]any{"selector": "td.time"},
				"size":     map[string]any{"selector": "td.size"},
				"seeders":  map[string]any{"selector": "td.seeders"},
				"leechers": map[string]any{"selector": "td.leechers"},
				"category": map[string]any{"selector": "td.cat"},
			},
			"tags": []any{
				map[string]any{"name": "Free", "selector": "img.pro_free"},
			},
		},
	})
	require.NoError(t, err)
	return rs
}

func TestParseDocument(t *testing.T) {
	parser := NewParser(documentRules(t))
	res := &transport.Response{StatusCode: 200, Body: []byte(searchPage)}

	out, err := parser.Parse(context.Background(), res)
	require.NoError(t, err)
	require.Len(t, out, 2)

	first := out[0]
	require.Equal(t, "Example", first.Site)
	require.Equal(t, "9", first.ID)
	require.Equal(t, "Ubuntu 22.04", first.Title)
	require.Equal(t, "https://tracker.example.net/details.php?id=9", first.URL)
	require.Equal(t, "https://tracker.example.net/download.php?id=9", first.Link)
	require.Equal(t, int64(1610612736), first.Size)
	require.Equal(t, int64(1204), first.Seeders)
	require.Equal(t, int64(3), first.Leechers)
	require.Equal(t, "Movies", first.Category)
	require.Equal(t, []Tag{{Name: "Free", Color: "blue"}}, first.Tags)

	second := out[1]
	require.Equal(t, "Debian 12", second.Title)
	require.Equal(t, "Animation", second.Category)
	require.Empty(t, second.Tags)
}

func TestParseDocumentNoResults(t *testing.T) {
	parser := NewParser(documentRules(t))
	res := &transport.Response{
		StatusCode: 200,
		Body:       []byte(`<html><body><p>Nothing found!</p></body></html>`),
	}

	_, err := parser.Parse(context.Background(), res)
	require.ErrorIs(t, err, ErrNoResults)
}

func TestParseDocumentBadRow(t *testing.T) {
	rules := documentRules(t)
	rules.Search.Fields["title"].Process = func(node any) (any, error) {
		sel := node.(*goquery.Selection)
		title := sel.Text()
		if title == "Debian 12" {
			return nil, fmt.Errorf("broken row")
		}
		return title, nil
	}
	res := &transport.Response{StatusCode: 200, Body: []byte(searchPage)}

	// default: one bad row aborts the page
	parser := NewParser(rules)
	_, err := parser.Parse(context.Background(), res)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNoResults))

	// opt-in isolation keeps the good rows
	parser = NewParser(rules)
	parser.SkipBadRows = true
	out, err := parser.Parse(context.Background(), res)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "Ubuntu 22.04", out[0].Title)
}

func jsonRules(t *testing.T) *ruleset.RuleSet {
	t.Helper()
	rs, err := ruleset.Resolve(map[string]any{
		"name": "API Tracker",
		"url":  "https://api.example.net/",
		"search": map[string]any{
			"request":     map[string]any{"responseType": "json"},
			"resultsPath": "data.items",
			"fields": map[string]any{
				"id":      map[string]any{"selector": "id"},
				"title":   map[string]any{"selector": "name"},
				"url":     map[string]any{"selector": "page_url"},
				"size":    map[string]any{"selector": "size_bytes"},
				"seeders": map[string]any{"selector": "status.seeders"},
			},
			"tags": []any{
				map[string]any{"name": "Free", "selector": "promotion.free"},
			},
		},
	})
	require.NoError(t, err)
	return rs
}

func TestParseJSON(t *testing.T) {
	parser := NewParser(jsonRules(t))
	res := &transport.Response{StatusCode: 200, Body: []byte(`{
		"data": {"items": [
			{"id": 9, "name": "Ubuntu 22.04", "page_url": "/t/9",
			 "size_bytes": 1610612736, "status": {"seeders": 12},
			 "promotion": {"free": true}},
			{"id": 10, "name": "Debian 12", "page_url": "/t/10",
			 "size_bytes": 681574400, "status": {"seeders": 87}}
		]}
	}`)}

	out, err := parser.Parse(context.Background(), res)
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.Equal(t, "9", out[0].ID)
	require.Equal(t, "https://api.example.net/t/9", out[0].URL)
	require.Equal(t, int64(1610612736), out[0].Size)
	require.Equal(t, int64(12), out[0].Seeders)
	require.Equal(t, []Tag{{Name: "Free", Color: "blue"}}, out[0].Tags)
	require.Empty(t, out[1].Tags)
}

func TestParseJSONNoResults(t *testing.T) {
	parser := NewParser(jsonRules(t))
	res := &transport.Response{StatusCode: 200, Body: []byte(`{"data": {"items": []}}`)}

	_, err := parser.Parse(context.Background(), res)
	require.ErrorIs(t, err, ErrNoResults)
}
