package filters

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompileUnknownFilter(t *testing.T) {
	_, err := Compile([]Step{{Name: "definitelyNotAFilter"}})
	require.ErrorIs(t, err, ErrUnknownFilter)
}

func TestCompileInlineFunc(t *testing.T) {
	p, err := Compile([]Step{{
		Fn: func(v any) (any, error) { return "inline", nil },
	}})
	require.NoError(t, err)
	out, err := p.Run("anything")
	require.NoError(t, err)
	require.Equal(t, "inline", out)
}

func TestParseSize(t *testing.T) {
	require.Equal(t, int64(1536), ParseSize("1.5 KiB"))
	require.Equal(t, int64(4400)*1<<20, ParseSize("4,400 MB"))
	require.Equal(t, int64(float64(1.5)*float64(1<<30)), ParseSize("1.5GB"))
	require.Equal(t, int64(0), ParseSize("no size here"))
}

func TestParseTimeLayouts(t *testing.T) {
	loc := time.FixedZone("UTC+0800", 8*3600)
	ms, ok := ParseTime("2023-04-01 12:00:00", nil, loc)
	require.True(t, ok)
	want := time.Date(2023, 4, 1, 12, 0, 0, 0, loc).UnixMilli()
	require.Equal(t, want, ms)
}

func TestParseTimeEpoch(t *testing.T) {
	ms, ok := ParseTime("1680350400", nil, time.UTC)
	require.True(t, ok)
	require.Equal(t, int64(1680350400000), ms)

	ms, ok = ParseTime("1680350400000", nil, time.UTC)
	require.True(t, ok)
	require.Equal(t, int64(1680350400000), ms)
}

func TestParseTTL(t *testing.T) {
	now := time.Date(2023, 4, 10, 0, 0, 0, 0, time.UTC)

	ms, ok := ParseTTL("3 days ago", now)
	require.True(t, ok)
	require.Equal(t, now.AddDate(0, 0, -3).UnixMilli(), ms)

	ms, ok = ParseTTL("yesterday", now)
	require.True(t, ok)
	require.Equal(t, now.AddDate(0, 0, -1).UnixMilli(), ms)

	_, ok = ParseTTL("2023-04-01", now)
	require.False(t, ok)
}

func TestParseNumber(t *testing.T) {
	require.Equal(t, int64(1234), ParseNumber("1,234"))
	require.Equal(t, 3.14, ParseNumber("3.14"))
	require.Equal(t, int64(42), ParseNumber("42 seeders"))
	require.True(t, math.IsInf(ParseNumber("∞").(float64), 1))
	require.Equal(t, int64(0), ParseNumber("--"))
}

func TestQuerystringFilter(t *testing.T) {
	p, err := Compile([]Step{{Name: "querystring", Args: []any{"id"}}})
	require.NoError(t, err)

	out, err := p.Run("details.php?id=12345&hit=1")
	require.NoError(t, err)
	require.Equal(t, "12345", out)

	out, err = p.Run("details.php?hit=1")
	require.NoError(t, err)
	require.Equal(t, "", out)
}

func TestRegexFilterGroups(t *testing.T) {
	// no group: whole match
	p, err := Compile([]Step{{Name: "regex", Args: []any{`\d+`}}})
	require.NoError(t, err)
	out, err := p.Run("uploaded 123 torrents")
	require.NoError(t, err)
	require.Equal(t, "123", out)

	// one group: that group
	p, err = Compile([]Step{{Name: "regex", Args: []any{`id=(\d+)`}}})
	require.NoError(t, err)
	out, err = p.Run("details.php?id=777")
	require.NoError(t, err)
	require.Equal(t, "777", out)
}

func TestRegexThenIndex(t *testing.T) {
	p, err := Compile([]Step{
		{Name: "regex", Args: []any{`(\d+)\s*/\s*(\d+)`}},
		{Name: "index", Args: []any{1}},
	})
	require.NoError(t, err)
	out, err := p.Run("12 / 34")
	require.NoError(t, err)
	require.Equal(t, "34", out)
}

func TestSplitFilter(t *testing.T) {
	p, err := Compile([]Step{{Name: "split", Args: []any{"|", float64(-1)}}})
	require.NoError(t, err)
	out, err := p.Run("a | b | c")
	require.NoError(t, err)
	require.Equal(t, "c", out)
}

func TestStringFilters(t *testing.T) {
	p, err := Compile([]Step{
		{Name: "trim"},
		{Name: "replace", Args: []any{"GB", " GiB"}},
		{Name: "toUpper"},
	})
	require.NoError(t, err)
	out, err := p.Run("  1.5GB  ")
	require.NoError(t, err)
	require.Equal(t, "1.5 GIB", out)
}

func TestCoerceNumeric(t *testing.T) {
	require.Equal(t, int64(42), CoerceNumeric("42"))
	require.Equal(t, int64(-7), CoerceNumeric("-7"))
	require.Equal(t, "4.2", CoerceNumeric("4.2"))
	require.Equal(t, "1,234", CoerceNumeric("1,234"))
	require.Equal(t, 3.5, CoerceNumeric(3.5))
}
