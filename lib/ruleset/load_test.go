package ruleset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Loads the shipped schema and example definition end to end, the same way
// the CLI does.
func TestResolveShippedDefinition(t *testing.T) {
	rs, err := ResolveFiles(
		"../../schemas/nexusphp.json5",
		"../../definitions/example-tracker.json5",
	)
	require.NoError(t, err)

	require.Equal(t, "Example Tracker", rs.Name)
	require.Equal(t, "example-tracker.net", rs.Host)
	require.True(t, rs.SearchAllowed())
	require.True(t, rs.UserInfoAllowed())

	require.Equal(t, "/torrents.php", rs.Search.Request.Path)
	require.Equal(t, "search", rs.Search.KeywordParam)
	require.NotNil(t, rs.Search.Fields["title"])
	require.NotNil(t, rs.UserInfo.Selectors["seedingSize"])

	// definition tags prepend to schema tags
	require.Equal(t, "Excl.", rs.Search.Tags[0].Name)
	require.Equal(t, "Free", rs.Search.Tags[1].Name)

	require.Len(t, rs.Search.Categories, 1)
	require.Equal(t, "cat", rs.Search.Categories[0].CrossKey())

	require.NotNil(t, rs.AdvancedKeywords["imdb"])
	require.True(t, rs.AdvancedKeywords["imdb"].IsEnabled())
	require.False(t, rs.AdvancedKeywords["douban"].IsEnabled())

	_, offset := time.Now().In(rs.Location()).Zone()
	require.Equal(t, 8*3600, offset)
}
