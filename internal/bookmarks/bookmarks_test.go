package bookmarks

import (
	"strings"
	"testing"

	"github.com/bryan-buckman/followsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTier(t *testing.T) {
	assert.Equal(t, "Real-time", Tier(0).Label)
	assert.Equal(t, "Daily", Tier(1).Label)
	assert.Equal(t, "Daily", Tier(2).Label)
	assert.Equal(t, "Weekly", Tier(7).Label)
	assert.Equal(t, "Yearly", Tier(1000).Label)
	assert.Equal(t, "Real-time", Tier(-3).Label)
}

func TestExportGroupsByTagThenTier(t *testing.T) {
	follows := []*model.Follow{
		{URL: "https://zeta.example", Title: "Zeta", Tags: []string{"news"}, Importance: 1},
		{URL: "https://alpha.example", Title: "Alpha", Tags: []string{"news"}, Importance: 1},
		{URL: "https://home.example", ActualTitle: "Homepage"},
		{URL: "https://art.example", Title: "Art <daily>", Tags: []string{"art", "news"}, Importance: 30},
	}

	data, err := Export(follows)
	require.NoError(t, err)
	html := string(data)

	home := strings.Index(html, "<h3>home</h3>")
	art := strings.Index(html, "<h3>art</h3>")
	news := strings.Index(html, "<h3>news</h3>")
	require.True(t, home >= 0 && art >= 0 && news >= 0)
	assert.Less(t, home, art, "home comes first")
	assert.Less(t, art, news, "other tags sorted")

	newsSection := html[news:]
	assert.Less(t, strings.Index(newsSection, "<h4>Daily</h4>"), strings.Index(newsSection, "<h4>Monthly</h4>"))
	assert.Less(t, strings.Index(newsSection, "Alpha"), strings.Index(newsSection, "Zeta"))

	assert.Contains(t, html, `<a href="https://home.example">Homepage</a>`)
	assert.Contains(t, html, "Art &lt;daily&gt;", "titles are escaped")
}
