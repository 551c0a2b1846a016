package crawl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHTML = `<!DOCTYPE html>
<html><head>
<title>Acme Widgets - About Us</title>
<meta name="description" content="Acme Widgets makes industrial widgets.">
<meta property="og:title" content="About Acme">
<script>var tracking = "should not appear";</script>
<style>.hidden { display: none }</style>
</head><body>
<h1>About Acme Widgets</h1>
<p>Founded in 1947, Acme Widgets employs 1200 people.</p>
<a href="/team">Our Team</a>
<a href="https://partner.example.com/page">Partner site</a>
<a href="mailto:info@acme.test">Email us</a>
<a href="#section">Jump</a>
</body></html>`

func TestExtract(t *testing.T) {
	ex := Extract(sampleHTML, "https://acme.test/about")

	assert.Contains(t, ex.Text, "Founded in 1947")
	assert.NotContains(t, ex.Text, "should not appear")
	assert.NotContains(t, ex.Text, "display: none")

	assert.Equal(t, "Acme Widgets - About Us", ex.Metadata["title"])
	assert.Equal(t, "Acme Widgets makes industrial widgets.", ex.Metadata["description"])
	assert.Equal(t, "About Acme", ex.Metadata["og:title"])

	assert.Equal(t, "profile", ex.PageType)

	require.Len(t, ex.Outlinks, 3, "fragment-only links are dropped")
	assert.Equal(t, "https://acme.test/team", ex.Outlinks[0].URL, "relative links resolve against the page")
	assert.Equal(t, "Our Team", ex.Outlinks[0].Anchor)
	assert.Equal(t, "https://partner.example.com/page", ex.Outlinks[1].URL)
	assert.Equal(t, "mailto:info@acme.test", ex.Outlinks[2].URL, "mail links survive for the scorer to blacklist")
}

func TestExtractGarbageInput(t *testing.T) {
	ex := Extract("<<<<not html at all", "https://x.test/")
	assert.NotNil(t, ex.Metadata)

	empty := Extract("", "https://x.test/")
	assert.Empty(t, empty.Text)
	assert.Empty(t, empty.Outlinks)
}

func TestClassifyPageType(t *testing.T) {
	cases := []struct {
		url, title, want string
	}{
		{"https://x.test/", "Welcome", "homepage"},
		{"https://x.test/news/2026/expansion", "", "news"},
		{"https://x.test/careers", "", "careers"},
		{"https://x.test/investor-relations", "", "investor"},
		{"https://x.test/contact", "", "contact"},
		{"https://x.test/somewhere", "Random page", "page"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, classifyPageType(c.url, c.title, ""), c.url)
	}
}

func TestSplitSentences(t *testing.T) {
	text := "Acme Widgets was founded in 1947. It employs twelve hundred people today. Short. " +
		"The company is headquartered in Springfield and exports worldwide."
	sentences := SplitSentences(text, 40)
	require.Len(t, sentences, 3, "fragments under 20 chars are dropped")
	assert.Equal(t, "Acme Widgets was founded in 1947.", sentences[0])

	capped := SplitSentences(text, 2)
	assert.Len(t, capped, 2)
}
