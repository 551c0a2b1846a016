package crawl

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Outlink is a hyperlink discovered during extraction, resolved to an
// absolute URL.
type Outlink struct {
	URL    string
	Anchor string
}

// Extraction is the cleaned form of one HTML document.
type Extraction struct {
	Text     string
	Metadata map[string]string
	PageType string
	Outlinks []Outlink
}

// Extract parses HTML into cleaned text, metadata and outlinks, and
// classifies the page type. Never fails: unparseable input yields an
// empty extraction.
func Extract(rawHTML, baseURL string) *Extraction {
	ex := &Extraction{Metadata: make(map[string]string)}
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return ex
	}

	base, _ := url.Parse(baseURL)
	var text strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "iframe", "svg":
				return
			case "title":
				if n.FirstChild != nil && ex.Metadata["title"] == "" {
					ex.Metadata["title"] = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				collectMeta(n, ex.Metadata)
			case "a":
				if link, ok := resolveLink(n, base); ok {
					ex.Outlinks = append(ex.Outlinks, link)
				}
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				text.WriteByte('\n')
			}
		case html.TextNode:
			text.WriteString(n.Data)
			text.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	ex.Text = collapseWhitespace(text.String())
	ex.PageType = classifyPageType(baseURL, ex.Metadata["title"], ex.Text)
	return ex
}

func collectMeta(n *html.Node, meta map[string]string) {
	var name, property, content string
	for _, attr := range n.Attr {
		switch strings.ToLower(attr.Key) {
		case "name":
			name = strings.ToLower(attr.Val)
		case "property":
			property = strings.ToLower(attr.Val)
		case "content":
			content = strings.TrimSpace(attr.Val)
		}
	}
	if content == "" {
		return
	}
	switch {
	case name == "description":
		meta["description"] = content
	case name == "keywords":
		meta["keywords"] = content
	case strings.HasPrefix(property, "og:"):
		meta[property] = content
	}
}

func resolveLink(n *html.Node, base *url.URL) (Outlink, bool) {
	var href string
	for _, attr := range n.Attr {
		if attr.Key == "href" {
			href = strings.TrimSpace(attr.Val)
			break
		}
	}
	if href == "" || strings.HasPrefix(href, "#") {
		return Outlink{}, false
	}

	var anchor strings.Builder
	var collect func(c *html.Node)
	collect = func(c *html.Node) {
		if c.Type == html.TextNode {
			anchor.WriteString(c.Data)
			anchor.WriteByte(' ')
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			collect(cc)
		}
	}
	collect(n)

	ref, err := url.Parse(href)
	if err != nil {
		return Outlink{}, false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		// mailto:, tel:, javascript: survive as-is so the scorer can
		// blacklist them by scheme.
		return Outlink{URL: href, Anchor: collapseWhitespace(anchor.String())}, true
	}
	return Outlink{URL: ref.String(), Anchor: collapseWhitespace(anchor.String())}, true
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// pageTypeRules classify by keyword over URL, title and a body prefix.
// Open vocabulary; first match wins, order matters.
var pageTypeRules = []struct {
	label    string
	keywords []string
}{
	{"news", []string{"/news", "/press", "breaking", "announcement"}},
	{"profile", []string{"/about", "/team", "/people", "/leadership", "/bio", "about us", "our team"}},
	{"careers", []string{"/careers", "/jobs", "we're hiring", "open positions"}},
	{"investor", []string{"/investor", "annual report", "sec filing", "shareholder"}},
	{"contact", []string{"/contact", "contact us", "get in touch"}},
	{"product", []string{"/products", "/services", "/solutions", "pricing"}},
	{"listing", []string{"/directory", "/search?", "/category", "/tag/"}},
}

func classifyPageType(pageURL, title, body string) string {
	haystack := strings.ToLower(pageURL + " " + title + " " + truncateForClassify(body))
	for _, rule := range pageTypeRules {
		for _, kw := range rule.keywords {
			if strings.Contains(haystack, kw) {
				return rule.label
			}
		}
	}
	if u, err := url.Parse(pageURL); err == nil && (u.Path == "" || u.Path == "/") {
		return "homepage"
	}
	return "page"
}

func truncateForClassify(s string) string {
	const limit = 500
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
