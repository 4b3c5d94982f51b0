// Package scrape turns a rendered page's HTML into a collectible value.
// Three modes: "readable" boils the page down to its main article via
// readability extraction, "html" returns the raw markup, "text" strips
// tags.
package scrape

import (
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"

	"github.com/showrun/showrun"
)

// Article is the readable-mode output.
type Article struct {
	Title    string `json:"title,omitempty"`
	Byline   string `json:"byline,omitempty"`
	SiteName string `json:"siteName,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
	Content  string `json:"content"`
	Length   int    `json:"length"`
}

// Scrape applies mode to the page HTML. pageURL resolves relative links in
// readable mode; it may be empty.
func Scrape(html, pageURL, mode string) (any, error) {
	switch mode {
	case showrun.ScrapeHTML:
		return html, nil
	case showrun.ScrapeText:
		return stripTags(html), nil
	case showrun.ScrapeReadable, "":
		return readable(html, pageURL)
	default:
		return nil, fmt.Errorf("unknown scrape mode %q", mode)
	}
}

func readable(html, pageURL string) (any, error) {
	var u *url.URL
	if pageURL != "" {
		parsed, err := url.Parse(pageURL)
		if err == nil {
			u = parsed
		}
	}
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil {
		return nil, fmt.Errorf("readability extraction: %w", err)
	}
	return Article{
		Title:    article.Title,
		Byline:   article.Byline,
		SiteName: article.SiteName,
		Excerpt:  article.Excerpt,
		Content:  article.TextContent,
		Length:   len(article.TextContent),
	}, nil
}

// stripTags removes markup, script, and style blocks, collapsing runs of
// whitespace. It is deliberately tolerant of malformed HTML.
func stripTags(html string) string {
	var b strings.Builder
	inTag := false
	skipUntil := "" // closing tag of a script/style block
	i := 0
	lower := strings.ToLower(html)
	for i < len(html) {
		if skipUntil != "" {
			end := strings.Index(lower[i:], skipUntil)
			if end < 0 {
				break
			}
			i += end + len(skipUntil)
			skipUntil = ""
			continue
		}
		c := html[i]
		switch {
		case c == '<':
			if strings.HasPrefix(lower[i:], "<script") {
				skipUntil = "</script>"
			} else if strings.HasPrefix(lower[i:], "<style") {
				skipUntil = "</style>"
			}
			inTag = true
		case c == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteByte(c)
		}
		i++
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
