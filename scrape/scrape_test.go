package scrape

import (
	"strings"
	"testing"

	"github.com/showrun/showrun"
)

const articleHTML = `<!DOCTYPE html>
<html>
<head><title>Release Notes</title></head>
<body>
<article>
<h1>Release Notes</h1>
<p>The storage layer now batches writes, which cuts replication lag by
roughly half on the busiest shards. Operators should see steadier
latency percentiles during compaction windows.</p>
<p>A second paragraph keeps the extractor from treating the page as
boilerplate. It describes the rollout schedule and the flag used to
revert to the previous write path if anything looks off.</p>
</article>
</body>
</html>`

func TestScrapeHTMLMode(t *testing.T) {
	got, err := Scrape(articleHTML, "https://x.test/notes", showrun.ScrapeHTML)
	if err != nil {
		t.Fatal(err)
	}
	if got != articleHTML {
		t.Error("html mode must return the markup untouched")
	}
}

func TestScrapeTextMode(t *testing.T) {
	html := `<div>Hello <b>world</b><script>var x = "ignored";</script><style>.a{color:red}</style> again</div>`
	got, err := Scrape(html, "", showrun.ScrapeText)
	if err != nil {
		t.Fatal(err)
	}
	text := got.(string)
	if text != "Hello world again" {
		t.Errorf("text = %q", text)
	}
}

func TestScrapeTextModeMalformed(t *testing.T) {
	// Unclosed script block: everything after it is dropped, no panic.
	got, err := Scrape(`<p>kept</p><script>trailing`, "", showrun.ScrapeText)
	if err != nil {
		t.Fatal(err)
	}
	if got.(string) != "kept" {
		t.Errorf("text = %q", got)
	}
}

func TestScrapeReadableMode(t *testing.T) {
	got, err := Scrape(articleHTML, "https://x.test/notes", showrun.ScrapeReadable)
	if err != nil {
		t.Fatal(err)
	}
	article, ok := got.(Article)
	if !ok {
		t.Fatalf("got %T", got)
	}
	if article.Title != "Release Notes" {
		t.Errorf("title = %q", article.Title)
	}
	if !strings.Contains(article.Content, "replication lag") {
		t.Errorf("content = %q", article.Content)
	}
	if strings.Contains(article.Content, "<p>") {
		t.Error("readable content must be plain text")
	}
	if article.Length != len(article.Content) {
		t.Errorf("length = %d, content len = %d", article.Length, len(article.Content))
	}
}

func TestScrapeDefaultsToReadable(t *testing.T) {
	got, err := Scrape(articleHTML, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.(Article); !ok {
		t.Fatalf("empty mode should behave as readable, got %T", got)
	}
}

func TestScrapeUnknownMode(t *testing.T) {
	_, err := Scrape("<p>x</p>", "", "markdown")
	if err == nil || err.Error() != `unknown scrape mode "markdown"` {
		t.Errorf("got %v", err)
	}
}
