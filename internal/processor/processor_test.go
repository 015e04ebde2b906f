package processor

import (
	"net/url"
	"testing"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestTitleExtractorReadsTitle(t *testing.T) {
	body := []byte(`<html><head><title>  Example Page  </title></head><body></body></html>`)
	out, err := TitleExtractor{}.Process(mustParseURL(t, "https://example.com/"), "text/html; charset=utf-8", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, ok := out.(TitleResult)
	if !ok {
		t.Fatalf("expected a TitleResult, got %T", out)
	}
	if result.Title != "Example Page" {
		t.Errorf("expected trimmed title %q, got %q", "Example Page", result.Title)
	}
}

func TestTitleExtractorSkipsNonHTML(t *testing.T) {
	out, err := TitleExtractor{}.Process(mustParseURL(t, "https://example.com/"), "application/json", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Errorf("expected nil output for a non-HTML content type, got %v", out)
	}
}

func TestTitleExtractorMetaRefresh(t *testing.T) {
	body := []byte(`<html><head>
		<meta http-equiv="refresh" content="5; url=/next-page">
	</head></html>`)
	out, err := TitleExtractor{}.Process(mustParseURL(t, "https://example.com/current"), "text/html", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result := out.(TitleResult)
	if result.MetaRefreshWait != 5 {
		t.Errorf("expected a 5 second wait, got %d", result.MetaRefreshWait)
	}
	if result.MetaRefreshURL != "https://example.com/next-page" {
		t.Errorf("expected the meta-refresh target resolved against the page URL, got %s", result.MetaRefreshURL)
	}
}

func TestParseMetaRefresh(t *testing.T) {
	cases := []struct {
		content      string
		wantWait     int
		wantTarget   string
	}{
		{`5;url=/next`, 5, "/next"},
		{`0; URL='https://example.com/a'`, 0, "https://example.com/a"},
		{`10`, 10, ""},
	}
	for _, c := range cases {
		wait, target := parseMetaRefresh(c.content)
		if wait != c.wantWait || target != c.wantTarget {
			t.Errorf("parseMetaRefresh(%q) = (%d, %q), want (%d, %q)", c.content, wait, target, c.wantWait, c.wantTarget)
		}
	}
}

func TestStemFrequencyCountsStems(t *testing.T) {
	body := []byte(`<p>Running runners run quickly.</p>`)
	out, err := StemFrequency{}.Process(mustParseURL(t, "https://example.com/"), "text/html", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	counts, ok := out.(map[string]int)
	if !ok {
		t.Fatalf("expected a map[string]int, got %T", out)
	}
	if counts["run"] < 2 {
		t.Errorf("expected the 'run' stem to account for running and run, got counts %v", counts)
	}
}

func TestStemFrequencySkipsNonText(t *testing.T) {
	out, err := StemFrequency{}.Process(mustParseURL(t, "https://example.com/"), "image/png", []byte{0x89, 'P', 'N', 'G'})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Errorf("expected nil output for a non-text content type, got %v", out)
	}
}

func TestMarkdownConvertsHTML(t *testing.T) {
	body := []byte(`<h1>Title</h1><p>Hello <strong>world</strong></p>`)
	out, err := Markdown{}.Process(mustParseURL(t, "https://example.com/"), "text/html", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	md, ok := out.(string)
	if !ok {
		t.Fatalf("expected a string, got %T", out)
	}
	if md == "" {
		t.Error("expected non-empty markdown output")
	}
}

func TestMarkdownSkipsNonHTML(t *testing.T) {
	out, err := Markdown{}.Process(mustParseURL(t, "https://example.com/"), "application/json", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Errorf("expected nil output for a non-HTML content type, got %v", out)
	}
}
