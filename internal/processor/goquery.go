package processor

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// TitleExtractor reads a document's <title> and any <meta http-equiv=
// "refresh"> redirect target, a goquery-backed DOM walk repurposed from
// link-following to metadata extraction since this engine crawls an
// explicit input batch rather than discovering links by recursive BFS.
type TitleExtractor struct{}

// TitleResult is TitleExtractor's Processed entry.
type TitleResult struct {
	Title           string
	MetaRefreshURL  string
	MetaRefreshWait int
}

func (TitleExtractor) Name() string { return "title" }

func (TitleExtractor) Process(u *url.URL, contentType string, body []byte) (any, error) {
	if !strings.Contains(contentType, "html") {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	result := TitleResult{Title: strings.TrimSpace(doc.Find("title").First().Text())}
	doc.Find("meta").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		equiv, _ := sel.Attr("http-equiv")
		if !strings.EqualFold(equiv, "refresh") {
			return true
		}
		content, _ := sel.Attr("content")
		wait, target := parseMetaRefresh(content)
		result.MetaRefreshWait = wait
		if target != "" {
			if resolved, err := u.Parse(target); err == nil {
				result.MetaRefreshURL = resolved.String()
			}
		}
		return false
	})
	return result, nil
}

// parseMetaRefresh splits a "<seconds>;url=<target>" meta-refresh content
// attribute into its wait and target components.
func parseMetaRefresh(content string) (int, string) {
	parts := strings.SplitN(content, ";", 2)
	wait := 0
	for _, r := range parts[0] {
		if r < '0' || r > '9' {
			wait = 0
			break
		}
		wait = wait*10 + int(r-'0')
	}
	if len(parts) < 2 {
		return wait, ""
	}
	target := strings.TrimSpace(parts[1])
	if idx := strings.IndexByte(target, '='); idx >= 0 {
		target = strings.TrimSpace(target[idx+1:])
	}
	target = strings.Trim(target, `"'`)
	return wait, target
}
