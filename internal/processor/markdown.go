package processor

import (
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// Markdown converts a captured HTML body into Markdown, a second
// HTML-consuming processor distinct from TitleExtractor's DOM walk.
type Markdown struct{}

func (Markdown) Name() string { return "markdown" }

func (Markdown) Process(u *url.URL, contentType string, body []byte) (any, error) {
	if !strings.Contains(contentType, "html") {
		return nil, nil
	}
	return htmltomarkdown.ConvertString(string(body))
}
