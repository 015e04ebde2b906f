package processor

import (
	"bufio"
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/kljensen/snowball"
)

// StemFrequency stems every word in a text/* or text/html body with the
// Porter2 (English) algorithm and reports stem frequency, giving the
// processor extension point a second, non-DOM concrete
// implementation. This exercises github.com/kljensen/snowball, a
// dependency this module declares for stemming support.
type StemFrequency struct {
	Language string
}

var wordRe = regexp.MustCompile(`[A-Za-z']+`)

func (StemFrequency) Name() string { return "stems" }

func (p StemFrequency) Process(u *url.URL, contentType string, body []byte) (any, error) {
	if !strings.Contains(contentType, "text") {
		return nil, nil
	}
	lang := p.Language
	if lang == "" {
		lang = "english"
	}
	counts := make(map[string]int)
	scanner := bufio.NewScanner(bytes.NewReader(stripTags(body)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		for _, word := range wordRe.FindAllString(scanner.Text(), -1) {
			stem, err := snowball.Stem(strings.ToLower(word), lang, true)
			if err != nil || stem == "" {
				continue
			}
			counts[stem]++
		}
	}
	return counts, nil
}

var tagRe = regexp.MustCompile(`(?s)<[^>]*>`)

// stripTags is a best-effort HTML tag stripper, enough to keep markup
// tokens (e.g. "div", "class") out of the stem frequency table without
// pulling in a second DOM parser just for this processor.
func stripTags(body []byte) []byte {
	return tagRe.ReplaceAll(body, []byte(" "))
}
