// Package processor implements the byte-stream processors a caller may
// attach to a crawl. Each Processor consumes the captured response body
// and contributes one named entry to a Trace's FetchResult.Processed map.
package processor

import "net/url"

// Processor is the extension point fetchPageContent's default behavior
// consults after capturing a response body.
type Processor interface {
	// Name identifies this processor's entry in FetchResult.Processed.
	Name() string
	// Process receives the final URL fetched, the response content-type
	// and the captured (already decoded) body, and returns a free-form
	// result or an error. A processor error never fails the fetch -- it's
	// simply omitted from Processed.
	Process(u *url.URL, contentType string, body []byte) (any, error)
}

// Factory builds the list of processors to run for a single trace. It is
// the type of an Engine's processors configuration field.
type Factory func() []Processor
