// Package fetcher implements the default fetchPageContent behavior: an
// HTTP/1.1 GET against a trace's selected IP with gzip/deflate decoding,
// a bounded content capture, and an optional processor pipeline
// populating FetchResult.Processed.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"time"

	"github.com/PuerkitoBio/rehttp"
	"github.com/dustin/go-humanize"

	"github.com/codepr/webcrawler/internal/processor"
	"github.com/codepr/webcrawler/internal/trace"
)

// DefaultFetchLimit is the default cap, in bytes, on captured response
// content, a 5 MiB ceiling on captured response bytes.
const DefaultFetchLimit int64 = 5 * 1024 * 1024

type ipDialKey struct{}

// withIP attaches the IP a request should actually dial, independent of
// the request URL's hostname -- the mechanism letting fetchPageContent
// honor HostSession.SelectIP's choice while the Host header and TLS SNI
// still reflect the canonical hostname.
func withIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, ipDialKey{}, ip)
}

func dialAddr(ctx context.Context, addr string) string {
	ip, ok := ctx.Value(ipDialKey{}).(string)
	if !ok || ip == "" {
		return addr
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(ip, port)
}

// Fetcher is a stdlib http.Client-backed implementation of the
// fetchPageContent behavior. It retries temporary errors with an
// exponential-jitter backoff via github.com/PuerkitoBio/rehttp, the same
// transport construction as a plain retrying HTTP client,
// generalized to dial a caller-selected IP and produce a trace.FetchResult
// instead of a bare *http.Response.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	logger     *log.Logger
	processors processor.Factory
}

// New builds a Fetcher with the given timeout and processor factory. A nil
// processors factory means no processors run; a nil logger discards output.
func New(userAgent string, timeout time.Duration, processors processor.Factory, logger *log.Logger) *Fetcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	dialer := &net.Dialer{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, dialAddr(ctx, addr))
		},
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			rawConn, err := dialer.DialContext(ctx, network, dialAddr(ctx, addr))
			if err != nil {
				return nil, err
			}
			tlsConn := tls.Client(rawConn, &tls.Config{ServerName: host})
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				rawConn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
	}
	retryingTransport := rehttp.NewTransport(
		transport,
		rehttp.RetryAll(rehttp.RetryMaxRetries(3), rehttp.RetryTemporaryErr()),
		rehttp.ExpJitterDelay(1, 10*time.Second),
	)
	return &Fetcher{
		client: &http.Client{
			Timeout:   timeout,
			Transport: retryingTransport,
			// Redirects are handled by the engine's own pipeline recursion
			// (each hop gets its own session/scheduler admission), not by
			// the HTTP client following them silently.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent:  userAgent,
		logger:     logger,
		processors: processors,
	}
}

// FetchPageContent is the default fetchPageContent behavior: it issues a
// GET to t.URL dialing t.IP, decodes the response per Content-Encoding,
// captures up to t.FetchLimit bytes of content, runs any configured
// processors, and returns the interoperable FetchResult shape described
// above. t.RedirectLocation is set either from a 3xx Location header or,
// failing that, from a title processor's detected meta-refresh target, so
// both redirect mechanisms feed the same engine-side recursion.
func (f *Fetcher) FetchPageContent(ctx context.Context, t *trace.Trace) (*trace.FetchResult, error) {
	limit := t.FetchLimit
	if limit <= 0 {
		limit = DefaultFetchLimit
	}

	req, err := http.NewRequestWithContext(withIP(ctx, t.IP), http.MethodGet, t.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetchPageContent %s: %w", t.URL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	for k, v := range t.Request {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	var timings trace.FetchTimings
	var connectStart, sendStart, waitStart time.Time
	ct := &httptrace.ClientTrace{
		ConnectStart: func(string, string) { connectStart = time.Now() },
		ConnectDone: func(string, string, error) {
			if !connectStart.IsZero() {
				timings.Connect = time.Since(connectStart)
			}
			sendStart = time.Now()
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			if !sendStart.IsZero() {
				timings.Send = time.Since(sendStart)
			}
			waitStart = time.Now()
		},
		GotFirstResponseByte: func() {
			if !waitStart.IsZero() {
				timings.Wait = time.Since(waitStart)
			}
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), ct))

	receiveStart := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetchPageContent %s: %w", t.URL, err)
	}
	defer resp.Body.Close()

	countingBody := &countingReader{r: resp.Body}
	decoded, err := decodeBody(countingBody, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("fetchPageContent %s: decode: %w", t.URL, err)
	}

	content, logicalSize, err := captureContent(decoded, limit)
	if err != nil {
		return nil, fmt.Errorf("fetchPageContent %s: read: %w", t.URL, err)
	}
	timings.Receive = time.Since(receiveStart)

	result := &trace.FetchResult{
		Version:      resp.Proto,
		Status:       resp.StatusCode,
		StatusText:   resp.Status,
		Headers:      map[string][]string(resp.Header),
		ReceivedSize: countingBody.n,
		LogicalSize:  logicalSize,
		Content:      content,
		Processed:    make(map[string]any),
		Timings:      timings,
	}

	if isRedirectStatus(resp.StatusCode) && resp.Header.Get("Location") != "" {
		t.RedirectLocation = resp.Header.Get("Location")
	}

	f.runProcessors(t.URL, resp.Header.Get("Content-Type"), content, result)

	if t.RedirectLocation == "" {
		if title, ok := result.Processed["title"].(processor.TitleResult); ok && title.MetaRefreshURL != "" {
			t.RedirectLocation = title.MetaRefreshURL
		}
	}

	f.logger.Printf("fetched %s: %s received, %s logical, status %d",
		t.URL, humanize.Bytes(uint64(result.ReceivedSize)), humanize.Bytes(uint64(result.LogicalSize)), result.Status)

	return result, nil
}

func isRedirectStatus(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

func (f *Fetcher) runProcessors(u *url.URL, contentType string, content [][]byte, result *trace.FetchResult) {
	if f.processors == nil {
		return
	}
	body := joinChunks(content)
	for _, p := range f.processors() {
		out, err := p.Process(u, contentType, body)
		if err != nil {
			f.logger.Printf("processor %s failed for %s: %v", p.Name(), u, err)
			continue
		}
		if out != nil {
			result.Processed[p.Name()] = out
		}
	}
}

func joinChunks(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// countingReader tallies bytes read off the wire, before any
// content-encoding decode, giving FetchResult.ReceivedSize.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func decodeBody(r io.Reader, encoding string) (io.Reader, error) {
	switch encoding {
	case "gzip":
		return gzip.NewReader(r)
	case "deflate":
		return flate.NewReader(r), nil
	default:
		return r, nil
	}
}

const chunkSize = 32 * 1024

// captureContent reads r into fixed-size chunks up to limit bytes,
// reporting the total decoded (logical) size actually captured.
func captureContent(r io.Reader, limit int64) ([][]byte, int64, error) {
	var chunks [][]byte
	var total int64
	limited := io.LimitReader(r, limit)
	for {
		buf := make([]byte, chunkSize)
		n, err := limited.Read(buf)
		if n > 0 {
			chunks = append(chunks, buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return chunks, total, err
		}
	}
	return chunks, total, nil
}
