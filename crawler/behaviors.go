package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/temoto/robotstxt"

	"github.com/codepr/webcrawler/internal/processor"
	"github.com/codepr/webcrawler/internal/scheduler"
	"github.com/codepr/webcrawler/internal/session"
	"github.com/codepr/webcrawler/internal/trace"
	"github.com/codepr/webcrawler/messaging"
)

// Behaviors is the named registry of overridable async operations the
// engine invokes at each pipeline stage.
// Every field may be overridden independently; fields left nil fall back to
// this package's default implementation when New constructs the Engine.
type Behaviors struct {
	ResolveHost        func(ctx context.Context, t *trace.Trace) ([]string, error)
	CreateHostSession  func(ctx context.Context, t *trace.Trace) (*session.HostSession, error)
	DisposeHostSession func(ctx context.Context, hostname string, s *session.HostSession) error
	CreateScheduler    func(ctx context.Context, t *trace.Trace) (*scheduler.RequestScheduler, error)
	DisposeScheduler   func(ctx context.Context, ip string, s *scheduler.RequestScheduler) error
	LoadCachedPage     func(ctx context.Context, t *trace.Trace) (any, bool, error)
	StoreCachedPage    func(ctx context.Context, t *trace.Trace) error
	LoadCookies        func(ctx context.Context, t *trace.Trace) error
	StoreCookies       func(ctx context.Context, t *trace.Trace) error
	StorePageContent   func(ctx context.Context, t *trace.Trace) error
}

// defaultResolver is the default resolveHost behavior: a plain system
// A-record lookup of t.URL.Hostname().
func defaultResolver(ctx context.Context, t *trace.Trace) ([]string, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", t.URL.Hostname())
	if err != nil {
		return nil, fmt.Errorf("resolveHost %s: %w", t.URL.Hostname(), err)
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	return addrs, nil
}

// robotsFetcher fetches and parses a host's robots.txt. It uses a plain
// client rather than the per-IP dialing Fetcher: createHostSession runs
// concurrently with resolveHost in the prepare stage and so
// cannot depend on an already-resolved IP.
type robotsFetcher struct {
	client    *http.Client
	userAgent string
}

func newRobotsFetcher(userAgent string, timeout time.Duration) *robotsFetcher {
	return &robotsFetcher{client: &http.Client{Timeout: timeout}, userAgent: userAgent}
}

func (r *robotsFetcher) fetchGroup(ctx context.Context, hostname, scheme string) *robotstxt.Group {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s://%s/robots.txt", scheme, hostname), nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}
	return data.FindGroup(r.userAgent)
}

// defaultCreateHostSession builds a fresh HostSession with the default
// crawl delay and populates its robots allowance.
func defaultCreateHostSession(robots *robotsFetcher, clk clock.Clock) func(context.Context, *trace.Trace) (*session.HostSession, error) {
	return func(ctx context.Context, t *trace.Trace) (*session.HostSession, error) {
		s := session.New(session.DefaultCrawlDelay, clk)
		if robots != nil {
			group := robots.fetchGroup(ctx, t.URL.Hostname(), schemeOrDefault(t.URL.Scheme))
			s.SetRobotsGroup(group)
		}
		return s, nil
	}
}

func schemeOrDefault(scheme string) string {
	if scheme == "" {
		return "https"
	}
	return scheme
}

// defaultCreateScheduler builds a fresh RequestScheduler with the default
// delay and connection limit.
func defaultCreateScheduler(clk clock.Clock) func(context.Context, *trace.Trace) (*scheduler.RequestScheduler, error) {
	return func(ctx context.Context, t *trace.Trace) (*scheduler.RequestScheduler, error) {
		return scheduler.New(scheduler.DefaultDelay, scheduler.DefaultConnectionLimit, clk), nil
	}
}

// defaultLoadCachedPage is a cache miss, always.
func defaultLoadCachedPage(ctx context.Context, t *trace.Trace) (any, bool, error) {
	return nil, false, nil
}

// defaultLoadCookies attaches whatever cookies the trace's session already
// holds for t.URL onto the outgoing request headers.
func defaultLoadCookies(ctx context.Context, t *trace.Trace) error {
	sess, ok := t.Session.(*session.HostSession)
	if !ok || sess == nil {
		return nil
	}
	cookies := sess.Cookies(t.URL)
	if len(cookies) == 0 {
		return nil
	}
	header := (&http.Request{Header: http.Header{}})
	for _, c := range cookies {
		header.AddCookie(c)
	}
	t.Mu.Lock()
	if t.Request == nil {
		t.Request = make(map[string]string)
	}
	t.Request["Cookie"] = header.Header.Get("Cookie")
	t.Mu.Unlock()
	return nil
}

// defaultStoreCookies parses any Set-Cookie response headers and persists
// them onto the trace's session jar.
func defaultStoreCookies(ctx context.Context, t *trace.Trace) error {
	sess, ok := t.Session.(*session.HostSession)
	if !ok || sess == nil || t.Response == nil {
		return nil
	}
	setCookie := t.Response.Headers["Set-Cookie"]
	if len(setCookie) == 0 {
		return nil
	}
	header := http.Header{"Set-Cookie": setCookie}
	resp := &http.Response{Header: header}
	cookies := resp.Cookies()
	if len(cookies) > 0 {
		sess.SetCookies(t.URL, cookies)
	}
	return nil
}

func defaultNoop(ctx context.Context, t *trace.Trace) error { return nil }

// pageRecord is the JSON shape handed to the configured queue, one entry
// per completed fetch.
type pageRecord struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
	Title  string `json:"title,omitempty"`
}

// defaultStorePageContent marshals a finished fetch's result and hands it
// to queue, the decoupling point between the crawl pipeline and whatever
// downstream component stores, indexes or forwards crawled pages. A nil
// queue makes this a no-op, matching defaultNoop's behavior for callers
// that never configure one.
func defaultStorePageContent(queue messaging.Producer) func(context.Context, *trace.Trace) error {
	return func(ctx context.Context, t *trace.Trace) error {
		if queue == nil || t.Response == nil {
			return nil
		}
		rec := pageRecord{URL: t.URL.String(), Status: t.Response.Status}
		if title, ok := t.Response.Processed["title"].(processor.TitleResult); ok {
			rec.Title = title.Title
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("storePageContent %s: %w", t.URL, err)
		}
		return queue.Produce(payload)
	}
}

func defaultDisposeHostSession(ctx context.Context, hostname string, s *session.HostSession) error {
	return nil
}

func defaultDisposeScheduler(ctx context.Context, ip string, s *scheduler.RequestScheduler) error {
	return nil
}
