package crawler

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/net/idna"
	"golang.org/x/sync/errgroup"

	"github.com/codepr/webcrawler/crawler/fetcher"
	"github.com/codepr/webcrawler/internal/factory"
	"github.com/codepr/webcrawler/internal/processor"
	"github.com/codepr/webcrawler/internal/scheduler"
	"github.com/codepr/webcrawler/internal/session"
	"github.com/codepr/webcrawler/internal/trace"
	"github.com/codepr/webcrawler/messaging"
)

// Defaults for an Engine's pipeline.
const (
	DefaultSessionTimeout   = 1000 * time.Millisecond
	DefaultSchedulerTimeout = 500 * time.Millisecond
	DefaultMaxRedirects     = 10
	defaultUserAgent        = "Mozilla/5.0 (compatible; webcrawlerbot/1.0; +https://github.com/codepr/webcrawler)"
)

// EngineSettings configures an Engine and its default behaviors.
type EngineSettings struct {
	UserAgent        string
	FetchLimit       int64
	SessionTimeout   time.Duration
	SchedulerTimeout time.Duration
	// MaxRedirects bounds redirect recursion depth.
	MaxRedirects int
	Log          *log.Logger
	Processors   processor.Factory
	Behaviors    Behaviors
	Clock        clock.Clock
	// Queue receives one JSON-encoded pageRecord per completed fetch, via
	// the default StorePageContent behavior. Nil disables publishing.
	Queue messaging.Producer
	// Canonicalize overrides the default URL canonicalization. The real
	// URL normalizer is treated as an external collaborator; this is the
	// engine's minimal, swappable default.
	Canonicalize func(href string) (*url.URL, error)
}

// EngineOpt is the functional-option type for building an Engine.
type EngineOpt func(*EngineSettings)

// DefaultSettings returns an EngineSettings with every field at its
// documented default.
func DefaultSettings() EngineSettings {
	return EngineSettings{
		UserAgent:        defaultUserAgent,
		FetchLimit:       fetcher.DefaultFetchLimit,
		SessionTimeout:   DefaultSessionTimeout,
		SchedulerTimeout: DefaultSchedulerTimeout,
		MaxRedirects:     DefaultMaxRedirects,
		Canonicalize:     Canonicalize,
	}
}

// Engine drives each URL in a crawl through the resolve/prepare/schedule/
// fetch/complete pipeline, composing a HostSession
// factory, a RequestScheduler factory and the default fetchPageContent
// behavior.
type Engine struct {
	settings  EngineSettings
	behaviors Behaviors
	fetch     *fetcher.Fetcher
	logger    *log.Logger
	clk       clock.Clock

	sessions   *factory.Factory[string, *session.HostSession]
	schedulers *factory.Factory[string, *scheduler.RequestScheduler]

	mu       sync.Mutex
	inFlight map[string]*inflightEntry
}

type inflightEntry struct {
	done     chan struct{}
	sequence []*trace.Trace
}

// New builds an Engine from settings, filling any nil Behaviors field with
// its default implementation.
func New(settings EngineSettings) *Engine {
	if settings.UserAgent == "" {
		settings.UserAgent = defaultUserAgent
	}
	if settings.FetchLimit <= 0 {
		settings.FetchLimit = fetcher.DefaultFetchLimit
	}
	if settings.SessionTimeout <= 0 {
		settings.SessionTimeout = DefaultSessionTimeout
	}
	if settings.SchedulerTimeout <= 0 {
		settings.SchedulerTimeout = DefaultSchedulerTimeout
	}
	if settings.MaxRedirects <= 0 {
		settings.MaxRedirects = DefaultMaxRedirects
	}
	if settings.Canonicalize == nil {
		settings.Canonicalize = Canonicalize
	}
	if settings.Log == nil {
		settings.Log = log.New(os.Stderr, "crawler: ", log.LstdFlags)
	}
	if settings.Clock == nil {
		settings.Clock = clock.New()
	}

	b := settings.Behaviors
	if b.ResolveHost == nil {
		b.ResolveHost = defaultResolver
	}
	robots := newRobotsFetcher(settings.UserAgent, 5*time.Second)
	if b.CreateHostSession == nil {
		b.CreateHostSession = defaultCreateHostSession(robots, settings.Clock)
	}
	if b.DisposeHostSession == nil {
		b.DisposeHostSession = defaultDisposeHostSession
	}
	if b.CreateScheduler == nil {
		b.CreateScheduler = defaultCreateScheduler(settings.Clock)
	}
	if b.DisposeScheduler == nil {
		b.DisposeScheduler = defaultDisposeScheduler
	}
	if b.LoadCachedPage == nil {
		b.LoadCachedPage = defaultLoadCachedPage
	}
	if b.StoreCachedPage == nil {
		b.StoreCachedPage = defaultNoop
	}
	if b.LoadCookies == nil {
		b.LoadCookies = defaultLoadCookies
	}
	if b.StoreCookies == nil {
		b.StoreCookies = defaultStoreCookies
	}
	if b.StorePageContent == nil {
		b.StorePageContent = defaultStorePageContent(settings.Queue)
	}

	e := &Engine{
		settings:  settings,
		behaviors: b,
		logger:    settings.Log,
		clk:       settings.Clock,
		inFlight:  make(map[string]*inflightEntry),
	}

	e.sessions = factory.New[string, *session.HostSession](
		func(key string, args ...any) (*session.HostSession, error) {
			ctx, t := args[0].(context.Context), args[1].(*trace.Trace)
			return b.CreateHostSession(ctx, t)
		},
		func(key string, value *session.HostSession) error {
			return b.DisposeHostSession(context.Background(), key, value)
		},
		settings.Clock,
	)
	e.schedulers = factory.New[string, *scheduler.RequestScheduler](
		func(key string, args ...any) (*scheduler.RequestScheduler, error) {
			ctx, t := args[0].(context.Context), args[1].(*trace.Trace)
			return b.CreateScheduler(ctx, t)
		},
		func(key string, value *scheduler.RequestScheduler) error {
			return b.DisposeScheduler(context.Background(), key, value)
		},
		settings.Clock,
	)
	e.fetch = fetcher.New(settings.UserAgent, 0, settings.Processors, settings.Log)

	return e
}

// Canonicalize is the engine's default URL normalizer: it defaults a
// missing scheme to https, lower-cases scheme and host, and punycode
// encodes the hostname. A real normalizer is an out-of-core collaborator
// this is deliberately minimal.
func Canonicalize(href string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil, fmt.Errorf("canonicalize %q: %w", href, err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	ascii, err := idna.Lookup.ToASCII(host)
	if err == nil {
		host = ascii
	}
	if port := u.Port(); port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	return u, nil
}

// CrawlResult pairs an input href with the sequence of Traces produced for
// it: the primary trace first, followed by any redirect chain.
type CrawlResult struct {
	Input    string
	Sequence []*trace.Trace
}

// batch coalesces resolveHost calls by hostname for the lifetime of a
// single Crawl invocation.
type batch struct {
	engine *Engine
	mu     sync.Mutex
	dns    map[string]*dnsEntry
}

type dnsEntry struct {
	done chan struct{}
	ips  []string
	err  error
}

func (b *batch) resolveHost(ctx context.Context, t *trace.Trace) ([]string, error) {
	hostname := t.URL.Hostname()
	b.mu.Lock()
	e, ok := b.dns[hostname]
	if ok {
		b.mu.Unlock()
		<-e.done
		return e.ips, e.err
	}
	e = &dnsEntry{done: make(chan struct{})}
	b.dns[hostname] = e
	b.mu.Unlock()

	ips, err := b.engine.behaviors.ResolveHost(ctx, t)
	e.ips, e.err = ips, err
	close(e.done)
	return ips, err
}

// Crawl transforms a batch of URL strings into a sequence of Traces per
// input, honoring the resolve/prepare/schedule/fetch/complete pipeline.
// Iteration order of urls is
// preserved in the returned slice.
func (e *Engine) Crawl(ctx context.Context, urls []string) []CrawlResult {
	b := &batch{engine: e, dns: make(map[string]*dnsEntry)}

	results := make([]CrawlResult, len(urls))
	var wg sync.WaitGroup
	for i, href := range urls {
		wg.Add(1)
		go func(i int, href string) {
			defer wg.Done()
			results[i] = CrawlResult{Input: href, Sequence: e.crawlOne(ctx, b, href)}
		}(i, href)
	}
	wg.Wait()
	return results
}

func (e *Engine) crawlOne(ctx context.Context, b *batch, href string) []*trace.Trace {
	canonical, err := e.settings.Canonicalize(href)
	if err != nil {
		t := &trace.Trace{URL: &url.URL{}, Start: time.Now(), Timings: make(map[string]*trace.Timing)}
		t.AddGenericError(err)
		return []*trace.Trace{t}
	}
	return e.dedupRun(ctx, b, canonical, defaultHeaders(e.settings.UserAgent), false, nil, nil, 0)
}

// dedupRun returns the shared sequence for canonical's id, building it if
// this is the first reference within the Engine's in-flight map (a single
// global dedup scope per Engine instance).
func (e *Engine) dedupRun(ctx context.Context, b *batch, canonical *url.URL, headers map[string]string,
	inherited bool, inheritedIPList []string, inheritedSession any, redirectDepth int) []*trace.Trace {

	id := trace.ID(canonical)

	e.mu.Lock()
	if inf, ok := e.inFlight[id]; ok {
		e.mu.Unlock()
		<-inf.done
		return inf.sequence
	}
	inf := &inflightEntry{done: make(chan struct{})}
	e.inFlight[id] = inf
	e.mu.Unlock()

	t := trace.New(canonical, headers, e.settings.FetchLimit)
	t.ID = id
	t.RedirectDepth = redirectDepth
	if inherited {
		t.IPList = inheritedIPList
		t.Session = inheritedSession
	}

	seq := e.executePipeline(ctx, b, t, inherited)

	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
	inf.sequence = seq
	close(inf.done)
	return seq
}

func (e *Engine) executePipeline(ctx context.Context, b *batch, t *trace.Trace, inherited bool) []*trace.Trace {
	if err := e.prepare(ctx, b, t, inherited); err != nil {
		return []*trace.Trace{t}
	}
	if err := e.initStage(ctx, t); err != nil {
		return []*trace.Trace{t}
	}
	if err := e.scheduleStage(ctx, t); err != nil {
		return []*trace.Trace{t}
	}
	children := e.completeStage(ctx, b, t)
	return append([]*trace.Trace{t}, children...)
}

func (e *Engine) prepare(ctx context.Context, b *batch, t *trace.Trace, inherited bool) error {
	hostname := t.URL.Hostname()
	t.StartStage(trace.StageResolveHost)

	g, gctx := errgroup.WithContext(ctx)
	var cachedOk bool
	var sess *session.HostSession

	if !inherited {
		g.Go(func() error {
			ips, err := b.resolveHost(gctx, t)
			t.Mu.Lock()
			t.IPList = ips
			t.Mu.Unlock()
			return err
		})
		g.Go(func() error {
			t.StartStage(trace.StageCreateHostSession)
			s, err := e.sessions.Get(e.settings.SessionTimeout, hostname, gctx, t)
			sess = s
			t.EndStage(trace.StageCreateHostSession)
			return err
		})
	}
	g.Go(func() error {
		t.StartStage(trace.StageLoadCachedPage)
		_, ok, err := e.behaviors.LoadCachedPage(gctx, t)
		cachedOk = ok
		t.EndStage(trace.StageLoadCachedPage)
		return err
	})

	err := g.Wait()
	t.EndStage(trace.StageResolveHost)

	if inherited {
		sess, _ = t.Session.(*session.HostSession)
	} else if sess != nil {
		t.Session = sess
	}
	if err != nil {
		t.AddGenericError(err)
	}

	if sess != nil && len(t.IPList) > 0 {
		if ip, selErr := sess.SelectIP(t.IPList); selErr == nil {
			t.IP = ip
		}
	}
	if t.IP == "" && !cachedOk {
		t.AddWorkflowError(trace.ErrNoIPAvailable, "no IP available after host resolution")
	}

	if !inherited && sess != nil && sess.IsEmpty() {
		e.sessions.Destroy(hostname)
	}
	if t.Failed() {
		return fmt.Errorf("prepare: %s failed", t.URL)
	}
	return nil
}

func (e *Engine) initStage(ctx context.Context, t *trace.Trace) error {
	t.StartStage(trace.StageCreateScheduler)
	g, gctx := errgroup.WithContext(ctx)
	var sched *scheduler.RequestScheduler

	g.Go(func() error {
		if t.IP == "" {
			return nil
		}
		s, err := e.schedulers.Get(e.settings.SchedulerTimeout, t.IP, gctx, t)
		sched = s
		return err
	})
	g.Go(func() error {
		t.StartStage(trace.StageLoadCookies)
		err := e.behaviors.LoadCookies(gctx, t)
		t.EndStage(trace.StageLoadCookies)
		return err
	})

	err := g.Wait()
	t.EndStage(trace.StageCreateScheduler)
	if err != nil {
		t.AddGenericError(err)
	}
	if sched != nil {
		t.Scheduler = sched
	}
	if t.IP == "" || sched == nil {
		t.AddWorkflowError(trace.ErrMissingSchedulingInfo, "missing information for request scheduling")
	}
	if sched != nil && sched.IsEmpty() {
		e.schedulers.Destroy(t.IP)
	}
	if t.Failed() {
		return fmt.Errorf("init: %s failed", t.URL)
	}
	return nil
}

func (e *Engine) scheduleStage(ctx context.Context, t *trace.Trace) error {
	sess, _ := t.Session.(*session.HostSession)
	sched, _ := t.Scheduler.(*scheduler.RequestScheduler)
	if sess == nil || sched == nil {
		err := fmt.Errorf("schedule: %s missing session or scheduler", t.URL)
		t.AddGenericError(err)
		return err
	}

	t.StartStage(trace.StageScheduling)
	ch := sched.Schedule(sess, t.URL.Hostname(), t.URL.String())
	select {
	case <-ch:
	case <-ctx.Done():
		t.EndStage(trace.StageScheduling)
		t.AddGenericError(ctx.Err())
		return ctx.Err()
	}
	t.EndStage(trace.StageScheduling)

	t.StartStage(trace.StageFetchPageContent)
	result, err := e.fetch.FetchPageContent(ctx, t)
	now := e.clk.Now()
	sess.RequestEnd(now)
	sched.RequestEnd()
	t.EndStage(trace.StageFetchPageContent)

	if err != nil {
		t.AddGenericError(err)
		return err
	}
	t.Mu.Lock()
	t.Response = result
	t.Mu.Unlock()
	return nil
}

func (e *Engine) completeStage(ctx context.Context, b *batch, t *trace.Trace) []*trace.Trace {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t.StartStage(trace.StageStorePageContent)
		err := e.behaviors.StorePageContent(gctx, t)
		t.EndStage(trace.StageStorePageContent)
		return err
	})
	g.Go(func() error {
		t.StartStage(trace.StageStoreCookies)
		err := e.behaviors.StoreCookies(gctx, t)
		t.EndStage(trace.StageStoreCookies)
		return err
	})
	g.Go(func() error {
		t.StartStage(trace.StageStoreCachedPage)
		err := e.behaviors.StoreCachedPage(gctx, t)
		t.EndStage(trace.StageStoreCachedPage)
		return err
	})
	if err := g.Wait(); err != nil {
		t.AddGenericError(err)
	}

	if !t.IsRedirect() {
		return nil
	}
	return e.followRedirect(ctx, b, t)
}

func (e *Engine) followRedirect(ctx context.Context, b *batch, t *trace.Trace) []*trace.Trace {
	if t.RedirectDepth >= e.settings.MaxRedirects {
		t.AddWorkflowError(trace.ErrTooManyRedirects, "too many redirects")
		return nil
	}

	target, err := t.URL.Parse(t.RedirectLocation)
	if err != nil {
		return nil
	}
	canonical, err := e.settings.Canonicalize(target.String())
	if err != nil {
		return nil
	}

	sameHost := strings.EqualFold(canonical.Hostname(), t.URL.Hostname())
	headers := copyHeaders(t.Request)

	return e.dedupRun(ctx, b, canonical, headers, sameHost, t.IPList, t.Session, t.RedirectDepth+1)
}

func defaultHeaders(userAgent string) map[string]string {
	return map[string]string{
		"User-Agent":      userAgent,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.5",
		"Accept-Charset":  "utf-8",
	}
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
