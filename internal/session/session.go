// Package session implements per-hostname crawl state: crawl delay, request
// counters, IP rotation policy, cookie storage and robots.txt allowance.
package session

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/temoto/robotstxt"
	"golang.org/x/net/publicsuffix"
)

// DefaultCrawlDelay is the minimum interval, in milliseconds, enforced
// between two consecutive requests to a host absent a robots.txt directive.
const DefaultCrawlDelay = 1000 * time.Millisecond

// ArgumentError signals a programmer error: a contract violation rather
// than a crawl outcome, matching this module's "programmer errors fail fast"
// propagation policy.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return e.Msg }

// HostSession tracks everything specific to a single hostname across the
// concurrent requests that reference it. The factory that builds a
// HostSession owns it; traces only ever hold a non-owning reference.
type HostSession struct {
	mu sync.Mutex

	clock clock.Clock

	creationTime time.Time

	// CrawlDelay is the minimum interval enforced between two consecutive
	// requests to this host.
	CrawlDelay time.Duration

	totalRequestsCount    int
	activeRequestsCount   int
	awaitingRequestsCount int
	lastRequestTime       time.Time // zero value means "never"

	jar   http.CookieJar
	rules *robotstxt.Group
}

// New builds a HostSession with the given crawl delay. A nil clock.Clock
// defaults to the real wall clock.
func New(crawlDelay time.Duration, clk clock.Clock) *HostSession {
	if crawlDelay <= 0 {
		crawlDelay = DefaultCrawlDelay
	}
	if clk == nil {
		clk = clock.New()
	}
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &HostSession{
		clock:        clk,
		creationTime: clk.Now(),
		CrawlDelay:   crawlDelay,
		jar:          jar,
	}
}

// SetRobotsGroup installs the robots.txt group this session should consult
// for allowance and, when present, a robots-derived crawl delay override.
func (s *HostSession) SetRobotsGroup(group *robotstxt.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = group
	if group != nil && group.CrawlDelay > 0 {
		s.CrawlDelay = group.CrawlDelay
	}
}

// Age returns the elapsed time since the session was created.
func (s *HostSession) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now().Sub(s.creationTime)
}

// TimeToWait returns how long the caller must wait before the next request
// to this host is permissible, 0 if none is pending.
func (s *HostSession) TimeToWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeToWaitLocked()
}

func (s *HostSession) timeToWaitLocked() time.Duration {
	if s.lastRequestTime.IsZero() {
		return 0
	}
	wait := s.lastRequestTime.Add(s.CrawlDelay).Sub(s.clock.Now())
	if wait < 0 {
		return 0
	}
	return wait
}

// IsAllowed reports whether url is crawlable for agent per the robots.txt
// group installed on this session. With no group installed, everything is
// allowed -- absence of a robots.txt means full access by default.
func (s *HostSession) IsAllowed(agent string, u *url.URL) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rules == nil {
		return true
	}
	return s.rules.Test(u.RequestURI())
}

// SelectIP picks one address from a resolved IP list. With a single
// candidate it is returned unconditionally. With several, the lexically
// smallest is preferred on most requests; every 10th issued request
// instead returns a uniformly random address drawn from the rest of the
// list, letting a caller detect per-IP bans. ips must be non-empty.
func (s *HostSession) SelectIP(ips []string) (string, error) {
	if len(ips) == 0 {
		return "", &ArgumentError{Msg: "SelectIP: ips must be non-empty"}
	}
	if len(ips) == 1 {
		return ips[0], nil
	}

	s.mu.Lock()
	issued := s.totalRequestsCount - s.awaitingRequestsCount + 1
	s.mu.Unlock()

	sorted := make([]string, len(ips))
	copy(sorted, ips)
	sort.Strings(sorted)

	if issued%10 == 0 {
		// Clamped: never index sorted[0] here, and never
		// overrun the slice.
		rest := sorted[1:]
		return rest[rand.Intn(len(rest))], nil
	}
	return sorted[0], nil
}

// RequestAdded records that a URL has been enqueued awaiting admission.
func (s *HostSession) RequestAdded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequestsCount++
	s.awaitingRequestsCount++
}

// RequestBegin records that an awaiting request has been admitted and is
// now active, at the given instant (the session clock's Now() if at is zero).
func (s *HostSession) RequestBegin(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.IsZero() {
		at = s.clock.Now()
	}
	s.lastRequestTime = at
	if s.awaitingRequestsCount > 0 {
		s.awaitingRequestsCount--
	}
	s.activeRequestsCount++
}

// RequestEnd records that an active request has finished.
func (s *HostSession) RequestEnd(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRequestsCount > 0 {
		s.activeRequestsCount--
	}
}

// IsEmpty reports whether this session has neither active nor awaiting
// requests -- the precondition the factory checks before scheduling
// eviction.
func (s *HostSession) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRequestsCount == 0 && s.awaitingRequestsCount == 0
}

// Cookies returns the cookies stored for u.
func (s *HostSession) Cookies(u *url.URL) []*http.Cookie {
	return s.jar.Cookies(u)
}

// SetCookies stores cookies received from a response to u. The underlying
// cookiejar.Jar supports concurrent reads and serializes writes internally,
// satisfying the shared-cookie-jar requirement without an extra lock here.
func (s *HostSession) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.jar.SetCookies(u, cookies)
}

// Counts is a snapshot of a session's request counters, useful for tests
// and diagnostics.
type Counts struct {
	Total, Active, Awaiting int
}

// Snapshot returns the current counters.
func (s *HostSession) Snapshot() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{s.totalRequestsCount, s.activeRequestsCount, s.awaitingRequestsCount}
}

func (s *HostSession) String() string {
	c := s.Snapshot()
	return fmt.Sprintf("HostSession{delay=%s total=%d active=%d awaiting=%d}",
		s.CrawlDelay, c.Total, c.Active, c.Awaiting)
}
