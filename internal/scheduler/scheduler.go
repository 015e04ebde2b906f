// Package scheduler implements the per-IP request admission policy: a
// minimum inter-request delay, a connection cap, and fair multi-host queue
// selection when several hostnames share one IP.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/codepr/webcrawler/internal/session"
)

// Defaults for a RequestScheduler.
const (
	DefaultDelay           = 500 * time.Millisecond
	DefaultConnectionLimit = 4
)

// item is a single queued admission request: the URL waiting on it, the
// instant it was enqueued, and the channel its admission resolves on with
// the elapsed wait.
type item struct {
	url         string
	enqueueTime time.Time
	ch          chan time.Duration
}

// hostQueue pairs a hostname's session reference with its FIFO of pending
// items. Every key present in queues has a non-empty item
// list; emptied queues are deleted immediately.
type hostQueue struct {
	session *session.HostSession
	items   []*item
}

// RequestScheduler admits queued URLs for fetch once both the per-IP delay
// and the owning HostSession's crawl delay are satisfied, subject to a cap
// on simultaneously outstanding connections. One RequestScheduler exists
// per resolved IP.
type RequestScheduler struct {
	mu sync.Mutex

	clk clock.Clock

	Delay           time.Duration
	ConnectionLimit int

	sem *semaphore.Weighted

	totalRequestsCount    int
	activeRequestsCount   int
	awaitingRequestsCount int
	connectionsInUse      int
	lastRequestTime       time.Time

	queues map[string]*hostQueue
	// order records hostname insertion order, the tie-break policy for
	// equal TimeToWait() queues: first-queued wins.
	order []string

	timer        *clock.Timer
	blockedOnConn bool
}

// New builds a RequestScheduler with the given per-IP delay and connection
// cap. A zero delay admits requests without per-IP spacing; a negative
// delay or a non-positive connection limit selects the package default.
// A nil clock.Clock defaults to the real wall clock.
func New(delay time.Duration, connectionLimit int, clk clock.Clock) *RequestScheduler {
	if delay < 0 {
		delay = DefaultDelay
	}
	if connectionLimit <= 0 {
		connectionLimit = DefaultConnectionLimit
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RequestScheduler{
		clk:             clk,
		Delay:           delay,
		ConnectionLimit: connectionLimit,
		sem:             semaphore.NewWeighted(int64(connectionLimit)),
		queues:          make(map[string]*hostQueue),
	}
}

// Schedule enqueues url under its hostname's queue and returns a channel
// that resolves, once admitted, to the elapsed wait in milliseconds-grade
// precision. sess.RequestAdded is invoked synchronously as a side effect.
func (s *RequestScheduler) Schedule(sess *session.HostSession, hostname, urlStr string) <-chan time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := &item{url: urlStr, enqueueTime: s.clk.Now(), ch: make(chan time.Duration, 1)}

	q, ok := s.queues[hostname]
	if !ok {
		q = &hostQueue{session: sess}
		s.queues[hostname] = q
		s.order = append(s.order, hostname)
	}
	q.items = append(q.items, it)

	sess.RequestAdded()
	s.totalRequestsCount++
	s.awaitingRequestsCount++

	s.evaluateLocked()
	return it.ch
}

// RequestEnd notifies the scheduler that a previously admitted request has
// finished, freeing a connection slot and waking at most one admission
// attempt.
func (s *RequestScheduler) RequestEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRequestsCount > 0 {
		s.activeRequestsCount--
	}
	if s.connectionsInUse > 0 {
		s.connectionsInUse--
		s.sem.Release(1)
	}
	s.blockedOnConn = false
	s.evaluateLocked()
}

// IsEmpty reports whether the scheduler has neither active nor awaiting
// requests.
func (s *RequestScheduler) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRequestsCount == 0 && s.awaitingRequestsCount == 0
}

// AvailableConnectionsCount returns how many more connections could be
// admitted right now.
func (s *RequestScheduler) AvailableConnectionsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ConnectionLimit - s.connectionsInUse
}

// NextTime returns the instant the next request is permissible on this IP,
// the zero Time if none has been admitted yet.
func (s *RequestScheduler) NextTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRequestTime.IsZero() {
		return time.Time{}
	}
	return s.lastRequestTime.Add(s.Delay)
}

// evaluateLocked implements the admission algorithm. It must be called
// with s.mu held, and is invoked from Schedule, RequestEnd and the
// scheduler's own timer callback, the three re-evaluation points. The
// connection cap itself is enforced by s.sem: admission is only granted
// once TryAcquire succeeds, right before a request is actually handed off.
func (s *RequestScheduler) evaluateLocked() {
	now := s.clk.Now()
	if !s.lastRequestTime.IsZero() {
		nextAllowed := s.lastRequestTime.Add(s.Delay)
		if nextAllowed.After(now) {
			s.armTimerLocked(nextAllowed.Sub(now))
			return
		}
	}

	if s.awaitingRequestsCount == 0 {
		s.stopTimerLocked()
		return
	}

	selectedHost := ""
	var nextWakeUp time.Duration = -1
	for _, host := range s.order {
		q, ok := s.queues[host]
		if !ok || len(q.items) == 0 {
			continue
		}
		wait := q.session.TimeToWait()
		if wait <= 0 {
			if selectedHost == "" {
				selectedHost = host
			}
			continue
		}
		if nextWakeUp == -1 || wait < nextWakeUp {
			nextWakeUp = wait
		}
	}

	if selectedHost == "" {
		if nextWakeUp >= 0 {
			s.armTimerLocked(nextWakeUp)
		} else {
			s.stopTimerLocked()
		}
		return
	}

	if !s.sem.TryAcquire(1) {
		s.blockedOnConn = true
		s.stopTimerLocked()
		return
	}

	q := s.queues[selectedHost]
	admitted := q.items[0]
	q.items = q.items[1:]
	if len(q.items) == 0 {
		delete(s.queues, selectedHost)
		s.removeOrderLocked(selectedHost)
	}

	q.session.RequestBegin(now)
	s.activeRequestsCount++
	s.connectionsInUse++
	s.awaitingRequestsCount--
	s.lastRequestTime = now

	admitted.ch <- now.Sub(admitted.enqueueTime)
	close(admitted.ch)

	if s.connectionsInUse >= s.ConnectionLimit {
		s.blockedOnConn = true
		s.stopTimerLocked()
		return
	}
	if nextWakeUp >= 0 {
		d := s.Delay
		if nextWakeUp > d {
			d = nextWakeUp
		}
		s.armTimerLocked(d)
		return
	}
	s.armTimerLocked(s.Delay)
}

func (s *RequestScheduler) removeOrderLocked(host string) {
	for i, h := range s.order {
		if h == host {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// armTimerLocked preserves the single-live-timer invariant: any previous
// timer is stopped before a new one is created, satisfying the re-arming
// rule (the newest evaluation always wins).
func (s *RequestScheduler) armTimerLocked(d time.Duration) {
	s.blockedOnConn = false
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clk.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.evaluateLocked()
	})
}

func (s *RequestScheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
