// Package crawler composes the session, scheduler and factory packages
// into the per-URL pipeline: resolve, prepare,
// schedule, fetch, complete.
package crawler

import (
	"time"

	"github.com/codepr/webcrawler/env"
)

// Environment variable names read by NewFromEnv.
const (
	envUserAgent       = "USER_AGENT"
	envFetchLimit      = "FETCH_LIMIT"
	envSessionTimeout  = "SESSION_TIMEOUT_MS"
	envSchedulerTimeout = "SCHEDULER_TIMEOUT_MS"
	envMaxRedirects    = "MAX_REDIRECTS"
)

// NewFromEnv builds an Engine reading its settings from the environment,
// falling back to DefaultSettings for anything unset.
func NewFromEnv(opts ...EngineOpt) *Engine {
	settings := DefaultSettings()
	settings.UserAgent = env.GetEnv(envUserAgent, settings.UserAgent)
	settings.FetchLimit = int64(env.GetEnvAsInt(envFetchLimit, int(settings.FetchLimit)))
	settings.SessionTimeout = time.Duration(env.GetEnvAsInt(envSessionTimeout, int(settings.SessionTimeout.Milliseconds()))) * time.Millisecond
	settings.SchedulerTimeout = time.Duration(env.GetEnvAsInt(envSchedulerTimeout, int(settings.SchedulerTimeout.Milliseconds()))) * time.Millisecond
	settings.MaxRedirects = env.GetEnvAsInt(envMaxRedirects, settings.MaxRedirects)

	for _, opt := range opts {
		opt(&settings)
	}
	return New(settings)
}
