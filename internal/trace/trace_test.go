package trace

import (
	"errors"
	"net/url"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestIDIsStableForSameHref(t *testing.T) {
	a := mustParse(t, "https://example.com/foo")
	b := mustParse(t, "https://example.com/foo")
	if ID(a) != ID(b) {
		t.Errorf("ID not stable: %s != %s", ID(a), ID(b))
	}
}

func TestIDDiffersForDifferentHref(t *testing.T) {
	a := mustParse(t, "https://example.com/foo")
	b := mustParse(t, "https://example.com/bar")
	if ID(a) == ID(b) {
		t.Errorf("ID collided for distinct hrefs: %s", ID(a))
	}
}

func TestNewPopulatesID(t *testing.T) {
	u := mustParse(t, "https://example.com/foo")
	tr := New(u, map[string]string{"User-Agent": "test"}, 1024)
	if tr.ID != ID(u) {
		t.Errorf("New did not set ID: got %s want %s", tr.ID, ID(u))
	}
	if tr.FetchLimit != 1024 {
		t.Errorf("New did not set FetchLimit: got %d", tr.FetchLimit)
	}
}

func TestStartEndStage(t *testing.T) {
	tr := New(mustParse(t, "https://example.com"), nil, 0)
	tr.StartStage(StageResolveHost)
	tr.EndStage(StageResolveHost)
	timing, ok := tr.Timings[StageResolveHost]
	if !ok {
		t.Fatal("expected a timing entry for resolveHost")
	}
	if timing.Start.After(timing.End) {
		t.Errorf("stage end before start: %v > %v", timing.Start, timing.End)
	}
}

func TestEndStageWithoutStartPanics(t *testing.T) {
	tr := New(mustParse(t, "https://example.com"), nil, 0)
	defer func() {
		if recover() == nil {
			t.Error("expected EndStage to panic without a matching StartStage")
		}
	}()
	tr.EndStage(StageFetchPageContent)
}

func TestAddWorkflowErrorMarksFailed(t *testing.T) {
	tr := New(mustParse(t, "https://example.com"), nil, 0)
	if tr.Failed() {
		t.Fatal("fresh trace should not be failed")
	}
	tr.AddWorkflowError(-7, "no IP available")
	if !tr.Failed() {
		t.Error("expected trace to be failed after AddWorkflowError")
	}
	if len(tr.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(tr.Errors))
	}
	var werr *WorkflowError
	if !errors.As(tr.Errors[0], &werr) {
		t.Fatalf("expected a *WorkflowError, got %T", tr.Errors[0])
	}
	if werr.Code != -7 {
		t.Errorf("expected code -7, got %d", werr.Code)
	}
}

func TestAddGenericErrorIgnoresNil(t *testing.T) {
	tr := New(mustParse(t, "https://example.com"), nil, 0)
	tr.AddGenericError(nil)
	if tr.Failed() {
		t.Error("AddGenericError(nil) should not mark the trace failed")
	}
}

func TestIsRedirect(t *testing.T) {
	tr := New(mustParse(t, "https://example.com"), nil, 0)
	if tr.IsRedirect() {
		t.Error("fresh trace should not be a redirect")
	}
	tr.RedirectLocation = "https://example.com/other"
	if !tr.IsRedirect() {
		t.Error("expected IsRedirect after setting RedirectLocation")
	}
}
