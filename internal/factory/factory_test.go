package factory

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func countingBuild(counter *int32) BuildFunc[string, string] {
	return func(key string, args ...any) (string, error) {
		n := atomic.AddInt32(counter, 1)
		return fmt.Sprintf("%s-instance-%d", key, n), nil
	}
}

func noopDestroy(key string, value string) error { return nil }

func TestGetBuildsOnMiss(t *testing.T) {
	var builds int32
	f := New[string, string](countingBuild(&builds), noopDestroy, clock.NewMock())

	v, err := f.Get(time.Second, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "k-instance-1" {
		t.Errorf("expected k-instance-1, got %s", v)
	}
	if !f.Has("k") {
		t.Error("expected Has to report the key present after a successful build")
	}
}

func TestGetServesCachedValueOnHit(t *testing.T) {
	var builds int32
	f := New[string, string](countingBuild(&builds), noopDestroy, clock.NewMock())

	v1, _ := f.Get(time.Second, "k")
	v2, _ := f.Get(time.Second, "k")
	if v1 != v2 {
		t.Errorf("expected the same cached instance, got %s and %s", v1, v2)
	}
	if builds != 1 {
		t.Errorf("expected exactly one build, got %d", builds)
	}
}

func TestGetCoalescesConcurrentBuilds(t *testing.T) {
	var builds int32
	f := New[string, string](countingBuild(&builds), noopDestroy, clock.NewMock())

	var wg sync.WaitGroup
	values := make([]string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _ := f.Get(time.Second, "k")
			values[i] = v
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(values); i++ {
		if values[i] != values[0] {
			t.Errorf("expected every concurrent Get to observe the same instance, got %s and %s", values[0], values[i])
		}
	}
	if builds != 1 {
		t.Errorf("expected exactly one build despite concurrent callers, got %d", builds)
	}
}

func TestBuildErrorPropagatesAndClearsEntry(t *testing.T) {
	buildErr := fmt.Errorf("build failed")
	build := func(key string, args ...any) (string, error) { return "", buildErr }
	f := New[string, string](build, noopDestroy, clock.NewMock())

	_, err := f.Get(time.Second, "k")
	if err != buildErr {
		t.Fatalf("expected the build error to propagate, got %v", err)
	}
	if f.Has("k") {
		t.Error("a failed build should not leave an entry behind")
	}
}

func TestDestroyOnAbsentKeyPanics(t *testing.T) {
	f := New[string, string](countingBuild(new(int32)), noopDestroy, clock.NewMock())
	defer func() {
		if recover() == nil {
			t.Error("expected Destroy on an absent key to panic")
		}
	}()
	f.Destroy("missing")
}

func TestDestroyEvictsAfterGracePeriod(t *testing.T) {
	mock := clock.NewMock()
	var builds, destroys int32
	destroy := func(key string, value string) error {
		atomic.AddInt32(&destroys, 1)
		return nil
	}
	f := New[string, string](countingBuild(&builds), destroy, mock)

	f.Get(100*time.Millisecond, "k")
	done := f.Destroy("k")

	mock.Add(100 * time.Millisecond)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected destroy error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("destroy did not complete after its grace period elapsed")
	}
	if f.Has("k") {
		t.Error("expected the entry to be gone once destroy completed")
	}
	if destroys != 1 {
		t.Errorf("expected exactly one destroy call, got %d", destroys)
	}
}

func TestGetResurrectsBeforeGracePeriodElapses(t *testing.T) {
	mock := clock.NewMock()
	var builds, destroys int32
	f := New[string, string](countingBuild(&builds), func(key string, value string) error {
		atomic.AddInt32(&destroys, 1)
		return nil
	}, mock)

	v1, _ := f.Get(time.Second, "k")
	done := f.Destroy("k")

	// Resurrect well before the grace period elapses.
	v2, err := f.Get(time.Second, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v2 != v1 {
		t.Errorf("expected resurrection to return the same instance, got %s want %s", v2, v1)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected the cancelled destroy to resolve with a nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the pending Destroy call to resolve once resurrected")
	}
	if destroys != 0 {
		t.Errorf("expected destroy to never actually run after resurrection, got %d calls", destroys)
	}

	mock.Add(time.Second)
	if !f.Has("k") {
		t.Error("expected the resurrected entry to still be present once the original grace window would have elapsed")
	}
}

// TestFactoryResurrectionDuringDestroy exercises the resurrection race: get a
// value, destroy it, and while the destroy action is still running, a
// second Get must block until destroy finishes and then build a fresh
// instance distinct from the first.
func TestFactoryResurrectionDuringDestroy(t *testing.T) {
	mock := clock.NewMock()
	var builds int32
	destroyStarted := make(chan struct{})
	releaseDestroy := make(chan struct{})
	destroy := func(key string, value string) error {
		close(destroyStarted)
		<-releaseDestroy
		return nil
	}
	f := New[string, string](countingBuild(&builds), destroy, mock)

	v1, err := f.Get(100*time.Millisecond, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done := f.Destroy("k")

	go mock.Add(100 * time.Millisecond)
	<-destroyStarted

	getDone := make(chan string)
	go func() {
		v, _ := f.Get(time.Second, "k")
		getDone <- v
	}()

	select {
	case <-getDone:
		t.Fatal("expected Get to block while a destroy is actively in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseDestroy)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected destroy error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("destroy never completed")
	}

	select {
	case v2 := <-getDone:
		if v2 == v1 {
			t.Errorf("expected the post-destroy Get to yield a fresh instance, got the same %s", v2)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get never resolved after the destroy completed")
	}
	if builds != 2 {
		t.Errorf("expected exactly two builds (original + resurrection after destroy), got %d", builds)
	}
}
