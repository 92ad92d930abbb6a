package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetOrLoadSharesOneLoad(t *testing.T) {
	c := New[string]()
	release := make(chan struct{})
	var runs atomic.Int32
	load := func(ctx context.Context) (string, error) {
		runs.Add(1)
		<-release
		return "ns", nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrLoad(context.Background(), "maps", load)
		}(i)
	}
	// Let every caller attach before the load finishes.
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Fatalf("load ran %d times, want 1", got)
	}
	for i := range results {
		if errs[i] != nil || results[i] != "ns" {
			t.Fatalf("caller %d got %q, %v", i, results[i], errs[i])
		}
	}
}

func TestOutcomesAreSticky(t *testing.T) {
	c := New[int]()
	boom := errors.New("boom")
	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return 0, boom
	}
	for i := 0; i < 3; i++ {
		if _, err := c.GetOrLoad(context.Background(), "k", load); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("failed load retried %d times without Forget", calls)
	}
	if _, ok, err := c.Lookup("k"); !ok || !errors.Is(err, boom) {
		t.Fatalf("Lookup = %v, %v", err, ok)
	}

	c.Forget("k")
	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("after Forget got %d, %v", v, err)
	}
	if c.Loads("k") != 2 {
		t.Fatalf("Loads = %d, want 2", c.Loads("k"))
	}
}

func TestCallerCancellationDoesNotAbortLoad(t *testing.T) {
	c := New[string]()
	release := make(chan struct{})
	var loadCtxErr atomic.Value
	load := func(ctx context.Context) (string, error) {
		<-release
		if ctx.Err() != nil {
			loadCtxErr.Store(ctx.Err())
		}
		return "done", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetOrLoad(ctx, "k", load)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled caller got %v", err)
	}
	close(release)

	v, err := c.GetOrLoad(context.Background(), "k", load)
	if err != nil || v != "done" {
		t.Fatalf("second caller got %q, %v", v, err)
	}
	if loadCtxErr.Load() != nil {
		t.Fatalf("load context was canceled with the caller")
	}
	if c.Loads("k") != 1 {
		t.Fatalf("Loads = %d, want 1", c.Loads("k"))
	}
}

func TestForgetDuringFlightDiscardsResult(t *testing.T) {
	c := New[int]()
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started
	c.Forget("k")
	close(release)
	time.Sleep(10 * time.Millisecond)
	if _, ok, _ := c.Lookup("k"); ok {
		t.Fatalf("result of a forgotten load must not be stored")
	}
}
