package inflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_ConcurrentCallersShareOneCall(t *testing.T) {
	g := New[string]()
	var calls atomic.Int32
	release := make(chan struct{})

	const n = 20
	var (
		wg     sync.WaitGroup
		owners atomic.Int32
		errs   atomic.Int32
	)
	results := make([]string, n)
	started := make(chan struct{})
	fn := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "payload", nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		v, owner, err := g.Do(context.Background(), "k", fn)
		if err != nil {
			errs.Add(1)
		}
		if owner {
			owners.Add(1)
		}
		results[0] = v
	}()
	<-started

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, owner, err := g.Do(context.Background(), "k", fn)
			if err != nil {
				errs.Add(1)
			}
			if owner {
				owners.Add(1)
			}
			results[i] = v
		}(i)
	}
	// give waiters time to attach before the owner finishes
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fn calls=%d want 1", got)
	}
	if got := owners.Load(); got != 1 {
		t.Fatalf("owners=%d want 1", got)
	}
	if errs.Load() != 0 {
		t.Fatalf("unexpected errors: %d", errs.Load())
	}
	for i, r := range results {
		if r != "payload" {
			t.Fatalf("result[%d]=%q", i, r)
		}
	}
}

func TestDo_FailureSharedWithWaiters(t *testing.T) {
	g := New[int]()
	boom := errors.New("boom")
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, errs[0] = g.Do(context.Background(), "k", func(context.Context) (int, error) {
			close(started)
			<-release
			return 0, boom
		})
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, errs[1] = g.Do(context.Background(), "k", func(context.Context) (int, error) {
			t.Error("second fn must not run")
			return 0, nil
		})
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d err=%v want boom", i, err)
		}
	}
}

func TestDo_KeyRemovedAfterCompletion(t *testing.T) {
	g := New[int]()
	var calls atomic.Int32
	fn := func(context.Context) (int, error) { return int(calls.Add(1)), nil }

	v1, owner1, _ := g.Do(context.Background(), "k", fn)
	v2, owner2, _ := g.Do(context.Background(), "k", fn)
	if v1 != 1 || v2 != 2 || !owner1 || !owner2 {
		t.Fatalf("sequential calls must each run: v1=%d v2=%d owners=%v,%v", v1, v2, owner1, owner2)
	}
}

func TestDo_WaiterCancelDoesNotCancelOwner(t *testing.T) {
	g := New[string]()
	release := make(chan struct{})
	started := make(chan struct{})
	ownerDone := make(chan string, 1)

	go func() {
		v, _, _ := g.Do(context.Background(), "k", func(context.Context) (string, error) {
			close(started)
			<-release
			return "done", nil
		})
		ownerDone <- v
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "k", func(context.Context) (string, error) { return "", nil })
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("waiter err=%v want canceled", err)
	}
	close(release)
	if v := <-ownerDone; v != "done" {
		t.Fatalf("owner got %q", v)
	}
}

func TestDo_OwnerCancelKeepsFetchAlive(t *testing.T) {
	g := New[string]()
	release := make(chan struct{})
	started := make(chan struct{})
	sawCancel := make(chan bool, 1)

	ctx, cancel := context.WithCancel(context.Background())
	ownerErr := make(chan error, 1)
	go func() {
		_, _, err := g.Do(ctx, "k", func(fctx context.Context) (string, error) {
			close(started)
			<-release
			sawCancel <- fctx.Err() != nil
			return "shared", nil
		})
		ownerErr <- err
	}()
	<-started

	waiter := make(chan string, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", func(context.Context) (string, error) { return "", nil })
		waiter <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-ownerErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("owner err=%v want canceled", err)
	}
	close(release)
	if v := <-waiter; v != "shared" {
		t.Fatalf("waiter got %q want shared", v)
	}
	if <-sawCancel {
		t.Fatal("fetch context was canceled with the owner")
	}
}

func TestDo_PanicBecomesError(t *testing.T) {
	g := New[int]()
	_, _, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected error from panicking fn")
	}
}

func TestJoin_NothingRunsUntilOwnerRuns(t *testing.T) {
	g := New[string]()
	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	f, _, err := g.Join(context.Background(), "k", fn)
	if f == nil || err != nil {
		t.Fatalf("first join: flight=%v err=%v", f, err)
	}

	waiter := make(chan string, 1)
	go func() {
		wf, v, _ := g.Join(context.Background(), "k", fn)
		if wf != nil {
			t.Error("second caller must not own the flight")
		}
		waiter <- v
	}()
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("fn ran %d times before Run", got)
	}
	select {
	case v := <-waiter:
		t.Fatalf("waiter resolved early with %q", v)
	default:
	}

	v, err := f.Run(context.Background())
	if v != "v" || err != nil {
		t.Fatalf("run: v=%q err=%v", v, err)
	}
	if v := <-waiter; v != "v" {
		t.Fatalf("waiter got %q", v)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("fn calls=%d want 1", got)
	}
}

func TestJoin_CanceledJoinStillRunsForWaiters(t *testing.T) {
	g := New[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// with ctx already done the caller may or may not learn it owns the call
	f, _, _ := g.Join(ctx, "k", func(context.Context) (string, error) { return "late", nil })
	if f != nil {
		if _, err := f.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("run err=%v", err)
		}
	}

	done := make(chan string, 1)
	go func() {
		v, _, _ := g.Do(context.Background(), "k", func(context.Context) (string, error) { return "late", nil })
		done <- v
	}()
	select {
	case v := <-done:
		if v != "late" {
			t.Fatalf("got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("call never ran after its caller gave up")
	}
}
