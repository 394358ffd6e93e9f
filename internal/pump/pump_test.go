package pump

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddAndPostDeliversCompletion(t *testing.T) {
	t.Parallel()

	p := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var gotBytes int
	var gotErr error

	w := p.Add("tag", func(tag any, bytesTransferred int, err error) {
		if tag != "tag" {
			t.Errorf("tag = %v, want %q", tag, "tag")
		}
		gotBytes = bytesTransferred
		gotErr = err
		close(done)
	})

	go func() {
		if err := p.StartEventloop(ctx); err != nil {
			t.Errorf("StartEventloop() error = %v", err)
		}
	}()

	p.Post(w, 42, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("completion was never delivered")
	}

	if gotBytes != 42 || gotErr != nil {
		t.Errorf("got bytes=%d err=%v, want bytes=42 err=nil", gotBytes, gotErr)
	}
}

func TestHandlersAreSerialized(t *testing.T) {
	t.Parallel()

	p := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.StartEventloop(ctx)

	const n = 200
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)

	w := p.Add(nil, func(tag any, bytesTransferred int, err error) {
		defer wg.Done()
		cur := concurrent.Add(1)
		defer concurrent.Add(-1)
		for {
			m := maxConcurrent.Load()
			if cur <= m || maxConcurrent.CompareAndSwap(m, cur) {
				break
			}
		}
	})

	for i := 0; i < n; i++ {
		go p.Post(w, i, nil)
	}

	wg.Wait()

	if got := maxConcurrent.Load(); got != 1 {
		t.Errorf("max concurrent handler executions = %d, want 1", got)
	}
}

func TestPostRemoveStopsFutureDispatch(t *testing.T) {
	t.Parallel()

	p := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.StartEventloop(ctx)

	var calls atomic.Int32
	w := p.Add(nil, func(tag any, bytesTransferred int, err error) {
		calls.Add(1)
	})

	p.Post(w, 1, nil)
	time.Sleep(50 * time.Millisecond)

	p.PostRemove(w)
	time.Sleep(50 * time.Millisecond)

	p.Post(w, 2, nil)
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls after PostRemove = %d, want 1", got)
	}
}

func TestPostRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	p := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.StartEventloop(ctx)

	w := p.Add(nil, func(tag any, bytesTransferred int, err error) {})

	p.PostRemove(w)
	p.PostRemove(w)
	p.PostRemove(w)
}

func TestPostEventloopExitDrainsQueuedCompletions(t *testing.T) {
	t.Parallel()

	p := New(nil)
	ctx := context.Background()

	var delivered atomic.Int32
	w := p.Add(nil, func(tag any, bytesTransferred int, err error) {
		delivered.Add(1)
	})

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- p.StartEventloop(ctx)
	}()

	// Give the loop a moment to start, then queue work and immediately ask
	// to exit — the queued completion must still be delivered.
	time.Sleep(20 * time.Millisecond)
	p.Post(w, 1, nil)
	p.PostEventloopExit()

	select {
	case err := <-loopDone:
		if err != nil {
			t.Errorf("StartEventloop() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartEventloop did not return after PostEventloopExit")
	}

	if got := delivered.Load(); got != 1 {
		t.Errorf("completions delivered before exit = %d, want 1", got)
	}
}
