package timer

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestTickFoldsCountersIntoTotals(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	stats := reg.Track(1)
	stats.AddIncoming(100)
	stats.AddIncoming(50)

	mockClock := clock.NewMock()
	tr := New(reg, Config{Interval: time.Second, Clock: mockClock}, nil)

	tr.tick()

	if stats.TotalBytesIn != 150 {
		t.Errorf("TotalBytesIn = %d, want 150", stats.TotalBytesIn)
	}
	if stats.TotalNumMessagesIn != 2 {
		t.Errorf("TotalNumMessagesIn = %d, want 2", stats.TotalNumMessagesIn)
	}
	if stats.BytesIn != 0 || stats.NumMessagesIn != 0 {
		t.Error("per-tick counters should reset to zero after a tick")
	}
	if stats.PeakBytesPerTick != 150 {
		t.Errorf("PeakBytesPerTick = %d, want 150", stats.PeakBytesPerTick)
	}
}

func TestTickFlagsExceededClients(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	stats := reg.Track(7)
	stats.AddIncoming(1000)

	var exceededID uint64
	var exceededStats *ClientStats
	tr := New(reg, Config{BytesPerTickCap: 500}, func(id uint64, s *ClientStats) {
		exceededID = id
		exceededStats = s
	})

	tr.tick()

	if !stats.Exceeded {
		t.Error("stats.Exceeded should be true after crossing the cap")
	}
	if exceededID != 7 || exceededStats != stats {
		t.Error("onExceed should have been called with the exceeded client's id and stats")
	}
}

func TestTickDoesNotFlagUnderCap(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	stats := reg.Track(1)
	stats.AddIncoming(10)

	called := false
	tr := New(reg, Config{BytesPerTickCap: 500}, func(uint64, *ClientStats) { called = true })

	tr.tick()

	if stats.Exceeded || called {
		t.Error("a client under the cap should never be flagged")
	}
}

type fakeSweeper struct{ swept bool }

func (f *fakeSweeper) Sweep(time.Time) { f.swept = true }

func TestTickInvokesSweepers(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	sw := &fakeSweeper{}
	tr := New(reg, Config{}, nil, sw)

	tr.tick()

	if !sw.swept {
		t.Error("tick should invoke every registered Sweeper")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	mockClock := clock.NewMock()
	tr := New(reg, Config{Interval: time.Second, Clock: mockClock}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	// Advance a couple ticks, then cancel and expect Run to return.
	mockClock.Add(time.Second)
	mockClock.Add(time.Second)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
