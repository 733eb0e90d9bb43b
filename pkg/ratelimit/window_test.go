package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFixedWindow_NeverExceedsMaxPerWindow(t *testing.T) {
	tests := []struct {
		name      string
		maxEvents int
		window    time.Duration
		calls     int
	}{
		{name: "three per second", maxEvents: 3, window: time.Second, calls: 10},
		{name: "single event windows", maxEvents: 1, window: 250 * time.Millisecond, calls: 7},
		{name: "large window", maxEvents: 50, window: time.Minute, calls: 120},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(epoch)
			l := NewFixedWindow(WindowConfig{MaxEvents: tt.maxEvents, Window: tt.window}, clk, zerolog.Nop())
			defer l.Close()

			var admitted []time.Time
			var starts []time.Time
			for i := 0; i < tt.calls; i++ {
				if err := l.Take(context.Background()); err != nil {
					t.Fatalf("Take() error = %v", err)
				}
				admitted = append(admitted, clk.Now())
				starts = append(starts, l.State().WindowStart)
			}

			for i, start := range starts {
				end := start.Add(tt.window)
				n := 0
				for _, at := range admitted {
					if !at.Before(start) && at.Before(end) {
						n++
					}
				}
				if n > tt.maxEvents {
					t.Errorf("window starting at admission %d holds %d admissions, max %d", i, n, tt.maxEvents)
				}
			}
		})
	}
}

func TestFixedWindow_WaitsForNextWindow(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := NewFixedWindow(WindowConfig{MaxEvents: 2, Window: time.Second}, clk, zerolog.Nop())
	defer l.Close()

	want := []time.Duration{0, 0, time.Second, time.Second, 2 * time.Second}
	for i, offset := range want {
		if err := l.Take(context.Background()); err != nil {
			t.Fatalf("Take() error = %v", err)
		}
		if got := clk.Now().Sub(epoch); got != offset {
			t.Errorf("admission %d at +%v, want +%v", i, got, offset)
		}
	}

	state := l.State()
	if state.Count != 1 {
		t.Errorf("Count = %d, want 1 after rolling into a new window", state.Count)
	}
}

func TestFixedWindow_MinSpacing(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := NewFixedWindow(WindowConfig{MaxEvents: 100, Window: time.Minute, MinSpacing: 200 * time.Millisecond}, clk, zerolog.Nop())
	defer l.Close()

	for i := 0; i < 3; i++ {
		if err := l.Take(context.Background()); err != nil {
			t.Fatalf("Take() error = %v", err)
		}
	}

	if got := clk.Now().Sub(epoch); got != 400*time.Millisecond {
		t.Errorf("three spaced admissions took %v, want 400ms", got)
	}
}

func TestFixedWindow_FIFOAcrossGoroutines(t *testing.T) {
	l := NewFixedWindow(WindowConfig{MaxEvents: 1, Window: 20 * time.Millisecond}, clock.Real(), zerolog.Nop())
	defer l.Close()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := l.Take(context.Background()); err != nil {
				t.Errorf("Take() error = %v", err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}(i)
		// Give goroutine i time to enter the queue before i+1.
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	for i, id := range order {
		if id != i {
			t.Fatalf("admission order = %v, want ascending", order)
		}
	}
}

func TestFixedWindow_CancelledWaiterIsNotCounted(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := NewFixedWindow(WindowConfig{MaxEvents: 1, Window: time.Second}, clk, zerolog.Nop())
	defer l.Close()

	if err := l.Take(context.Background()); err != nil {
		t.Fatalf("Take() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Take(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Take() error = %v, want context.Canceled", err)
	}

	if got := l.State().Count; got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestFixedWindow_Close(t *testing.T) {
	l := NewFixedWindow(WindowConfig{MaxEvents: 1, Window: time.Hour}, clock.Real(), zerolog.Nop())

	if err := l.Take(context.Background()); err != nil {
		t.Fatalf("Take() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Take(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	l.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrLimiterClosed) {
			t.Errorf("Take() error = %v, want ErrLimiterClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Take() did not return after Close")
	}

	if err := l.Take(context.Background()); !errors.Is(err, ErrLimiterClosed) {
		t.Errorf("Take() after Close error = %v, want ErrLimiterClosed", err)
	}
}
