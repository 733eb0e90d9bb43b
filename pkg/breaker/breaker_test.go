package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/catalog-ingest/pkg/clock"
	"github.com/Sternrassler/catalog-ingest/pkg/store"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

var errServer = &StatusError{StatusCode: 503, Class: ErrorClassServer, Message: "Service Unavailable"}

func newTestBreaker(threshold int, cooldown time.Duration, attempts int) (*Breaker, *clock.Fake, *store.MemoryAuditSink) {
	clk := clock.NewFake(epoch)
	audit := store.NewMemoryAuditSink()
	cfg := Config{
		Name:      "test",
		Threshold: threshold,
		Cooldown:  cooldown,
		Retry: RetryConfig{
			MaxAttempts:    attempts,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
	}
	return New(cfg, clk, audit, zerolog.Nop()), clk, audit
}

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errServer
	}
}

func TestBreaker_OpensAfterThresholdAndProbes(t *testing.T) {
	b, clk, _ := newTestBreaker(3, time.Second, 1)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		err := b.Do(ctx, failing(&calls))
		if !errors.Is(err, ErrRetryExhausted) {
			t.Fatalf("failure %d: error = %v, want ErrRetryExhausted", i+1, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("State() = %v, want open after 3 failures", b.State())
	}

	// t+500ms: rejected without calling the function.
	clk.Advance(500 * time.Millisecond)
	invoked := false
	err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if invoked {
		t.Fatal("wrapped function must not run while open")
	}

	// t+1100ms: probe allowed and succeeds.
	clk.Advance(600 * time.Millisecond)
	if err := b.Do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe error = %v", err)
	}

	snap := b.Snapshot()
	if snap.State != StateClosed {
		t.Errorf("State = %v, want closed", snap.State)
	}
	if snap.FailureCount != 0 {
		t.Errorf("FailureCount = %d, want 0", snap.FailureCount)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clk, _ := newTestBreaker(2, time.Second, 1)
	ctx := context.Background()

	calls := 0
	_ = b.Do(ctx, failing(&calls))
	_ = b.Do(ctx, failing(&calls))
	firstOpen := b.Snapshot().OpenedAt

	clk.Advance(time.Second)
	if err := b.Do(ctx, failing(&calls)); !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("probe error = %v, want ErrRetryExhausted", err)
	}

	snap := b.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("State = %v, want reopened", snap.State)
	}
	if !snap.OpenedAt.After(firstOpen) {
		t.Error("cooldown should restart from the failed probe")
	}

	clk.Advance(999 * time.Millisecond)
	if err := b.Do(ctx, func(context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen before the new cooldown ends", err)
	}
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clk, _ := newTestBreaker(1, time.Second, 1)
	ctx := context.Background()

	calls := 0
	_ = b.Do(ctx, failing(&calls))
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var probeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		probeErr = b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var rejected atomic.Int32
	for i := 0; i < 5; i++ {
		if err := b.Do(ctx, func(context.Context) error { return nil }); errors.Is(err, ErrCircuitOpen) {
			rejected.Add(1)
		}
	}
	close(release)
	wg.Wait()

	if probeErr != nil {
		t.Fatalf("probe error = %v", probeErr)
	}
	if rejected.Load() != 5 {
		t.Errorf("rejected %d concurrent calls during probe, want 5", rejected.Load())
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed", b.State())
	}
}

func TestBreaker_RetriesWithExponentialBackoff(t *testing.T) {
	b, clk, audit := newTestBreaker(5, time.Minute, 4)

	calls := 0
	err := b.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 4 {
			return errServer
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	// 100ms + 200ms + 400ms
	if got := clk.Slept(); got != 700*time.Millisecond {
		t.Errorf("total backoff = %v, want 700ms", got)
	}
	if got := len(audit.Events()); got != 3 {
		t.Errorf("audit events = %d, want one per transient fault", got)
	}
	if b.Snapshot().FailureCount != 0 {
		t.Error("eventual success must not count as a failure")
	}
}

func TestBreaker_RateLimitHonoursRetryAfterAndIsNotAFailure(t *testing.T) {
	b, clk, audit := newTestBreaker(1, time.Minute, 3)

	calls := 0
	err := b.Do(context.Background(), func(context.Context) error {
		calls++
		return &StatusError{StatusCode: 429, Class: ErrorClassRateLimit, RetryAfter: 7 * time.Second}
	})

	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if got := clk.Slept(); got != 14*time.Second {
		t.Errorf("slept %v, want exactly two Retry-After delays", got)
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %v, 429 must never open the circuit", b.State())
	}
	if len(audit.Events()) != 0 {
		t.Error("429 responses are not audited as faults")
	}

	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 429 {
		t.Error("exhausted error should still expose the last StatusError")
	}
}

func TestBreaker_ClientErrorNotRetried(t *testing.T) {
	b, clk, _ := newTestBreaker(1, time.Minute, 5)

	calls := 0
	notFound := &StatusError{StatusCode: 404, Class: ErrorClassClient, Message: "Not Found"}
	err := b.Do(context.Background(), func(context.Context) error {
		calls++
		return notFound
	})

	if !errors.Is(err, notFound) {
		t.Fatalf("error = %v, want the client error unchanged", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if clk.Slept() != 0 {
		t.Error("client errors must not back off")
	}
	if b.State() != StateClosed {
		t.Error("client errors must not open the circuit")
	}
}

func TestBreaker_ThrottlingStopDuringProbeLeavesCircuitHalfOpen(t *testing.T) {
	b, clk, _ := newTestBreaker(2, time.Second, 3)
	ctx := context.Background()

	calls := 0
	_ = b.Do(ctx, failing(&calls))
	_ = b.Do(ctx, failing(&calls))
	failures := b.Snapshot().FailureCount
	clk.Advance(time.Second)

	tooMany := &StatusError{StatusCode: 429, Class: ErrorClassRateLimit, Message: "Too Many Requests"}
	stop := errors.New("strike threshold reached")
	err := b.Do(ctx, func(context.Context) error {
		return Permanent(fmt.Errorf("%w: %w", stop, tooMany))
	})
	if !errors.Is(err, stop) {
		t.Fatalf("error = %v, want the stop error", err)
	}

	snap := b.Snapshot()
	if snap.State != StateHalfOpen {
		t.Errorf("State = %v, want half-open after a throttling stop", snap.State)
	}
	if snap.FailureCount != failures {
		t.Errorf("FailureCount = %d, want unchanged %d", snap.FailureCount, failures)
	}

	// The probe slot was released: the next call probes and closes it.
	if err := b.Do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("next probe error = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("State() = %v, want closed after a successful probe", b.State())
	}
}

func TestBreaker_ThrottlingStopKeepsFailureCount(t *testing.T) {
	b, _, _ := newTestBreaker(3, time.Minute, 1)
	ctx := context.Background()

	calls := 0
	_ = b.Do(ctx, failing(&calls))
	_ = b.Do(ctx, failing(&calls))

	tooMany := &StatusError{StatusCode: 429, Class: ErrorClassRateLimit}
	_ = b.Do(ctx, func(context.Context) error { return Permanent(tooMany) })

	if got := b.Snapshot().FailureCount; got != 2 {
		t.Errorf("FailureCount = %d, want 2", got)
	}
}

func TestBreaker_ContextCancelledDuringBackoff(t *testing.T) {
	b := New(Config{
		Name:      "cancel",
		Threshold: 1,
		Cooldown:  time.Minute,
		Retry:     RetryConfig{MaxAttempts: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour},
	}, clock.Real(), nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Do(ctx, func(context.Context) error { return errServer })
	if !errors.Is(err, ErrContextCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want ErrContextCancelled wrapping deadline", err)
	}
	if b.State() != StateClosed {
		t.Error("cancellation must not count as a failure")
	}
}

func TestCall_ReturnsValue(t *testing.T) {
	b, _, _ := newTestBreaker(3, time.Minute, 2)

	got, err := Call(context.Background(), b, func(context.Context) ([]byte, error) {
		return []byte(`{"id":1}`), nil
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(got) != `{"id":1}` {
		t.Errorf("Call() = %s", got)
	}

	_, err = Call(context.Background(), b, func(context.Context) (int, error) {
		return 0, Permanent(errors.New("no detail"))
	})
	if err == nil || Classify(err) != ErrorClassPermanent {
		t.Errorf("Call() error = %v, want permanent", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(9):      "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range []State{StateClosed, StateOpen, StateHalfOpen} {
		text, _ := s.MarshalText()
		var got State
		if err := got.UnmarshalText(text); err != nil || got != s {
			t.Errorf("UnmarshalText(%q) = %v, %v; want %v", text, got, err, s)
		}
	}

	var s State
	if err := s.UnmarshalText([]byte("ajar")); err == nil {
		t.Error("UnmarshalText(ajar) should fail")
	}
}
