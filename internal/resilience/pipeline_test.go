package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomehq/tome/internal/tomeerr"
)

func testPipeline(retry RetryConfig, breaker BreakerConfig) *Pipeline {
	return NewPipeline(PipelineConfig{
		Name:    "test",
		Timeout: time.Second,
		Retry:   retry,
		Breaker: breaker,
	}, nil)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	p := testPipeline(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, BreakerConfig{})

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecuteDoesNotRetryValidationErrors(t *testing.T) {
	p := testPipeline(RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}, BreakerConfig{})

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return tomeerr.New(tomeerr.KindInvalidArgument, "bad input")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if tomeerr.KindOf(err) != tomeerr.KindInvalidArgument {
		t.Errorf("kind = %s, want InvalidArgument", tomeerr.KindOf(err))
	}
}

func TestExecuteExhaustionSurfacesProviderUnavailable(t *testing.T) {
	p := testPipeline(RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, BreakerConfig{})

	err := p.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("service temporarily overloaded")
	})
	if tomeerr.KindOf(err) != tomeerr.KindProviderUnavailable {
		t.Errorf("kind = %s, want ProviderUnavailable", tomeerr.KindOf(err))
	}
}

func TestExecuteCancellationBypassesRetry(t *testing.T) {
	p := testPipeline(RetryConfig{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond}, BreakerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Execute(ctx, func(ctx context.Context) error {
			calls++
			cancel()
			return errors.New("connection reset")
		})
	}()

	err := <-errCh
	if tomeerr.KindOf(err) != tomeerr.KindCancelled {
		t.Errorf("kind = %s, want Cancelled", tomeerr.KindOf(err))
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBreakerOpensAfterFailureRatio(t *testing.T) {
	p := testPipeline(
		RetryConfig{MaxAttempts: 1},
		BreakerConfig{FailureRatio: 0.5, MinThroughput: 4, Sampling: time.Minute, Break: time.Minute},
	)

	// Drive enough failures through to trip the breaker.
	for i := 0; i < 4; i++ {
		_ = p.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("connection refused")
		})
	}

	err := p.Execute(context.Background(), func(ctx context.Context) error {
		t.Fatal("operation must not run while the breaker is open")
		return nil
	})
	if tomeerr.KindOf(err) != tomeerr.KindCircuitOpen {
		t.Errorf("kind = %s, want CircuitOpen", tomeerr.KindOf(err))
	}
}

func TestBreakerHalfOpenProbeRecloses(t *testing.T) {
	b := newBreaker(BreakerConfig{FailureRatio: 0.5, MinThroughput: 2, Sampling: time.Minute, Break: 5 * time.Millisecond}, nil)

	b.record(false)
	b.record(false)
	if err := b.allow(); tomeerr.KindOf(err) != tomeerr.KindCircuitOpen {
		t.Fatalf("expected open breaker, got %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	// Break elapsed: one probe is admitted, a second is not.
	if err := b.allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if err := b.allow(); tomeerr.KindOf(err) != tomeerr.KindCircuitOpen {
		t.Fatalf("second probe admitted, want rejection")
	}

	b.record(true)
	if err := b.allow(); err != nil {
		t.Fatalf("breaker did not reclose after successful probe: %v", err)
	}
}

func TestPipelineHooksObserveRetriesAndTransitions(t *testing.T) {
	retries := 0
	var states []string
	p := NewPipeline(PipelineConfig{
		Name:                "test",
		Timeout:             time.Second,
		Retry:               RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Breaker:             BreakerConfig{FailureRatio: 0.5, MinThroughput: 2, Sampling: time.Minute, Break: time.Minute},
		OnRetry:             func() { retries++ },
		OnBreakerTransition: func(state string) { states = append(states, state) },
	}, nil)

	_ = p.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	if retries != 1 {
		t.Errorf("OnRetry calls = %d, want 1", retries)
	}
	// Two failed attempts against a throughput floor of two trip the breaker.
	if len(states) == 0 || states[len(states)-1] != "open" {
		t.Errorf("breaker transitions = %v, want trailing open", states)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain transient message", errors.New("backend unavailable"), true},
		{"connection message", errors.New("connection refused"), true},
		{"timeout kind", tomeerr.New(tomeerr.KindTimeout, "slow"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"invalid argument", tomeerr.New(tomeerr.KindInvalidArgument, "bad"), false},
		{"not found", tomeerr.New(tomeerr.KindNotFound, "missing"), false},
		{"contract violation", tomeerr.New(tomeerr.KindProviderContractViolation, "wrong dim"), false},
		{"unrelated", errors.New("syntax error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
