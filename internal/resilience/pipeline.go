// Package resilience wraps outbound calls in composed timeout, retry, and
// circuit-breaker policies, and rate-limits the tool surface with per-tool
// token buckets.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/tomehq/tome/internal/tomeerr"
)

// RetryConfig bounds the retry policy.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool
}

// BreakerConfig bounds the circuit breaker.
type BreakerConfig struct {
	// FailureRatio opens the breaker when exceeded over the sampling window.
	FailureRatio float64
	// MinThroughput is the sample floor below which the breaker never opens.
	MinThroughput int
	// Sampling is the sliding window length.
	Sampling time.Duration
	// Break is how long the open state rejects before half-open.
	Break time.Duration
}

// PipelineConfig composes one named pipeline: timeout, then retry, then breaker.
type PipelineConfig struct {
	Name    string
	Timeout time.Duration
	Retry   RetryConfig
	Breaker BreakerConfig

	// OnRetry is called once per retry, before the backoff sleep. Optional.
	OnRetry func()
	// OnBreakerTransition is called with the new state name whenever the
	// breaker changes state. Optional.
	OnBreakerTransition func(state string)
}

// Pipeline executes operations under its composed policy. Safe for
// concurrent use.
type Pipeline struct {
	cfg     PipelineConfig
	breaker *breaker
	logger  *slog.Logger
}

// NewPipeline creates a pipeline, applying defaults for zero values.
func NewPipeline(cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = 200 * time.Millisecond
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = 5 * time.Second
	}
	if cfg.Breaker.FailureRatio <= 0 {
		cfg.Breaker.FailureRatio = 0.5
	}
	if cfg.Breaker.MinThroughput <= 0 {
		cfg.Breaker.MinThroughput = 10
	}
	if cfg.Breaker.Sampling <= 0 {
		cfg.Breaker.Sampling = 30 * time.Second
	}
	if cfg.Breaker.Break <= 0 {
		cfg.Breaker.Break = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		breaker: newBreaker(cfg.Breaker, cfg.OnBreakerTransition),
		logger:  logger.With("component", "resilience", "pipeline", cfg.Name),
	}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.cfg.Name }

// Execute runs op under timeout, retry, and breaker, outer to inner. The
// operation timeout covers each attempt individually; cancellation from the
// caller stops retrying immediately.
func (p *Pipeline) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	delay := p.cfg.Retry.InitialDelay

	for attempt := 1; attempt <= p.cfg.Retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return tomeerr.Wrap(tomeerr.KindCancelled, err, "operation cancelled")
		}
		if err := p.breaker.allow(); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			p.breaker.record(true)
			return nil
		}

		// Client cancellation is not a provider failure and never retries.
		if ctx.Err() != nil {
			return tomeerr.Wrap(tomeerr.KindCancelled, ctx.Err(), "operation cancelled")
		}

		p.breaker.record(false)
		lastErr = err

		if !Retryable(err) || attempt == p.cfg.Retry.MaxAttempts {
			break
		}

		p.logger.Warn("retrying after failure",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if p.cfg.OnRetry != nil {
			p.cfg.OnRetry()
		}
		if err := sleep(ctx, p.jittered(delay)); err != nil {
			return tomeerr.Wrap(tomeerr.KindCancelled, err, "operation cancelled")
		}
		delay = min(delay*2, p.cfg.Retry.MaxDelay)
	}

	if Retryable(lastErr) {
		return tomeerr.Wrapf(tomeerr.KindProviderUnavailable, lastErr,
			"%s pipeline exhausted %d attempts", p.cfg.Name, p.cfg.Retry.MaxAttempts)
	}
	return lastErr
}

func (p *Pipeline) jittered(d time.Duration) time.Duration {
	if !p.cfg.Retry.Jitter {
		return d
	}
	// Full jitter: anywhere between half and the full delay.
	half := float64(d) / 2
	return time.Duration(half + rand.Float64()*half)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var transientPattern = regexp.MustCompile(`(?i)connection|timeout|unavailable|temporarily`)

// Retryable reports whether an error is worth retrying: network I/O,
// timeouts, and explicitly classified transient failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch tomeerr.KindOf(err) {
	case tomeerr.KindCancelled,
		tomeerr.KindInvalidArgument,
		tomeerr.KindNotFound,
		tomeerr.KindConflict,
		tomeerr.KindValidationFailed,
		tomeerr.KindInvalidDocType,
		tomeerr.KindDuplicateDocType,
		tomeerr.KindCircuitOpen,
		tomeerr.KindRateLimited,
		tomeerr.KindProviderContractViolation:
		return false
	case tomeerr.KindTimeout, tomeerr.KindProviderUnavailable, tomeerr.KindStorageFailed:
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return transientPattern.MatchString(err.Error())
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// breaker is a sampling-window circuit breaker. Open rejects fast for the
// break duration, then half-open admits a single probe.
type breaker struct {
	cfg          BreakerConfig
	onTransition func(state string)

	mu       sync.Mutex
	state    breakerState
	samples  []sample
	openedAt time.Time
	probing  bool
}

type sample struct {
	at time.Time
	ok bool
}

func newBreaker(cfg BreakerConfig, onTransition func(state string)) *breaker {
	return &breaker{cfg: cfg, onTransition: onTransition}
}

// transition must be called with b.mu held.
func (b *breaker) transition(to breakerState) {
	b.state = to
	if b.onTransition != nil {
		b.onTransition(to.String())
	}
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if time.Since(b.openedAt) < b.cfg.Break {
			return tomeerr.New(tomeerr.KindCircuitOpen, "circuit breaker is open")
		}
		b.transition(stateHalfOpen)
		b.probing = true
		return nil
	case stateHalfOpen:
		if b.probing {
			return tomeerr.New(tomeerr.KindCircuitOpen, "circuit breaker is half-open, probe in flight")
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if b.state == stateHalfOpen {
		b.probing = false
		if ok {
			b.transition(stateClosed)
			b.samples = nil
		} else {
			b.transition(stateOpen)
			b.openedAt = now
		}
		return
	}

	b.samples = append(b.samples, sample{at: now, ok: ok})
	b.trim(now)

	total := len(b.samples)
	if total < b.cfg.MinThroughput {
		return
	}
	failures := 0
	for _, s := range b.samples {
		if !s.ok {
			failures++
		}
	}
	if float64(failures)/float64(total) > b.cfg.FailureRatio {
		b.transition(stateOpen)
		b.openedAt = now
		b.samples = nil
	}
}

func (b *breaker) trim(now time.Time) {
	cutoff := now.Add(-b.cfg.Sampling)
	i := 0
	for ; i < len(b.samples); i++ {
		if b.samples[i].at.After(cutoff) {
			break
		}
	}
	b.samples = b.samples[i:]
}

// Envelope holds the three named pipelines every outbound call goes through.
type Envelope struct {
	Embedding *Pipeline
	Storage   *Pipeline
	Default   *Pipeline
}

// EnvelopeConfig configures all three pipelines from one set of retry and
// breaker bounds with per-pipeline timeouts.
type EnvelopeConfig struct {
	Retry            RetryConfig
	Breaker          BreakerConfig
	TimeoutDefault   time.Duration
	TimeoutEmbedding time.Duration
	TimeoutStorage   time.Duration
}

// NewEnvelope builds the embedding, storage, and default pipelines.
func NewEnvelope(cfg EnvelopeConfig, logger *slog.Logger) *Envelope {
	return &Envelope{
		Embedding: NewPipeline(PipelineConfig{
			Name:    "embedding",
			Timeout: cfg.TimeoutEmbedding,
			Retry:   cfg.Retry,
			Breaker: cfg.Breaker,
		}, logger),
		Storage: NewPipeline(PipelineConfig{
			Name:    "storage",
			Timeout: cfg.TimeoutStorage,
			Retry:   cfg.Retry,
			Breaker: cfg.Breaker,
		}, logger),
		Default: NewPipeline(PipelineConfig{
			Name:    "default",
			Timeout: cfg.TimeoutDefault,
			Retry:   cfg.Retry,
			Breaker: cfg.Breaker,
		}, logger),
	}
}
