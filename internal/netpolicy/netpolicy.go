// Package netpolicy implements C4: error classification, exponential
// backoff, and a circuit-breaker-guarded connectivity probe.
package netpolicy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bvc-project/bvc/internal/errs"
)

// Class is the three-way classification of spec.md §4.4.
type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var transientSubstrings = []string{
	"timeout", "timed out", "connection reset", "connection refused",
	"5xx", "429", "too many requests", "temporary failure", "eof",
}

var permanentSubstrings = []string{
	"auth", "unauthorized", "forbidden", "not found", "404", "conflict", "409",
}

// Classify tags err per spec.md §4.4. Sentinel matches (errs.ErrTimeout,
// errs.ErrTransient, errs.ErrPermanent) take priority over substring
// sniffing of the error text, which exists only for errors that didn't
// originate from our own taxonomy (e.g. raw network errors).
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	switch {
	case errs.Is(err, errs.ErrTimeout):
		return ClassTransient
	case errs.Is(err, errs.ErrTransient):
		return ClassTransient
	case errs.Is(err, errs.ErrPermanent):
		return ClassPermanent
	case errs.Is(err, errs.ErrAlreadyLocked), errs.Is(err, errs.ErrNotHolder), errs.Is(err, errs.ErrRaceLost):
		return ClassPermanent
	case errs.Is(err, errs.ErrUnsupportedOperation):
		return ClassPermanent
	}

	msg := strings.ToLower(err.Error())

	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return ClassTransient
		}
	}

	for _, s := range permanentSubstrings {
		if strings.Contains(msg, s) {
			return ClassPermanent
		}
	}

	return ClassUnknown
}

// RetryPolicy is spec.md §4.4's policy shape.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Exponential  bool
	Verbose      bool
}

// LockPolicy is the default policy for lock operations.
func LockPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 15 * time.Second, Exponential: true}
}

// TransportPolicy is the default policy for push/pull.
func TransportPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Exponential: true}
}

// Backoff computes the delay before attempt (1-indexed), per spec.md §4.4's
// exact formula: min(initial * 2^(attempt-1), max). Grounded on the
// exponential-backoff shape in the pack's Redis-lock retry helper, with
// jitter intentionally omitted to keep the formula deterministic per the
// Open Question decision recorded in DESIGN.md.
func Backoff(p RetryPolicy, attempt int) time.Duration {
	if !p.Exponential {
		return p.InitialDelay
	}

	delay := p.InitialDelay

	for i := 1; i < attempt; i++ {
		delay *= 2

		if delay > p.MaxDelay {
			return p.MaxDelay
		}
	}

	if delay > p.MaxDelay {
		return p.MaxDelay
	}

	return delay
}

// Retry runs fn up to p.MaxAttempts times, classifying each failure and
// sleeping Backoff between transient attempts. A Permanent classification
// fails fast. After the last transient failure the error is returned
// unchanged so the caller (typically C5) can enqueue it.
func Retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		class := Classify(lastErr)
		if class == ClassPermanent {
			return lastErr
		}

		if attempt == p.MaxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(p, attempt)):
		}
	}

	return lastErr
}

// Connectivity is the reachability result of spec.md §4.4.
type Connectivity int

const (
	Unknown Connectivity = iota
	Online
	Offline
)

func (c Connectivity) String() string {
	switch c {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// CheckFunc performs the actual reachability check (e.g. a lightweight
// backend fetch --dry-run or a TCP dial) with a short deadline.
type CheckFunc func(ctx context.Context) error

// ConnectivityProbe wraps CheckFunc in a circuit breaker so a remote in a
// bad state isn't hammered by every component calling the probe
// independently (SPEC_FULL §4.4).
type ConnectivityProbe struct {
	breaker *gobreaker.CircuitBreaker
	check   CheckFunc
	timeout time.Duration
}

// NewConnectivityProbe builds a probe with a 5-second default check
// deadline and the breaker tripping after 3 consecutive failures.
func NewConnectivityProbe(name string, check CheckFunc) *ConnectivityProbe {
	settings := gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		Timeout: 30 * time.Second,
	}

	return &ConnectivityProbe{
		breaker: gobreaker.NewCircuitBreaker(settings),
		check:   check,
		timeout: 5 * time.Second,
	}
}

// Probe runs the reachability check through the breaker and returns both
// the connectivity verdict and the breaker's current state, so `bvc
// status` can show "unknown (breaker: open)" distinctly from a one-off
// failure. While the breaker is open the check is not run and the verdict
// is Unknown.
func (p *ConnectivityProbe) Probe(ctx context.Context) (Connectivity, gobreaker.State) {
	_, err := p.breaker.Execute(func() (any, error) {
		checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		return nil, p.check(checkCtx)
	})

	state := p.breaker.State()

	if err == nil {
		return Online, state
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Unknown, state
	}

	return Offline, state
}
