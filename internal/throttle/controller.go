// Package throttle implements the shared pacing and retry policy consulted
// by every outbound tracker request.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mantiscan/mantiscan/internal/mantis"
	"github.com/mantiscan/mantiscan/internal/metrics"
)

// ClassConfig sizes one request class.
type ClassConfig struct {
	// RPS is the sustained request rate; <= 0 means unlimited.
	RPS float64
	// Burst is the token bucket depth; defaults to 1.
	Burst int
	// MaxInFlight caps concurrent requests of this class; defaults to 1.
	MaxInFlight int
}

// Config holds per-class pacing settings.
type Config struct {
	Classes map[mantis.RequestClass]ClassConfig
}

// Controller hands out permits per request class, enforcing both a
// concurrency ceiling and token-bucket spacing.
type Controller struct {
	mu      sync.Mutex
	classes map[mantis.RequestClass]*classState
	deflt   ClassConfig
}

type classState struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// Permit must be released when the request finishes.
type Permit struct {
	release func()
	once    sync.Once
}

// Release returns the permit's concurrency slot. Safe to call twice.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.release)
}

// New creates a Controller.
func New(cfg Config) *Controller {
	c := &Controller{
		classes: make(map[mantis.RequestClass]*classState),
		deflt:   ClassConfig{RPS: 1, Burst: 1, MaxInFlight: 1},
	}
	for class, cc := range cfg.Classes {
		c.classes[class] = newClassState(cc)
	}
	return c
}

func newClassState(cc ClassConfig) *classState {
	limit := rate.Limit(cc.RPS)
	if cc.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cc.Burst
	if burst <= 0 {
		burst = 1
	}
	inFlight := cc.MaxInFlight
	if inFlight <= 0 {
		inFlight = 1
	}
	return &classState{
		limiter: rate.NewLimiter(limit, burst),
		sem:     semaphore.NewWeighted(int64(inFlight)),
	}
}

// Acquire blocks until both the class's concurrency ceiling and its
// inter-request spacing allow another request, or the context ends.
func (c *Controller) Acquire(ctx context.Context, class mantis.RequestClass) (*Permit, error) {
	state := c.state(class)

	start := time.Now()
	if err := state.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire %s slot: %w", class, err)
	}
	if err := state.limiter.Wait(ctx); err != nil {
		state.sem.Release(1)
		return nil, fmt.Errorf("pace %s request: %w", class, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveThrottleDelay(string(class), waited)
	}
	return &Permit{release: func() { state.sem.Release(1) }}, nil
}

func (c *Controller) state(class mantis.RequestClass) *classState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.classes[class]
	if !ok {
		state = newClassState(c.deflt)
		c.classes[class] = state
	}
	return state
}

// Class is the retryability classification of a request error.
type Class int

const (
	// Transient errors are retried with backoff up to the attempt bound.
	Transient Class = iota
	// Auth errors are escalated to a session refresh, then retried once.
	Auth
	// Fatal errors fail the single item immediately.
	Fatal
)

// Classify buckets an error for the retry loop.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	if errors.Is(err, mantis.ErrSessionExpired) {
		return Auth
	}
	if errors.Is(err, mantis.ErrAuthenticationFailed) {
		return Fatal
	}
	var parseErr *mantis.ParseError
	if errors.As(err, &parseErr) {
		return Fatal
	}
	var statusErr *mantis.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return Auth
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return Transient
		case statusErr.StatusCode >= 500:
			return Transient
		default:
			return Fatal
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Fatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	// Unrecognized transport failures get the benefit of the doubt.
	return Transient
}
