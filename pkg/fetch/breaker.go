package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// BreakerOptions tunes the per-host breakers.
type BreakerOptions struct {
	// Threshold is the consecutive failure count that trips a breaker.
	Threshold int64

	// InitialInterval and MaxInterval bound the reopen backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultBreakerOptions trips after five failures and retries after 30s,
// backing off to five minutes.
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{
		Threshold:       5,
		InitialInterval: 30 * time.Second,
		MaxInterval:     5 * time.Minute,
	}
}

// BreakerFetcher wraps a Fetcher with one circuit breaker per remote host.
type BreakerFetcher struct {
	fetcher  Fetcher
	opts     BreakerOptions
	breakers map[string]*circuit.Breaker
	mu       sync.RWMutex
}

// NewBreakerFetcher wraps f.
func NewBreakerFetcher(f Fetcher, opts BreakerOptions) *BreakerFetcher {
	def := DefaultBreakerOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = def.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = def.MaxInterval
	}
	return &BreakerFetcher{
		fetcher:  f,
		opts:     opts,
		breakers: make(map[string]*circuit.Breaker),
	}
}

func (b *BreakerFetcher) breaker(host string) *circuit.Breaker {
	b.mu.RLock()
	cb, ok := b.breakers[host]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[host]; ok {
		return cb
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = b.opts.InitialInterval
	expBackoff.MaxInterval = b.opts.MaxInterval
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	cb = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(b.opts.Threshold),
	})
	b.breakers[host] = cb
	return cb
}

// Fetch implements Fetcher. Missing archives and cancellation do not count
// as host failures.
func (b *BreakerFetcher) Fetch(ctx context.Context, location string, offset int64) (*Artifact, error) {
	host := hostOf(location)
	cb := b.breaker(host)

	if !cb.Ready() {
		return nil, fmt.Errorf("circuit breaker open for %s: %w", host, ErrUpstreamDown)
	}

	var (
		artifact *Artifact
		passErr  error
	)
	err := cb.Call(func() error {
		var fetchErr error
		artifact, fetchErr = b.fetcher.Fetch(ctx, location, offset)
		if errors.Is(fetchErr, ErrNotFound) || ctx.Err() != nil {
			passErr = fetchErr
			return nil
		}
		return fetchErr
	}, 0)
	if err != nil {
		return nil, err
	}
	if passErr != nil {
		return nil, passErr
	}
	return artifact, nil
}

// States reports "open" or "closed" per host.
func (b *BreakerFetcher) States() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	states := make(map[string]string, len(b.breakers))
	for host, cb := range b.breakers {
		if cb.Tripped() {
			states[host] = "open"
		} else {
			states[host] = "closed"
		}
	}
	return states
}

func hostOf(location string) string {
	parsed, err := url.Parse(location)
	if err != nil || parsed.Host == "" {
		if len(location) > 50 {
			return location[:50]
		}
		return location
	}
	return parsed.Host
}
