package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

const (
	// DefaultCapacity is the number of fetches allowed in flight.
	DefaultCapacity = 5

	// DefaultPollInterval is how often Wait checks for completion.
	DefaultPollInterval = 100 * time.Millisecond
)

// ErrCapacity is matched by every CapacityError.
var ErrCapacity = errors.New("fetch pool at capacity")

// CapacityError rejects a fetch while the pool is full. It names every
// location still in flight.
type CapacityError struct {
	Pending []string
	errs    *multierror.Error
}

func newCapacityError(pending []string) *CapacityError {
	var errs *multierror.Error
	for _, loc := range pending {
		errs = multierror.Append(errs, fmt.Errorf("pending: %s", loc))
	}
	if errs != nil {
		errs.ErrorFormat = func(es []error) string {
			parts := make([]string, len(es))
			for i, e := range es {
				parts[i] = e.Error()
			}
			return strings.Join(parts, "; ")
		}
	}
	return &CapacityError{Pending: pending, errs: errs}
}

func (e *CapacityError) Error() string {
	if e.errs == nil {
		return ErrCapacity.Error()
	}
	return fmt.Sprintf("%s (%d in flight): %s", ErrCapacity, len(e.Pending), e.errs.Error())
}

// Is matches ErrCapacity.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}

// Errors returns one error per pending location.
func (e *CapacityError) Errors() []error {
	if e.errs == nil {
		return nil
	}
	return e.errs.WrappedErrors()
}

// PoolMetrics observes pool occupancy.
type PoolMetrics interface {
	SetFetchInflight(n int)
	RecordFetchRejection()
}

type nopPoolMetrics struct{}

func (nopPoolMetrics) SetFetchInflight(int) {}
func (nopPoolMetrics) RecordFetchRejection() {}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithCapacity sets the in-flight bound.
func WithCapacity(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithPollInterval sets the completion poll interval.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.poll = d
		}
	}
}

// WithPoolMetrics attaches metrics.
func WithPoolMetrics(m PoolMetrics) PoolOption {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithPoolLogger attaches a logger.
func WithPoolLogger(l zerolog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

// Pool runs fetches on background goroutines. It never queues: a request
// beyond capacity fails immediately.
type Pool struct {
	mu       sync.Mutex
	fetcher  Fetcher
	capacity int
	poll     time.Duration
	workers  []*Handle
	metrics  PoolMetrics
	logger   zerolog.Logger
}

// NewPool creates a pool over f.
func NewPool(f Fetcher, opts ...PoolOption) *Pool {
	p := &Pool{
		fetcher:  f,
		capacity: DefaultCapacity,
		poll:     DefaultPollInterval,
		metrics:  nopPoolMetrics{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Capacity returns the in-flight bound.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Start begins fetching location from offset. Finished workers are purged
// first; if the live count still meets capacity, Start returns a
// *CapacityError and starts nothing.
func (p *Pool) Start(ctx context.Context, location string, offset int64) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.purgeLocked()
	if len(p.workers) >= p.capacity {
		pending := make([]string, len(p.workers))
		for i, w := range p.workers {
			pending[i] = w.location
		}
		p.metrics.RecordFetchRejection()
		p.logger.Warn().Int("in_flight", len(pending)).Str("location", location).Msg("Fetch rejected, pool at capacity")
		return nil, newCapacityError(pending)
	}

	wctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		location: location,
		poll:     p.poll,
		cancel:   cancel,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.workers = append(p.workers, h)
	p.metrics.SetFetchInflight(len(p.workers))

	go h.run(wctx, p.fetcher, offset)
	return h, nil
}

// Pending returns the locations of fetches still in flight.
func (p *Pool) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.purgeLocked()
	out := make([]string, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.location
	}
	return out
}

func (p *Pool) purgeLocked() {
	live := p.workers[:0]
	for _, w := range p.workers {
		if !w.Done() {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(p.workers); i++ {
		p.workers[i] = nil
	}
	p.workers = live
	p.metrics.SetFetchInflight(len(p.workers))
}

// Handle tracks one background fetch. A fetch stays in flight until its
// body is closed or it fails.
type Handle struct {
	location string
	poll     time.Duration
	cancel   context.CancelFunc
	ready    chan struct{}
	done     chan struct{}
	release  sync.Once

	mu        sync.Mutex
	artifact  *Artifact
	err       error
	cancelled bool
	taken     bool
}

func (h *Handle) run(ctx context.Context, f Fetcher, offset int64) {
	art, err := f.Fetch(ctx, h.location, offset)

	h.mu.Lock()
	if h.cancelled {
		// Bytes arriving after cancellation are discarded.
		if art != nil && art.Body != nil {
			_ = art.Body.Close()
		}
		art, err = nil, context.Canceled
	}
	if err == nil && art != nil {
		art.Body = &releasingBody{ReadCloser: art.Body, release: h.finish}
	}
	h.artifact, h.err = art, err
	h.mu.Unlock()

	close(h.ready)
	if err != nil || art == nil {
		h.finish()
	}
}

func (h *Handle) finish() {
	h.release.Do(func() {
		close(h.done)
		h.cancel()
	})
}

// Location returns the fetched location.
func (h *Handle) Location() string {
	return h.location
}

// Done reports whether the fetch has failed or its body has been closed.
func (h *Handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) isReady() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

// Wait polls for the response and returns the artifact. If ctx ends first,
// the fetch is cancelled. The caller closes the artifact body.
func (h *Handle) Wait(ctx context.Context) (*Artifact, error) {
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for !h.isReady() {
		select {
		case <-ctx.Done():
			h.Cancel()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	h.taken = true
	return h.artifact, nil
}

// Cancel tears down the fetch. An artifact that already arrived and was
// not taken by Wait is closed.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	var discard io.Closer
	if h.artifact != nil && !h.taken {
		discard = h.artifact.Body
		h.artifact = nil
		h.err = context.Canceled
	}
	h.mu.Unlock()

	h.cancel()
	if discard != nil {
		_ = discard.Close()
	}
}

type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
