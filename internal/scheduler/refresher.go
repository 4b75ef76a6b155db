package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Producer fetches the latest value of a live data source. The context is
// cancelled when the refresher is stopped or re-keyed.
type Producer[T any] func(ctx context.Context) (T, error)

// State is what a refresher exposes to its consumers
type State[T any] struct {
	Key       string    `json:"key"`
	Data      T         `json:"data"`
	HasData   bool      `json:"has_data"`
	Loading   bool      `json:"loading"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Ticks     int       `json:"ticks"`
	Failures  int       `json:"failures"`
}

// Refresher polls a producer on a fixed interval. Each refresher runs a
// single goroutine, so ticks and refetches never overlap. Results that
// arrive after Stop or a key change are discarded.
type Refresher[T any] struct {
	name     string
	logger   *zap.Logger
	interval time.Duration

	mu        sync.RWMutex
	state     State[T]
	gen       uint64
	parent    context.Context
	cancel    context.CancelFunc
	refetch   chan struct{}
	done      chan struct{}
	listeners []func(State[T])

	// notifyMu is held while listeners run so Stop can wait them out
	notifyMu sync.Mutex
}

// NewRefresher creates a new refresher
func NewRefresher[T any](name string, interval time.Duration, logger *zap.Logger) *Refresher[T] {
	return &Refresher[T]{
		name:     name,
		logger:   logger.Named("refresher").With(zap.String("source", name)),
		interval: interval,
	}
}

// Name returns the data source name
func (r *Refresher[T]) Name() string {
	return r.name
}

// Subscribe registers fn to be called after every applied state change.
// Listeners run on the refresher goroutine and must not call Stop or SetKey.
func (r *Refresher[T]) Subscribe(fn func(State[T])) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Start performs an immediate fetch and then polls every interval
func (r *Refresher[T]) Start(ctx context.Context, key string, producer Producer[T]) error {
	if producer == nil {
		return ErrNilProducer
	}
	if r.interval <= 0 {
		return ErrInvalidInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return ErrAlreadyRunning
	}
	r.parent = ctx
	r.launchLocked(key, producer)

	r.logger.Info("Refresher started",
		zap.String("key", key),
		zap.Duration("interval", r.interval))
	return nil
}

// SetKey replaces the dependency key and producer. The previous schedule is
// torn down and a fresh one starts with its own immediate fetch; state from
// the previous key is discarded. Setting the current key is a no-op.
func (r *Refresher[T]) SetKey(key string, producer Producer[T]) error {
	if producer == nil {
		return ErrNilProducer
	}
	if r.interval <= 0 {
		return ErrInvalidInterval
	}

	r.mu.Lock()
	if r.cancel != nil && r.state.Key == key {
		r.mu.Unlock()
		return nil
	}
	previous := r.state.Key
	if r.cancel != nil {
		r.cancel()
	}
	if r.parent == nil || r.parent.Err() != nil {
		r.parent = context.Background()
	}
	r.launchLocked(key, producer)
	r.mu.Unlock()

	// wait out any listener still running for the previous key
	r.notifyMu.Lock()
	r.notifyMu.Unlock()

	r.logger.Info("Refresher re-keyed",
		zap.String("from", previous),
		zap.String("to", key))
	return nil
}

// launchLocked starts a new generation. r.mu must be held.
func (r *Refresher[T]) launchLocked(key string, producer Producer[T]) {
	r.gen++
	ctx, cancel := context.WithCancel(r.parent)
	r.cancel = cancel
	r.refetch = make(chan struct{}, 1)
	r.done = make(chan struct{})
	r.state = State[T]{Key: key, Loading: true}

	go r.run(ctx, r.gen, producer, r.refetch, r.done)
}

// Refetch triggers an immediate out-of-band fetch without resetting the
// interval. Requests made while a fetch is pending are coalesced.
func (r *Refresher[T]) Refetch() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.cancel == nil {
		return ErrNotRunning
	}
	select {
	case r.refetch <- struct{}{}:
	default:
	}
	return nil
}

// Stop cancels polling. Once Stop returns no further state changes are
// applied and no listener is invoked, even if a fetch is still in flight.
func (r *Refresher[T]) Stop() {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.cancel = nil
	r.gen++
	r.mu.Unlock()

	r.notifyMu.Lock()
	r.notifyMu.Unlock()

	r.logger.Info("Refresher stopped")
}

// Done is closed when the current polling goroutine exits
func (r *Refresher[T]) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.done
}

// Running reports whether the refresher is polling
func (r *Refresher[T]) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancel != nil
}

// State returns a copy of the current state
func (r *Refresher[T]) State() State[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Refresher[T]) run(ctx context.Context, gen uint64, producer Producer[T], refetch <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	r.tick(ctx, gen, producer)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			if r.gen == gen {
				// parent context ended; allow Start again
				r.cancel()
				r.cancel = nil
			}
			r.mu.Unlock()
			return
		case <-ticker.C:
			r.tick(ctx, gen, producer)
		case <-refetch:
			r.tick(ctx, gen, producer)
		}
	}
}

// tick runs the producer once and applies its result if this generation
// is still current.
func (r *Refresher[T]) tick(ctx context.Context, gen uint64, producer Producer[T]) {
	data, err := producer(ctx)

	r.mu.Lock()
	if r.gen != gen || ctx.Err() != nil {
		r.mu.Unlock()
		r.logger.Debug("Discarded stale fetch result")
		return
	}

	r.state.Ticks++
	r.state.Loading = false
	if err != nil {
		r.state.Failures++
		r.state.Error = err.Error()
		r.logger.Warn("Refresh failed, keeping previous data",
			zap.String("key", r.state.Key),
			zap.Int("failures", r.state.Failures),
			zap.Error(err))
	} else {
		r.state.Data = data
		r.state.HasData = true
		r.state.Error = ""
		r.state.UpdatedAt = time.Now()
	}
	snapshot := r.state
	listeners := append([]func(State[T]){}, r.listeners...)
	r.mu.Unlock()

	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	// Stop may have won the race while the lock was released
	r.mu.RLock()
	current := r.gen == gen
	r.mu.RUnlock()
	if !current {
		return
	}
	for _, fn := range listeners {
		fn(snapshot)
	}
}
