package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qrhealth/consent-core/internal/metrics"
)

// ErrQueueFull is returned when the delivery queue has no free slot.
var ErrQueueFull = errors.New("notify: queue full")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("notify: closed")

type job struct {
	kind string
	run  func(ctx context.Context) error
}

// Async wraps a Sender with a bounded queue drained by a fixed worker pool.
// Enqueueing never blocks; a full queue drops the notification with a warning.
type Async struct {
	next    Sender
	log     *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
}

// AsyncOption customizes an Async sender.
type AsyncOption func(*Async)

// WithMetrics counts dropped notifications.
func WithMetrics(m *metrics.Metrics) AsyncOption { return func(a *Async) { a.metrics = m } }

// WithTimeout bounds a single delivery.
func WithTimeout(d time.Duration) AsyncOption { return func(a *Async) { a.timeout = d } }

// NewAsync starts workers goroutines delivering through next.
func NewAsync(next Sender, workers, queue int, log *zap.Logger, opts ...AsyncOption) *Async {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}
	a := &Async{
		next:    next,
		log:     log,
		timeout: 10 * time.Second,
		jobs:    make(chan job, queue),
	}
	for _, o := range opts {
		o(a)
	}
	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.worker()
	}
	return a
}

func (a *Async) worker() {
	defer a.wg.Done()
	for j := range a.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := j.run(ctx); err != nil {
			a.log.Warn("notification delivery failed", zap.String("kind", j.kind), zap.Error(err))
			a.metrics.NotifyDropped(j.kind, "delivery_failed")
		}
		cancel()
	}
}

func (a *Async) enqueue(j job) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.jobs <- j:
		return nil
	default:
		a.log.Warn("notification queue full, dropping", zap.String("kind", j.kind))
		a.metrics.NotifyDropped(j.kind, "queue_full")
		return ErrQueueFull
	}
}

// SendOTP queues delivery of code. The request context is not carried over.
func (a *Async) SendOTP(_ context.Context, patientID, code string) error {
	return a.enqueue(job{kind: "otp", run: func(ctx context.Context) error {
		return a.next.SendOTP(ctx, patientID, code)
	}})
}

// SendGrantEvent queues delivery of ev.
func (a *Async) SendGrantEvent(_ context.Context, ev Event) error {
	return a.enqueue(job{kind: string(ev.Kind), run: func(ctx context.Context) error {
		return a.next.SendGrantEvent(ctx, ev)
	}})
}

// Close stops accepting work and waits for queued deliveries to finish.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.jobs)
	a.mu.Unlock()
	a.wg.Wait()
}
