// Package pool provides the bounded worker pool the rendezvous table uses
// to run receive callbacks off the producer's call stack.
//
// This package is internal and should not be imported by external projects.
package pool

import (
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrClosed    = errors.New("dispatcher is closed")
	ErrSaturated = errors.New("dispatcher queue is full")
)

// Config configures a Dispatcher.
type Config struct {
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
	QueueSize  int `yaml:"queue_size" json:"queue_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers: 16,
		QueueSize:  256,
	}
}

// Dispatcher fans submitted functions out to a bounded set of workers.
// Dispatch never blocks: when the queue is full and the worker budget is
// spent it reports ErrSaturated and the caller decides whether to run the
// function inline. Workers are spawned on demand up to MaxWorkers and live
// until Close.
type Dispatcher struct {
	queue  chan func()
	max    int32
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool

	workers atomic.Int32
	active  atomic.Int32
	wg      sync.WaitGroup

	dispatched atomic.Int64
	completed  atomic.Int64
	rejected   atomic.Int64
	panics     atomic.Int64
}

// New creates a Dispatcher. A nil logger is replaced with a no-op one.
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Dispatcher{
		queue:  make(chan func(), cfg.QueueSize),
		max:    int32(cfg.MaxWorkers),
		logger: logger.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch queues fn for execution on a pool worker.
func (d *Dispatcher) Dispatch(fn func()) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- fn:
		d.dispatched.Add(1)
		d.ensureWorker()
		return nil
	default:
		if d.trySpawnWorker() {
			select {
			case d.queue <- fn:
				d.dispatched.Add(1)
				return nil
			default:
			}
		}
		d.rejected.Add(1)
		return ErrSaturated
	}
}

func (d *Dispatcher) ensureWorker() {
	if d.workers.Load() < d.max {
		d.trySpawnWorker()
	}
}

func (d *Dispatcher) trySpawnWorker() bool {
	for {
		current := d.workers.Load()
		if current >= d.max {
			return false
		}
		if d.workers.CompareAndSwap(current, current+1) {
			d.wg.Add(1)
			go d.worker()
			return true
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	defer d.workers.Add(-1)

	for fn := range d.queue {
		d.active.Add(1)
		d.run(fn)
		d.active.Add(-1)
		d.completed.Add(1)
	}
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			d.logger.Error("dispatched callback panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	fn()
}

// Close stops accepting work, lets the workers drain the queue, and waits
// for them to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.queue)
	d.wg.Wait()
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Workers:    int(d.workers.Load()),
		Active:     int(d.active.Load()),
		Queued:     len(d.queue),
		Dispatched: d.dispatched.Load(),
		Completed:  d.completed.Load(),
		Rejected:   d.rejected.Load(),
		Panics:     d.panics.Load(),
	}
}

// Stats contains dispatcher counters.
type Stats struct {
	Workers    int   `json:"workers"`
	Active     int   `json:"active"`
	Queued     int   `json:"queued"`
	Dispatched int64 `json:"dispatched"`
	Completed  int64 `json:"completed"`
	Rejected   int64 `json:"rejected"`
	Panics     int64 `json:"panics"`
}
