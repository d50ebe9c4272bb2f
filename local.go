package rendezvous

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/rendezvous/internal/pool"
	"github.com/BaSui01/rendezvous/types"
)

var errTableClosed = errors.New("table closed")

// TableConfig configures the local table.
type TableConfig struct {
	// Shards is the number of lock shards; it is rounded up to a power of
	// two. More shards means less cross-key contention.
	Shards int `yaml:"shards" json:"shards"`

	// DispatchWorkers sets the worker budget for running send-side receive
	// callbacks off the producer's call stack. Zero disables the pool and
	// runs callbacks inline.
	DispatchWorkers int `yaml:"dispatch_workers" json:"dispatch_workers"`

	// DispatchQueue bounds the callback queue feeding the workers.
	DispatchQueue int `yaml:"dispatch_queue" json:"dispatch_queue"`
}

// DefaultTableConfig returns sensible defaults.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		Shards:          32,
		DispatchWorkers: 16,
		DispatchQueue:   256,
	}
}

// TableStats is a point-in-time snapshot of table counters.
type TableStats struct {
	Sends          int64 `json:"sends"`
	Recvs          int64 `json:"recvs"`
	Matches        int64 `json:"matches"`
	Pending        int64 `json:"pending"`
	Cancellations  int64 `json:"cancellations"`
	Duplicates     int64 `json:"duplicates"`
	DroppedByAbort int64 `json:"dropped_by_abort"`
	Aborted        bool  `json:"aborted"`
}

// Local is the in-process Table. It shards channel state by key hash so
// unrelated exchanges never contend on one lock, and serializes access to
// a single key only for the match-or-park decision. Local additionally
// implements AliasSender and BatchReceiver.
type Local struct {
	logger     *zap.Logger
	dispatcher *pool.Dispatcher
	shards     []tableShard
	mask       uint32
	aborted    atomic.Pointer[types.Error]

	sends          atomic.Int64
	recvs          atomic.Int64
	matches        atomic.Int64
	pending        atomic.Int64
	cancellations  atomic.Int64
	duplicates     atomic.Int64
	droppedByAbort atomic.Int64
}

type tableShard struct {
	mu    sync.Mutex
	cells map[string]*cell
}

// cell is the one-shot channel for a single key. Exactly one of env or w is
// non-nil while the cell is parked in a shard map.
type cell struct {
	env *parkedEnvelope
	w   *waiter
}

type parkedEnvelope struct {
	env  Envelope
	args Args
}

type waiter struct {
	done DoneCallback
	args Args
	stop func() bool // releases the context watcher; nil when ctx has no Done
}

func (w *waiter) release() {
	if w.stop != nil {
		w.stop()
	}
}

var (
	_ Table         = (*Local)(nil)
	_ AliasSender   = (*Local)(nil)
	_ BatchReceiver = (*Local)(nil)
)

// New creates a local table. A nil logger is replaced with a no-op one.
func New(cfg TableConfig, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultTableConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}

	n := nextPowerOfTwo(cfg.Shards)
	l := &Local{
		logger: logger.With(zap.String("component", "rendezvous_table")),
		shards: make([]tableShard, n),
		mask:   uint32(n - 1),
	}
	for i := range l.shards {
		l.shards[i].cells = make(map[string]*cell)
	}
	if cfg.DispatchWorkers > 0 {
		l.dispatcher = pool.New(pool.Config{
			MaxWorkers: cfg.DispatchWorkers,
			QueueSize:  cfg.DispatchQueue,
		}, logger)
	}

	l.logger.Debug("table created",
		zap.Int("shards", n),
		zap.Int("dispatch_workers", cfg.DispatchWorkers),
	)
	return l
}

// Send deposits one envelope under key, copying the payload so the caller
// may reuse its buffer immediately. See Table.Send for the contract.
func (l *Local) Send(key ParsedKey, args Args, env Envelope) error {
	if env.Payload != nil {
		buf := make([]byte, len(env.Payload))
		copy(buf, env.Payload)
		env.Payload = buf
	}
	return l.deposit(key, args, env)
}

// SendAlias deposits one envelope without copying the payload. The caller
// must not mutate it until the consumer has taken the envelope.
func (l *Local) SendAlias(key ParsedKey, args Args, env Envelope) error {
	return l.deposit(key, args, env)
}

func (l *Local) deposit(key ParsedKey, args Args, env Envelope) error {
	if !key.initialized() {
		return types.NewError(types.ErrInvalidArgument, "uninitialized key")
	}
	full := key.FullKey()
	sh := l.shard(full)

	sh.mu.Lock()
	if st := l.aborted.Load(); st != nil {
		sh.mu.Unlock()
		return st
	}
	c := sh.cells[full]
	if c == nil {
		sh.cells[full] = &cell{env: &parkedEnvelope{env: env, args: args}}
		sh.mu.Unlock()
		l.sends.Add(1)
		l.pending.Add(1)
		return nil
	}
	if c.w == nil {
		sh.mu.Unlock()
		l.duplicates.Add(1)
		return types.NewError(types.ErrDuplicateExchange,
			"key already holds an unconsumed envelope").WithKey(full)
	}
	w := c.w
	delete(sh.cells, full)
	sh.mu.Unlock()

	l.sends.Add(1)
	l.matches.Add(1)
	l.pending.Add(-1)
	w.release()
	l.invoke(func() { w.done(nil, args, w.args, env) })
	return nil
}

// RecvAsync registers done for the envelope under key. See Table.RecvAsync
// for the contract.
func (l *Local) RecvAsync(ctx context.Context, key ParsedKey, args Args, done DoneCallback) {
	if !key.initialized() {
		done(types.NewError(types.ErrInvalidArgument, "uninitialized key"), Args{}, args, Envelope{})
		return
	}
	full := key.FullKey()
	sh := l.shard(full)

	sh.mu.Lock()
	if st := l.aborted.Load(); st != nil {
		sh.mu.Unlock()
		done(st, Args{}, args, Envelope{})
		return
	}
	c := sh.cells[full]
	if c == nil {
		w := &waiter{done: done, args: args}
		sh.cells[full] = &cell{w: w}
		if ctx != nil && ctx.Done() != nil {
			// The watcher owns resolution only if it removes the waiter
			// from the shard map first; a waiter already matched or
			// aborted is left to the path that removed it.
			w.stop = context.AfterFunc(ctx, func() {
				l.cancelWaiter(key, w, ctx.Err())
			})
		}
		sh.mu.Unlock()
		l.recvs.Add(1)
		l.pending.Add(1)
		return
	}
	if c.env == nil {
		sh.mu.Unlock()
		l.duplicates.Add(1)
		done(types.NewError(types.ErrDuplicateExchange,
			"key already has a parked waiter").WithKey(full), Args{}, args, Envelope{})
		return
	}
	p := c.env
	delete(sh.cells, full)
	sh.mu.Unlock()

	l.recvs.Add(1)
	l.matches.Add(1)
	l.pending.Add(-1)
	done(nil, p.args, args, p.env)
}

// RecvBatchAsync resolves a set of independent keys with one completion.
// See BatchReceiver for the contract.
func (l *Local) RecvBatchAsync(ctx context.Context, keys []ParsedKey, args Args, done BatchDoneCallback) {
	n := len(keys)
	if n == 0 {
		done(nil, nil, args, nil)
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	batchCtx, cancel := context.WithCancel(ctx)
	var (
		mu        sync.Mutex
		remaining = n
		envs      = make([]Envelope, n)
		sendArgs  = make([]Args, n)
		once      sync.Once
	)
	for i, key := range keys {
		l.RecvAsync(batchCtx, key, args, func(err error, sa, _ Args, env Envelope) {
			if err != nil {
				once.Do(func() {
					cancel()
					done(err, nil, args, nil)
				})
				return
			}
			mu.Lock()
			envs[i] = env
			sendArgs[i] = sa
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				once.Do(func() {
					cancel()
					done(nil, sendArgs, args, envs)
				})
			}
		})
	}
	// vet(lostcancel) cannot see that n > 0 makes the loop run: every
	// resolution path above reaches a once.Do that calls cancel.
	_ = cancel
}

// StartAbort fails every parked and future operation. The first abort
// wins; repeated calls are no-ops. See Table.StartAbort for the contract.
func (l *Local) StartAbort(cause error) {
	if cause == nil {
		panic("rendezvous: StartAbort requires a non-nil cause")
	}
	st := types.NewError(types.ErrAborted, "rendezvous aborted").WithCause(cause)
	if !l.aborted.CompareAndSwap(nil, st) {
		return
	}
	l.logger.Warn("aborting rendezvous table", zap.Error(cause))

	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		cells := sh.cells
		sh.cells = make(map[string]*cell)
		sh.mu.Unlock()

		for _, c := range cells {
			l.pending.Add(-1)
			switch {
			case c.w != nil:
				w := c.w
				w.release()
				l.invoke(func() { w.done(st, Args{}, w.args, Envelope{}) })
			default:
				l.droppedByAbort.Add(1)
			}
		}
	}
}

// Close aborts the table with a shutdown cause and releases the callback
// workers. Safe to call more than once.
func (l *Local) Close() {
	l.StartAbort(errTableClosed)
	if l.dispatcher != nil {
		l.dispatcher.Close()
	}
}

// Stats returns a snapshot of the table counters.
func (l *Local) Stats() TableStats {
	return TableStats{
		Sends:          l.sends.Load(),
		Recvs:          l.recvs.Load(),
		Matches:        l.matches.Load(),
		Pending:        l.pending.Load(),
		Cancellations:  l.cancellations.Load(),
		Duplicates:     l.duplicates.Load(),
		DroppedByAbort: l.droppedByAbort.Load(),
		Aborted:        l.aborted.Load() != nil,
	}
}

// cancelWaiter resolves a parked waiter with the context outcome. Removal
// from the shard map under the lock is the single-resolution point: if the
// waiter is no longer parked, a Send or abort got there first and this
// watcher backs off.
func (l *Local) cancelWaiter(key ParsedKey, w *waiter, cause error) {
	full := key.FullKey()
	sh := l.shard(full)

	sh.mu.Lock()
	c := sh.cells[full]
	if c == nil || c.w != w {
		sh.mu.Unlock()
		return
	}
	delete(sh.cells, full)
	sh.mu.Unlock()

	l.pending.Add(-1)
	l.cancellations.Add(1)
	w.done(contextError(cause, key), Args{}, w.args, Envelope{})
}

// invoke runs a resolution callback, preferring a pool worker so a slow
// consumer callback cannot stall the producer. Saturation and shutdown
// fall back to inline execution; a resolution is never dropped.
func (l *Local) invoke(fn func()) {
	if l.dispatcher == nil {
		fn()
		return
	}
	if err := l.dispatcher.Dispatch(fn); err != nil {
		fn()
	}
}

func (l *Local) shard(full string) *tableShard {
	return &l.shards[fnv1a(full)&l.mask]
}

// fnv1a hashes the full key for shard selection.
func fnv1a(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
