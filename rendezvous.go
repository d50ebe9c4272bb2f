package rendezvous

import (
	"context"
	"errors"

	"github.com/BaSui01/rendezvous/types"
)

// Args carries the placement hints attached to each side of an exchange.
// The table never interprets the attributes; a sender's Args travel to the
// matched receiver's callback verbatim, so peers can exchange allocation
// or device tags out of band of the payload itself.
type Args struct {
	DeviceContext map[string]string
}

// Envelope is the unit a table moves: an opaque payload plus a dead flag.
// A dead envelope means "the producer ran but produced no value"; it is
// delivered like any other envelope and the consumer decides what a dead
// delivery means for its protocol.
type Envelope struct {
	Payload []byte
	Dead    bool
}

// DoneCallback consumes the outcome of an asynchronous receive. It is
// invoked exactly once per registration: with a nil error, the sender's
// args, and the envelope on a match; with a non-nil error and a zero
// envelope on cancellation, deadline, or abort.
type DoneCallback func(err error, sendArgs, recvArgs Args, env Envelope)

// BatchDoneCallback consumes the outcome of a batched receive. envs[i]
// corresponds to keys[i] of the registration. On error nothing of the
// batch is delivered.
type BatchDoneCallback func(err error, sendArgs []Args, recvArgs Args, envs []Envelope)

// Table is the rendezvous primitive: a keyed table of one-shot channels.
//
// A channel comes into existence when either side first touches its key
// and is torn down as soon as the pair matches. One deposit satisfies at
// most one consumption; the table retains no history. Envelopes deposited
// for a consumer that never arrives stay held until StartAbort; they
// cannot leak across transfer instances because FrameIter makes every
// instance's keys unique.
type Table interface {
	// Send deposits one envelope under key. It never blocks waiting for a
	// consumer: a parked receiver is resolved immediately, otherwise the
	// envelope is held until one arrives. The payload is copied in, so the
	// caller may reuse its buffer as soon as Send returns; see AliasSender
	// to avoid the copy. Send fails with ABORTED after StartAbort and with
	// DUPLICATE_EXCHANGE when the key already holds an unconsumed envelope.
	Send(key ParsedKey, args Args, env Envelope) error

	// RecvAsync registers done for the envelope under key. It fires
	// immediately when an envelope is already deposited, later when one
	// arrives, or with an error on ctx cancellation, ctx deadline, or
	// table abort. A waiter resolved by ctx is deregistered, so a later
	// Send to the same key deposits normally. Registering a second waiter
	// on a key that already has one fails with DUPLICATE_EXCHANGE.
	RecvAsync(ctx context.Context, key ParsedKey, args Args, done DoneCallback)

	// StartAbort puts the table into a terminal failed state: every parked
	// waiter resolves with an ABORTED error wrapping cause, every deposited
	// envelope is dropped, and every future Send or RecvAsync fails the
	// same way. The first abort wins; later calls are no-ops. cause must be
	// non-nil; StartAbort panics otherwise.
	StartAbort(cause error)
}

// AliasSender is an optional capability: deposit an envelope without
// copying its payload. The producer must not mutate the payload after a
// successful SendAlias until the consumer has taken it. Backends that
// cannot honor the no-copy contract (a network hop copies inherently)
// simply do not implement the interface.
type AliasSender interface {
	SendAlias(key ParsedKey, args Args, env Envelope) error
}

// BatchReceiver is an optional capability: resolve a set of independent
// keys with a single completion instead of one callback per key. The first
// failing key resolves the whole batch with its error.
type BatchReceiver interface {
	RecvBatchAsync(ctx context.Context, keys []ParsedKey, args Args, done BatchDoneCallback)
}

// Recv is the synchronous form of Table.RecvAsync: it blocks until the
// envelope under key arrives, ctx is cancelled, or its deadline passes,
// whichever happens first, and returns the matched sender's args alongside
// the envelope. A context with no deadline waits indefinitely.
//
// Recv returns only once the table has resolved the waiter, so by the time
// a DEADLINE_EXCEEDED or CANCELLED error surfaces the waiter is already
// deregistered and a later Send to the same key deposits normally instead
// of fulfilling a consumer that gave up.
func Recv(ctx context.Context, t Table, key ParsedKey, args Args) (Envelope, Args, error) {
	type outcome struct {
		err      error
		sendArgs Args
		env      Envelope
	}
	ch := make(chan outcome, 1)
	t.RecvAsync(ctx, key, args, func(err error, sendArgs, _ Args, env Envelope) {
		ch <- outcome{err: err, sendArgs: sendArgs, env: env}
	})
	out := <-ch
	return out.env, out.sendArgs, out.err
}

// contextError maps a context outcome onto the error taxonomy.
func contextError(err error, key ParsedKey) *types.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrDeadlineExceeded, "receive deadline elapsed").
			WithKey(key.FullKey()).WithCause(err)
	case errors.Is(err, context.Canceled):
		return types.NewError(types.ErrCancelled, "receive cancelled").
			WithKey(key.FullKey()).WithCause(err)
	default:
		return types.NewError(types.ErrInternal, "context resolved without cause").
			WithKey(key.FullKey()).WithCause(err)
	}
}
