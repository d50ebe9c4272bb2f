package transfer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/rendezvous"
	"github.com/BaSui01/rendezvous/types"
)

// Receiver pulls values out of a rendezvous table by replaying the
// sender's phase sequence. One Receiver serves one logical edge; each Recv
// consumes one value under its own FrameIter.
type Receiver struct {
	cfg    Config
	table  rendezvous.Table
	batch  rendezvous.BatchReceiver // non-nil when the table supports batching
	prefix rendezvous.Prefix
	logger *zap.Logger
	tracer trace.Tracer
}

// NewReceiver validates cfg and builds a receiver with the edge's key
// prefix precomputed. A nil logger is replaced with a no-op one.
func NewReceiver(cfg Config, table rendezvous.Table, logger *zap.Logger) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		return nil, types.NewError(types.ErrInvalidArgument, "nil table")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Receiver{
		cfg:    cfg,
		table:  table,
		prefix: rendezvous.NewPrefix(cfg.SrcEndpoint, cfg.SrcIncarnation, cfg.DstEndpoint, cfg.Channel),
		logger: logger.With(
			zap.String("component", "transfer_receiver"),
			zap.String("channel", cfg.Channel),
		),
		tracer: otel.Tracer(tracerName),
	}
	if b, ok := table.(rendezvous.BatchReceiver); ok {
		r.batch = b
	}
	return r, nil
}

// Recv consumes one value. It returns (nil, nil) for a dead transfer.
// Each phase receive is bounded by Config.Timeout and the caller's ctx;
// timeouts, cancellation, and table abort surface as DEADLINE_EXCEEDED,
// CANCELLED, and ABORTED errors. Malformed or out-of-contract envelopes
// surface as PROTOCOL_VIOLATION and indicate a sender/receiver
// configuration mismatch rather than a transient fault.
func (r *Receiver) Recv(ctx context.Context, fi rendezvous.FrameIter) (*types.Value, error) {
	ctx, span := r.tracer.Start(ctx, "transfer.recv", trace.WithAttributes(
		attribute.String("rendezvous.channel", r.cfg.Channel),
		attribute.Int64("rendezvous.frame_id", int64(fi.FrameID)),
		attribute.Int64("rendezvous.iter_id", int64(fi.IterID)),
	))
	defer span.End()

	v, err := r.recv(ctx, span, fi)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

func (r *Receiver) recv(ctx context.Context, span trace.Span, fi rendezvous.FrameIter) (*types.Value, error) {
	env, err := r.recvEnvelope(ctx, suffixTotalBytes, fi)
	if err != nil {
		return nil, err
	}
	if env.Dead {
		span.SetAttributes(attribute.Bool("rendezvous.dead", true))
		return nil, nil
	}
	total, err := decodeScalar(env.Payload)
	if err != nil {
		return nil, err
	}
	if total < 0 {
		return nil, types.Errorf(types.ErrProtocolViolation, "negative total bytes %d", total)
	}
	span.SetAttributes(attribute.Int64("rendezvous.total_bytes", total))

	if total <= r.cfg.SliceSize {
		span.SetAttributes(attribute.Bool("rendezvous.fast_path", true))
		return r.recvDirect(ctx, fi, total)
	}
	span.SetAttributes(attribute.Bool("rendezvous.fast_path", false))

	shape, err := r.recvShape(ctx, fi)
	if err != nil {
		return nil, err
	}
	if r.cfg.Kind == types.ElementVariable {
		return r.recvElements(ctx, fi, shape, total)
	}
	return r.recvFlat(ctx, fi, shape, total)
}

// recvDirect consumes the fast-path envelope holding the whole value.
func (r *Receiver) recvDirect(ctx context.Context, fi rendezvous.FrameIter, total int64) (*types.Value, error) {
	env, err := r.recvLive(ctx, suffixDirect, fi)
	if err != nil {
		return nil, err
	}
	v, err := decodeValue(env.Payload)
	if err != nil {
		return nil, err
	}
	if v.Kind != r.cfg.Kind {
		return nil, types.Errorf(types.ErrProtocolViolation,
			"sender shipped kind %q, receiver configured for %q", v.Kind, r.cfg.Kind)
	}
	if v.TotalBytes() != total {
		return nil, types.Errorf(types.ErrProtocolViolation,
			"direct envelope carries %d payload bytes, total-bytes phase said %d", v.TotalBytes(), total)
	}
	return v, nil
}

func (r *Receiver) recvShape(ctx context.Context, fi rendezvous.FrameIter) ([]int64, error) {
	env, err := r.recvLive(ctx, suffixShape, fi)
	if err != nil {
		return nil, err
	}
	shape, err := decodeVector(env.Payload)
	if err != nil {
		return nil, err
	}
	for _, d := range shape {
		if d < 0 {
			return nil, types.Errorf(types.ErrProtocolViolation, "negative dim %d in shape phase", d)
		}
	}
	return shape, nil
}

// recvFlat reassembles a fixed-width payload from its data slices. The
// slices are independent exchanges, so a batching table fetches them all
// at once; either way each slice lands at its plan offset and arrival
// order cannot matter.
func (r *Receiver) recvFlat(ctx context.Context, fi rendezvous.FrameIter, shape []int64, total int64) (*types.Value, error) {
	buf := make([]byte, total)
	plan := slicePlan{total: total, size: r.cfg.SliceSize}

	if r.batch != nil {
		if err := r.recvFlatBatch(ctx, fi, plan, buf); err != nil {
			return nil, err
		}
		return &types.Value{Kind: types.ElementFixed, Shape: shape, Bytes: buf}, nil
	}

	for i := int64(0); i < plan.count(); i++ {
		env, err := r.recvLive(ctx, dataSuffix(i), fi)
		if err != nil {
			return nil, err
		}
		if int64(len(env.Payload)) != plan.sliceLen(i) {
			return nil, types.Errorf(types.ErrProtocolViolation,
				"data slice %d carries %d bytes, plan wants %d", i, len(env.Payload), plan.sliceLen(i))
		}
		copy(buf[plan.offset(i):], env.Payload)
	}
	return &types.Value{Kind: types.ElementFixed, Shape: shape, Bytes: buf}, nil
}

func (r *Receiver) recvFlatBatch(ctx context.Context, fi rendezvous.FrameIter, plan slicePlan, buf []byte) error {
	keys := make([]rendezvous.ParsedKey, plan.count())
	for i := range keys {
		key, err := rendezvous.ParseKey(r.prefix.Key(dataSuffix(int64(i)), fi))
		if err != nil {
			return err
		}
		keys[i] = key
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	type outcome struct {
		err  error
		envs []rendezvous.Envelope
	}
	ch := make(chan outcome, 1)
	r.batch.RecvBatchAsync(ctx, keys, r.cfg.args(), func(err error, _ []rendezvous.Args, _ rendezvous.Args, envs []rendezvous.Envelope) {
		ch <- outcome{err: err, envs: envs}
	})
	out := <-ch
	if out.err != nil {
		return out.err
	}

	for i, env := range out.envs {
		if env.Dead {
			return types.Errorf(types.ErrProtocolViolation, "dead envelope in data slice %d", i)
		}
		want := plan.sliceLen(int64(i))
		if int64(len(env.Payload)) != want {
			return types.Errorf(types.ErrProtocolViolation,
				"data slice %d carries %d bytes, plan wants %d", i, len(env.Payload), want)
		}
		copy(buf[plan.offset(int64(i)):], env.Payload)
	}
	return nil
}

// recvElements reassembles a variable-width payload: sizes vector first,
// then one envelope per element, sub-sliced for oversized elements.
func (r *Receiver) recvElements(ctx context.Context, fi rendezvous.FrameIter, shape []int64, total int64) (*types.Value, error) {
	want := (&types.Value{Kind: types.ElementVariable, Shape: shape}).NumElements()
	if want < 0 {
		return nil, types.NewError(types.ErrProtocolViolation, "overflowing shape in shape phase")
	}

	env, err := r.recvLive(ctx, suffixElementSizes, fi)
	if err != nil {
		return nil, err
	}
	sizes, err := decodeVector(env.Payload)
	if err != nil {
		return nil, err
	}
	if int64(len(sizes)) != want {
		return nil, types.Errorf(types.ErrProtocolViolation,
			"element sizes phase carries %d entries, shape wants %d", len(sizes), want)
	}
	var sum int64
	for i, sz := range sizes {
		if sz < 0 {
			return nil, types.Errorf(types.ErrProtocolViolation, "negative size for element %d", i)
		}
		sum += sz
	}
	if sum != total {
		return nil, types.Errorf(types.ErrProtocolViolation,
			"element sizes sum to %d, total-bytes phase said %d", sum, total)
	}

	elems := make([][]byte, len(sizes))
	for i, sz := range sizes {
		if sz <= r.cfg.SliceSize {
			env, err := r.recvLive(ctx, dataSuffix(int64(i)), fi)
			if err != nil {
				return nil, err
			}
			if int64(len(env.Payload)) != sz {
				return nil, types.Errorf(types.ErrProtocolViolation,
					"element %d carries %d bytes, sizes phase said %d", i, len(env.Payload), sz)
			}
			elems[i] = env.Payload
			continue
		}

		buf := make([]byte, sz)
		plan := slicePlan{total: sz, size: r.cfg.SliceSize}
		for j := int64(0); j < plan.count(); j++ {
			env, err := r.recvLive(ctx, subSliceSuffix(int64(i), j), fi)
			if err != nil {
				return nil, err
			}
			if int64(len(env.Payload)) != plan.sliceLen(j) {
				return nil, types.Errorf(types.ErrProtocolViolation,
					"element %d sub-slice %d carries %d bytes, plan wants %d", i, j, len(env.Payload), plan.sliceLen(j))
			}
			copy(buf[plan.offset(j):], env.Payload)
		}
		elems[i] = buf
	}
	return &types.Value{Kind: types.ElementVariable, Shape: shape, Elems: elems}, nil
}

// recvLive consumes one phase envelope that must not be dead: only the
// total-bytes phase may carry the dead flag.
func (r *Receiver) recvLive(ctx context.Context, suffix string, fi rendezvous.FrameIter) (rendezvous.Envelope, error) {
	env, err := r.recvEnvelope(ctx, suffix, fi)
	if err != nil {
		return rendezvous.Envelope{}, err
	}
	if env.Dead {
		return rendezvous.Envelope{}, types.Errorf(types.ErrProtocolViolation,
			"dead envelope in non-initial phase %q", suffix)
	}
	return env, nil
}

func (r *Receiver) recvEnvelope(ctx context.Context, suffix string, fi rendezvous.FrameIter) (rendezvous.Envelope, error) {
	key, err := rendezvous.ParseKey(r.prefix.Key(suffix, fi))
	if err != nil {
		return rendezvous.Envelope{}, err
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	env, _, err := rendezvous.Recv(ctx, r.table, key, r.cfg.args())
	return env, err
}
