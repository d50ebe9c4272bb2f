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

const tracerName = "github.com/BaSui01/rendezvous/transfer"

// Sender pushes values into a rendezvous table as transfer phase
// sequences. One Sender serves one logical edge; each Send moves one value
// under its own FrameIter.
type Sender struct {
	cfg    Config
	table  rendezvous.Table
	alias  rendezvous.AliasSender // non-nil only with ZeroCopy on a capable table
	prefix rendezvous.Prefix
	logger *zap.Logger
	tracer trace.Tracer
}

// NewSender validates cfg and builds a sender with the edge's key prefix
// precomputed. A nil logger is replaced with a no-op one.
func NewSender(cfg Config, table rendezvous.Table, logger *zap.Logger) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		return nil, types.NewError(types.ErrInvalidArgument, "nil table")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sender{
		cfg:    cfg,
		table:  table,
		prefix: rendezvous.NewPrefix(cfg.SrcEndpoint, cfg.SrcIncarnation, cfg.DstEndpoint, cfg.Channel),
		logger: logger.With(
			zap.String("component", "transfer_sender"),
			zap.String("channel", cfg.Channel),
		),
		tracer: otel.Tracer(tracerName),
	}
	if cfg.ZeroCopy {
		if a, ok := table.(rendezvous.AliasSender); ok {
			s.alias = a
		}
	}
	return s, nil
}

// Send moves one value. A nil value sends a dead transfer: only the
// total-bytes phase travels, flagged dead, and the receiver observes a
// successful "no value" result. With ZeroCopy enabled the caller must not
// mutate v until the receiver has completed.
func (s *Sender) Send(ctx context.Context, fi rendezvous.FrameIter, v *types.Value) error {
	_, span := s.tracer.Start(ctx, "transfer.send", trace.WithAttributes(
		attribute.String("rendezvous.channel", s.cfg.Channel),
		attribute.Int64("rendezvous.frame_id", int64(fi.FrameID)),
		attribute.Int64("rendezvous.iter_id", int64(fi.IterID)),
	))
	defer span.End()

	err := s.send(span, fi, v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Sender) send(span trace.Span, fi rendezvous.FrameIter, v *types.Value) error {
	dead := v == nil
	if !dead {
		if err := v.Validate(); err != nil {
			return err
		}
		if v.Kind != s.cfg.Kind {
			return types.Errorf(types.ErrInvalidArgument,
				"value kind %q does not match configured kind %q", v.Kind, s.cfg.Kind)
		}
	}

	total := v.TotalBytes()
	span.SetAttributes(
		attribute.Int64("rendezvous.total_bytes", total),
		attribute.Bool("rendezvous.dead", dead),
	)

	err := s.sendEnvelope(suffixTotalBytes, fi, rendezvous.Envelope{
		Payload: encodeScalar(total),
		Dead:    dead,
	})
	if err != nil {
		return err
	}
	if dead {
		s.logger.Debug("sent dead transfer", zap.Uint64("frame_id", fi.FrameID), zap.Uint64("iter_id", fi.IterID))
		return nil
	}

	if total <= s.cfg.SliceSize {
		span.SetAttributes(attribute.Bool("rendezvous.fast_path", true))
		return s.sendEnvelope(suffixDirect, fi, rendezvous.Envelope{Payload: encodeValue(v)})
	}
	span.SetAttributes(attribute.Bool("rendezvous.fast_path", false))

	if err := s.sendEnvelope(suffixShape, fi, rendezvous.Envelope{Payload: encodeVector(v.Shape)}); err != nil {
		return err
	}
	if s.cfg.Kind == types.ElementVariable {
		return s.sendElements(fi, v.Elems)
	}
	return s.sendFlat(fi, v.Bytes)
}

// sendFlat slices one flat buffer by the plan and ships each range under
// its indexed data key.
func (s *Sender) sendFlat(fi rendezvous.FrameIter, data []byte) error {
	plan := slicePlan{total: int64(len(data)), size: s.cfg.SliceSize}
	for i := int64(0); i < plan.count(); i++ {
		part := data[plan.offset(i) : plan.offset(i)+plan.sliceLen(i)]
		if err := s.sendEnvelope(dataSuffix(i), fi, rendezvous.Envelope{Payload: part}); err != nil {
			return err
		}
	}
	return nil
}

// sendElements ships the per-element sizes vector, then each element:
// whole when it fits a slice, sub-sliced by the plan when it does not.
func (s *Sender) sendElements(fi rendezvous.FrameIter, elems [][]byte) error {
	sizes := make([]int64, len(elems))
	for i, e := range elems {
		sizes[i] = int64(len(e))
	}
	if err := s.sendEnvelope(suffixElementSizes, fi, rendezvous.Envelope{Payload: encodeVector(sizes)}); err != nil {
		return err
	}

	for i, e := range elems {
		if sizes[i] <= s.cfg.SliceSize {
			if err := s.sendEnvelope(dataSuffix(int64(i)), fi, rendezvous.Envelope{Payload: e}); err != nil {
				return err
			}
			continue
		}
		plan := slicePlan{total: sizes[i], size: s.cfg.SliceSize}
		for j := int64(0); j < plan.count(); j++ {
			part := e[plan.offset(j) : plan.offset(j)+plan.sliceLen(j)]
			if err := s.sendEnvelope(subSliceSuffix(int64(i), j), fi, rendezvous.Envelope{Payload: part}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sender) sendEnvelope(suffix string, fi rendezvous.FrameIter, env rendezvous.Envelope) error {
	key, err := rendezvous.ParseKey(s.prefix.Key(suffix, fi))
	if err != nil {
		return err
	}
	if s.alias != nil {
		return s.alias.SendAlias(key, s.cfg.args(), env)
	}
	return s.table.Send(key, s.cfg.args(), env)
}
