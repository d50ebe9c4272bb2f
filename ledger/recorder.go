package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/rendezvous"
	"github.com/BaSui01/rendezvous/types"
)

// appendTimeout bounds the database write so a slow ledger cannot stall
// an exchange for long.
const appendTimeout = 2 * time.Second

// Recorder wraps a rendezvous.Table and appends one Record per resolved
// exchange. Append failures are logged and swallowed: the audit trail
// must never interfere with the data path.
//
// Recorder intentionally exposes only the core Table surface. Capability
// interfaces of the wrapped table (alias sends, batched receives) are
// not forwarded, so callers that need them should record at a different
// layer.
type Recorder struct {
	table  rendezvous.Table
	ledger *Ledger
	logger *zap.Logger
}

var _ rendezvous.Table = (*Recorder)(nil)

// NewRecorder wraps table so every Send and RecvAsync outcome lands in l.
func NewRecorder(table rendezvous.Table, l *Ledger, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		table:  table,
		ledger: l,
		logger: logger.With(zap.String("component", "ledger_recorder")),
	}
}

// Send forwards to the wrapped table and records the outcome.
func (r *Recorder) Send(key rendezvous.ParsedKey, args rendezvous.Args, env rendezvous.Envelope) error {
	err := r.table.Send(key, args, env)
	r.append(DirectionSend, key, env, err)
	return err
}

// RecvAsync forwards to the wrapped table; the record is appended when
// the exchange resolves, not when the waiter registers.
func (r *Recorder) RecvAsync(ctx context.Context, key rendezvous.ParsedKey, args rendezvous.Args, done rendezvous.DoneCallback) {
	r.table.RecvAsync(ctx, key, args, func(err error, sendArgs, recvArgs rendezvous.Args, env rendezvous.Envelope) {
		r.append(DirectionRecv, key, env, err)
		done(err, sendArgs, recvArgs, env)
	})
}

// StartAbort forwards to the wrapped table. The abort itself is not a
// row; the exchanges it fails are, through their own callbacks.
func (r *Recorder) StartAbort(cause error) {
	r.table.StartAbort(cause)
}

func (r *Recorder) append(direction string, key rendezvous.ParsedKey, env rendezvous.Envelope, opErr error) {
	rec := &Record{
		FullKey:     key.FullKey(),
		Channel:     key.EdgeName(),
		SrcEndpoint: key.SrcEndpoint(),
		DstEndpoint: key.DstEndpoint(),
		FrameID:     key.FrameIter().FrameID,
		IterID:      key.FrameIter().IterID,
		Direction:   direction,
		Dead:        env.Dead,
		Bytes:       len(env.Payload),
		Status:      statusOf(opErr, env.Dead),
	}

	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	if err := r.ledger.Append(ctx, rec); err != nil {
		r.logger.Warn("dropping ledger record",
			zap.String("key", rec.FullKey),
			zap.Error(err),
		)
	}
}

func statusOf(err error, dead bool) string {
	if err != nil {
		if code := types.GetErrorCode(err); code != "" {
			return string(code)
		}
		return string(types.ErrInternal)
	}
	if dead {
		return StatusDead
	}
	return StatusOK
}
