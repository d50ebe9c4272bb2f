package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/rendezvous"
	"github.com/BaSui01/rendezvous/types"
)

// ClientConfig tunes a bridge client.
type ClientConfig struct {
	// URL is the ws:// or wss:// endpoint of a bridge server, path
	// included.
	URL string `yaml:"url" json:"url"`

	// AuthToken is presented as a bearer token when non-empty. Mint one
	// with Token using the server's secret.
	AuthToken string `yaml:"auth_token" json:"-"`

	// SendTimeout bounds how long Send waits for the server's
	// acknowledgement. Zero applies the default of 30 seconds.
	SendTimeout time.Duration `yaml:"send_timeout" json:"send_timeout"`

	// WriteTimeout bounds each frame write. Zero applies the default of
	// 10 seconds.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// MaxFrameBytes caps a single inbound frame, mirroring the server
	// side. Zero applies the default of 16 MiB.
	MaxFrameBytes int64 `yaml:"max_frame_bytes" json:"max_frame_bytes"`
}

// Client is a rendezvous.Table backed by a remote bridge server. All
// exchange semantics hold across the wire: Send returns once the remote
// table owns the envelope, receive callbacks fire exactly once, and a
// lost connection resolves everything pending with a retryable
// UNAVAILABLE error instead of leaving callers hanging.
type Client struct {
	cfg    ClientConfig
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingOp
	down    *types.Error
}

var _ rendezvous.Table = (*Client)(nil)

// pendingOp is one in-flight exchange. Removal from Client.pending is
// the resolution point: whoever takes the op out of the map fires fn,
// so a result frame, a context watcher, and a connection-loss sweep can
// race without double-firing.
type pendingOp struct {
	fn   func(err error, sendArgs rendezvous.Args, env rendezvous.Envelope)
	stop func() bool
}

// Dial connects to a bridge server and starts the read loop.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "empty bridge url")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 16 << 20
	}

	opts := &websocket.DialOptions{}
	if cfg.AuthToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + cfg.AuthToken}}
	}
	ws, _, err := websocket.Dial(ctx, cfg.URL, opts)
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "bridge dial failed").
			WithCause(err).WithRetryable(true)
	}
	ws.SetReadLimit(cfg.MaxFrameBytes)

	c := &Client{
		cfg:     cfg,
		ws:      ws,
		logger:  logger.With(zap.String("component", "bridge_client"), zap.String("url", cfg.URL)),
		pending: make(map[string]*pendingOp),
	}
	go c.readLoop()
	return c, nil
}

// Send deposits the envelope into the remote table and waits for the
// acknowledgement. A timeout here means the deposit outcome is unknown;
// the id is dropped so a late acknowledgement resolves nothing.
func (c *Client) Send(key rendezvous.ParsedKey, args rendezvous.Args, env rendezvous.Envelope) error {
	id := uuid.New().String()
	ack := make(chan error, 1)
	op := &pendingOp{fn: func(err error, _ rendezvous.Args, _ rendezvous.Envelope) {
		ack <- err
	}}
	if err := c.register(id, op); err != nil {
		return err
	}

	err := c.write(frame{
		Type:    frameSend,
		ID:      id,
		Key:     key.FullKey(),
		Payload: env.Payload,
		Dead:    env.Dead,
		Attrs:   args.DeviceContext,
	})
	if err != nil {
		c.take(id)
		return err
	}

	timer := time.NewTimer(c.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-timer.C:
		if c.take(id) == nil {
			// The read loop resolved concurrently; the outcome is in ack.
			return <-ack
		}
		return types.NewError(types.ErrDeadlineExceeded, "send acknowledgement timed out").
			WithKey(key.FullKey())
	}
}

// RecvAsync registers done for the envelope under key on the remote
// table. Context cancellation resolves done locally and tells the server
// to deregister its waiter; a result frame that crosses the cancel in
// flight is dropped.
func (c *Client) RecvAsync(ctx context.Context, key rendezvous.ParsedKey, args rendezvous.Args, done rendezvous.DoneCallback) {
	id := uuid.New().String()
	op := &pendingOp{fn: func(err error, sendArgs rendezvous.Args, env rendezvous.Envelope) {
		done(err, sendArgs, args, env)
	}}
	if err := c.register(id, op); err != nil {
		done(err, rendezvous.Args{}, args, rendezvous.Envelope{})
		return
	}

	err := c.write(frame{
		Type:  frameRecv,
		ID:    id,
		Key:   key.FullKey(),
		Attrs: args.DeviceContext,
	})
	if err != nil {
		if claimed := c.take(id); claimed != nil {
			claimed.fn(err, rendezvous.Args{}, rendezvous.Envelope{})
		}
		return
	}

	// The watcher is installed only after the recv frame is on the wire,
	// so its cancel frame can never overtake the registration it undoes.
	c.watch(ctx, id, op, key)
}

// watch arms the context watcher for a registered receive. The stop
// handle is written under the pending-map mutex while the op is still
// mapped; anyone who later takes the op observes it.
func (c *Client) watch(ctx context.Context, id string, op *pendingOp, key rendezvous.ParsedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[id] != op {
		return // already resolved
	}
	op.stop = context.AfterFunc(ctx, func() {
		claimed := c.take(id)
		if claimed == nil {
			return
		}
		if err := c.write(frame{Type: frameCancel, ID: id}); err != nil {
			c.logger.Debug("cancel frame not delivered", zap.String("id", id), zap.Error(err))
		}
		claimed.fn(waitError(ctx.Err(), key.FullKey()), rendezvous.Args{}, rendezvous.Envelope{})
	})
}

// StartAbort aborts the remote table and resolves everything pending on
// this client. cause must be non-nil.
func (c *Client) StartAbort(cause error) {
	if cause == nil {
		panic("rendezvous: StartAbort with nil cause")
	}
	st := types.NewError(types.ErrAborted, "rendezvous aborted").WithCause(cause)
	if err := c.write(frame{Type: frameAbort, Error: cause.Error()}); err != nil {
		c.logger.Warn("abort frame not delivered", zap.Error(err))
	}
	c.fail(st)
}

// Close shuts the connection down and resolves everything pending with
// UNAVAILABLE.
func (c *Client) Close() error {
	c.fail(types.NewError(types.ErrUnavailable, "bridge client closed"))
	return c.ws.Close(websocket.StatusNormalClosure, "client closing")
}

func (c *Client) readLoop() {
	for {
		var f frame
		if err := wsjson.Read(context.Background(), c.ws, &f); err != nil {
			c.fail(types.NewError(types.ErrUnavailable, "bridge connection lost").
				WithCause(err).WithRetryable(true))
			return
		}
		if f.Type != frameResult {
			c.logger.Warn("unexpected frame from server", zap.String("type", string(f.Type)))
			continue
		}
		op := c.take(f.ID)
		if op == nil {
			continue // resolved locally before the result landed
		}
		if op.stop != nil {
			op.stop()
		}
		if err := resultError(f); err != nil {
			op.fn(err, rendezvous.Args{}, rendezvous.Envelope{})
			continue
		}
		op.fn(nil, rendezvous.Args{DeviceContext: f.Attrs}, rendezvous.Envelope{
			Payload: f.Payload,
			Dead:    f.Dead,
		})
	}
}

// register parks an op under id unless the client is already down.
func (c *Client) register(id string, op *pendingOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down != nil {
		return c.down
	}
	c.pending[id] = op
	return nil
}

// take claims the op registered under id. The caller that gets a non-nil
// op owns its resolution.
func (c *Client) take(id string) *pendingOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := c.pending[id]
	delete(c.pending, id)
	return op
}

// fail marks the client down with st (first failure wins) and resolves
// everything pending with it.
func (c *Client) fail(st *types.Error) {
	c.mu.Lock()
	if c.down != nil {
		c.mu.Unlock()
		return
	}
	c.down = st
	drained := c.pending
	c.pending = make(map[string]*pendingOp)
	c.mu.Unlock()

	if len(drained) > 0 {
		c.logger.Warn("resolving pending exchanges", zap.Int("count", len(drained)), zap.Error(st))
	}
	for _, op := range drained {
		if op.stop != nil {
			op.stop()
		}
		op.fn(st, rendezvous.Args{}, rendezvous.Envelope{})
	}
}

func (c *Client) write(f frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		return types.NewError(types.ErrUnavailable, "bridge write failed").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

// waitError maps a context outcome onto the error taxonomy.
func waitError(err error, key string) *types.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrDeadlineExceeded, "receive deadline elapsed").
			WithKey(key).WithCause(err)
	}
	return types.NewError(types.ErrCancelled, "receive cancelled").
		WithKey(key).WithCause(err)
}
