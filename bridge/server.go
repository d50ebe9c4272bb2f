package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/BaSui01/rendezvous"
	"github.com/BaSui01/rendezvous/internal/ctxkeys"
	"github.com/BaSui01/rendezvous/types"
)

// DefaultPath is the endpoint Server registers its WebSocket handler on.
const DefaultPath = "/v1/channels"

// ServerConfig tunes the bridge endpoint.
type ServerConfig struct {
	// AuthSecret enables HS256 bearer-token authentication when non-empty.
	// Connections without a valid token are rejected before the upgrade.
	AuthSecret string `yaml:"auth_secret" json:"-"`

	// MaxConns caps concurrent TCP connections accepted by Serve.
	// Zero means unlimited. Has no effect when the handler is mounted on
	// an external http.Server.
	MaxConns int `yaml:"max_conns" json:"max_conns"`

	// FramesPerSecond rate-limits inbound frames per connection. Zero
	// means unlimited.
	FramesPerSecond float64 `yaml:"frames_per_second" json:"frames_per_second"`

	// FrameBurst is the burst allowance of the frame limiter.
	FrameBurst int `yaml:"frame_burst" json:"frame_burst"`

	// MaxFrameBytes caps a single inbound frame. Zero applies the
	// default of 16 MiB, sized so a 4 MiB payload slice survives base64.
	MaxFrameBytes int64 `yaml:"max_frame_bytes" json:"max_frame_bytes"`

	// WriteTimeout bounds each outbound result write.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultServerConfig returns the defaults Serve runs with.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		FrameBurst:    64,
		MaxFrameBytes: 16 << 20,
		WriteTimeout:  10 * time.Second,
	}
}

// KeyCheck vets a parsed key before the table sees it. The server runs
// it for every send and recv frame; a non-nil error resolves that frame
// with the error instead of touching the table. The registry's
// ValidateKey satisfies the signature, which is how daemons reject keys
// minted by restarted endpoints.
type KeyCheck func(ctx context.Context, key rendezvous.ParsedKey) error

// Server exposes a rendezvous.Table to remote clients over WebSocket.
// It implements http.Handler and can be mounted on any mux; Serve runs a
// standalone listener with the configured connection cap.
type Server struct {
	cfg      ServerConfig
	table    rendezvous.Table
	logger   *zap.Logger
	metrics  FrameMetrics
	keyCheck KeyCheck

	mu     sync.Mutex
	conns  map[*serverConn]struct{}
	closed bool
}

// NewServer wraps table in a bridge endpoint.
func NewServer(cfg ServerConfig, table rendezvous.Table, logger *zap.Logger) (*Server, error) {
	if table == nil {
		return nil, types.NewError(types.ErrInvalidArgument, "nil table")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 16 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		cfg:     cfg,
		table:   table,
		logger:  logger.With(zap.String("component", "bridge_server")),
		metrics: nopMetrics{},
		conns:   make(map[*serverConn]struct{}),
	}, nil
}

// SetMetrics attaches a traffic collector. Call it before the first
// connection is accepted; it is not synchronized against ServeHTTP.
func (s *Server) SetMetrics(m FrameMetrics) {
	if m != nil {
		s.metrics = m
	}
}

// SetKeyCheck attaches a key vet hook, typically the registry's
// incarnation check. Same caveat as SetMetrics: attach before serving.
func (s *Server) SetKeyCheck(check KeyCheck) {
	s.keyCheck = check
}

func (s *Server) vetKey(ctx context.Context, key rendezvous.ParsedKey) error {
	if s.keyCheck == nil {
		return nil
	}
	return s.keyCheck(ctx, key)
}

// Serve accepts bridge connections on l until l is closed. MaxConns is
// enforced at the listener.
func (s *Server) Serve(l net.Listener) error {
	if s.cfg.MaxConns > 0 {
		l = netutil.LimitListener(l, s.cfg.MaxConns)
	}
	mux := http.NewServeMux()
	mux.Handle(DefaultPath, s)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.Serve(l)
}

// ServeHTTP upgrades the request and speaks the frame protocol until the
// peer disconnects. The context handed to the table for each receive
// carries the connection id and, when auth is on, the authenticated peer
// (see internal/ctxkeys).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer, err := s.authorize(r)
	if err != nil {
		s.logger.Debug("rejected connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		s.metrics.AuthFailed()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"unauthorized","message":"invalid or missing bearer token"}`)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.cfg.MaxFrameBytes)

	connID := uuid.NewString()
	logger := s.logger.With(
		zap.String("remote", r.RemoteAddr),
		zap.String("conn_id", connID),
	)
	if peer != "" {
		logger = logger.With(zap.String("peer", peer))
	}

	conn := &serverConn{
		srv:     s,
		ws:      ws,
		remote:  r.RemoteAddr,
		logger:  logger,
		waiters: make(map[string]context.CancelFunc),
	}
	if s.cfg.FramesPerSecond > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(s.cfg.FramesPerSecond), max(s.cfg.FrameBurst, 1))
	}

	if !s.track(conn) {
		ws.Close(websocket.StatusGoingAway, "server closing")
		return
	}
	defer s.untrack(conn)

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	ctx := ctxkeys.WithConnID(r.Context(), connID)
	if peer != "" {
		ctx = ctxkeys.WithPeer(ctx, peer)
	}
	conn.run(ctx)
}

// Close tears down every live connection and makes the handler reject
// new ones. The backing table is left untouched; aborting it is the
// owner's call.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "server closing")
	}
	return nil
}

func (s *Server) track(c *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// authorize validates the bearer token when auth is enabled and returns
// the token's subject as the authenticated peer.
func (s *Server) authorize(r *http.Request) (string, error) {
	if s.cfg.AuthSecret == "" {
		return "", nil
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", types.NewError(types.ErrInvalidArgument, "missing bearer token")
	}
	token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "),
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != "HS256" {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return []byte(s.cfg.AuthSecret), nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return "", types.NewError(types.ErrInvalidArgument, "invalid token").WithCause(err)
	}
	peer, _ := token.Claims.GetSubject()
	return peer, nil
}

// Token mints an HS256 bearer token a client can present to a server
// configured with the same secret.
func Token(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// serverConn is one client connection: a read loop dispatching frames
// against the table, a write mutex serializing result frames, and the
// cancel funcs of the connection's outstanding waiters.
type serverConn struct {
	srv     *Server
	ws      *websocket.Conn
	remote  string
	logger  *zap.Logger
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]context.CancelFunc
}

func (c *serverConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.logger.Info("bridge connection open")
	defer c.logger.Info("bridge connection closed")

	for {
		var f frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && ctx.Err() == nil {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}
		c.srv.metrics.FrameReceived(string(f.Type))
		c.dispatch(ctx, f)
	}
}

func (c *serverConn) dispatch(ctx context.Context, f frame) {
	switch f.Type {
	case frameSend:
		c.handleSend(ctx, f)
	case frameRecv:
		c.handleRecv(ctx, f)
	case frameCancel:
		c.cancelWaiter(f.ID)
	case frameAbort:
		cause := f.Error
		if cause == "" {
			cause = "aborted by peer " + c.remote
		}
		c.srv.table.StartAbort(types.NewError(types.ErrAborted, cause))
	default:
		c.logger.Warn("unknown frame type", zap.String("type", string(f.Type)))
	}
}

func (c *serverConn) handleSend(ctx context.Context, f frame) {
	key, err := rendezvous.ParseKey(f.Key)
	if err == nil {
		err = c.srv.vetKey(ctx, key)
	}
	if err == nil {
		err = c.srv.table.Send(key, rendezvous.Args{DeviceContext: f.Attrs}, rendezvous.Envelope{
			Payload: f.Payload,
			Dead:    f.Dead,
		})
	}
	c.srv.metrics.ExchangeResolved("send", outcomeOf(err, f.Dead), len(f.Payload))
	c.write(ctx, resultFrame(f.ID, err, rendezvous.Args{}, rendezvous.Envelope{}))
}

func (c *serverConn) handleRecv(ctx context.Context, f frame) {
	key, err := rendezvous.ParseKey(f.Key)
	if err == nil {
		err = c.srv.vetKey(ctx, key)
	}
	if err != nil {
		c.write(ctx, resultFrame(f.ID, err, rendezvous.Args{}, rendezvous.Envelope{}))
		return
	}

	// Each waiter gets its own context so a cancel frame unhooks exactly
	// one registration. The callback owns the cleanup; it fires exactly
	// once no matter which way the waiter resolves.
	wctx, cancel := context.WithCancel(ctx)
	id := f.ID

	c.mu.Lock()
	if _, dup := c.waiters[id]; dup {
		c.mu.Unlock()
		cancel()
		c.write(ctx, resultFrame(id, types.Errorf(types.ErrDuplicateExchange,
			"correlation id %q already has a waiter", id), rendezvous.Args{}, rendezvous.Envelope{}))
		return
	}
	c.waiters[id] = cancel
	c.mu.Unlock()

	c.srv.table.RecvAsync(wctx, key, rendezvous.Args{DeviceContext: f.Attrs},
		func(err error, sendArgs, _ rendezvous.Args, env rendezvous.Envelope) {
			c.mu.Lock()
			delete(c.waiters, id)
			c.mu.Unlock()
			cancel()
			c.srv.metrics.ExchangeResolved("recv", outcomeOf(err, env.Dead), len(env.Payload))
			c.write(ctx, resultFrame(id, err, sendArgs, env))
		})
}

func (c *serverConn) cancelWaiter(id string) {
	c.mu.Lock()
	cancel := c.waiters[id]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *serverConn) write(ctx context.Context, f frame) {
	wctx, cancel := context.WithTimeout(ctx, c.srv.cfg.WriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsjson.Write(wctx, c.ws, f); err != nil {
		c.logger.Debug("result write failed", zap.String("id", f.ID), zap.Error(err))
		return
	}
	c.srv.metrics.FrameSent(string(f.Type))
}
