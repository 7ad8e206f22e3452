package misskey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ex-notebot/pkg/notebot"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
)

// ConnectionState is the lifecycle phase of the streaming connection.
type ConnectionState int32

const (
	// StateDisconnected means no socket is open.
	StateDisconnected ConnectionState = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the socket is open and subscribed.
	StateConnected
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	connectFrame = []byte(`{"type":"connect","body":{"channel":"main","id":"111111"}}`)
	pingFrame    = []byte(`{"type":"ping"}`)
)

const defaultReadLimit = 1 << 20

// Conn is one open streaming socket carrying text frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens streaming sockets.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebsocketDialer dials real sockets with coder/websocket.
type WebsocketDialer struct {
	// ReadLimit caps one inbound frame in bytes.
	ReadLimit int64
}

// Dial opens one websocket connection.
func (d WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	return websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}

	return data, nil
}

func (c websocketConn) Write(ctx context.Context, frame []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

func (c websocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// FrameHandler receives decoded events in arrival order.
type FrameHandler func(ctx context.Context, event *notebot.Event) error

type streamConfig struct {
	keepaliveInterval time.Duration
	reconnectDelay    time.Duration
	dialer            Dialer
	decoder           Decoder
	newTimer          func() backoff.Timer
	logger            *slog.Logger
	metrics           notebot.MetricsRecorder
}

// StreamOption mutates Stream configuration.
type StreamOption func(*streamConfig)

// WithKeepaliveInterval sets the ping period.
func WithKeepaliveInterval(interval time.Duration) StreamOption {
	return func(cfg *streamConfig) {
		if interval > 0 {
			cfg.keepaliveInterval = interval
		}
	}
}

// WithReconnectDelay sets the fixed wait after each close.
func WithReconnectDelay(delay time.Duration) StreamOption {
	return func(cfg *streamConfig) {
		if delay > 0 {
			cfg.reconnectDelay = delay
		}
	}
}

// WithDialer overrides the socket dialer.
func WithDialer(dialer Dialer) StreamOption {
	return func(cfg *streamConfig) {
		if dialer != nil {
			cfg.dialer = dialer
		}
	}
}

// WithReconnectTimer overrides the timer that paces reconnect waits. newTimer
// is called once per Run.
func WithReconnectTimer(newTimer func() backoff.Timer) StreamOption {
	return func(cfg *streamConfig) {
		if newTimer != nil {
			cfg.newTimer = newTimer
		}
	}
}

// timer returns nil for the library's real timer.
func (cfg streamConfig) timer() backoff.Timer {
	if cfg.newTimer == nil {
		return nil
	}

	return cfg.newTimer()
}

// WithStreamLogger configures structured logging.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(cfg *streamConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithStreamMetrics configures frame and reconnect counters.
func WithStreamMetrics(metrics notebot.MetricsRecorder) StreamOption {
	return func(cfg *streamConfig) {
		if metrics != nil {
			cfg.metrics = metrics
		}
	}
}

// Stream keeps one subscription to the main streaming channel alive.
//
// Every close, including a failed dial, is followed by exactly one reconnect
// attempt after the fixed reconnect delay.
type Stream struct {
	cfg      streamConfig
	endpoint string
	state    atomic.Int32
}

// NewStream creates a connection manager for one streaming endpoint.
func NewStream(endpoint string, options ...StreamOption) (*Stream, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("new misskey stream: empty endpoint")
	}

	cfg := streamConfig{
		keepaliveInterval: defaultKeepaliveInterval,
		reconnectDelay:    defaultReconnectDelay,
		dialer:            WebsocketDialer{},
		decoder:           NewDecoder(),
		logger:            slog.Default(),
		metrics:           notebot.NopMetrics{},
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Stream{cfg: cfg, endpoint: endpoint}, nil
}

// State returns the current connection phase.
func (s *Stream) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Run connects and reconnects until ctx is canceled. The retry loop is
// driven by a constant backoff bound to ctx, so every close waits exactly
// one reconnect delay and the wait ends early on cancellation.
func (s *Stream) Run(ctx context.Context, handle FrameHandler) error {
	if handle == nil {
		return fmt.Errorf("run misskey stream: nil handler")
	}

	connect := func() error {
		err := s.session(ctx, handle)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("session ended")
		}
		return err
	}
	reconnect := func(err error, delay time.Duration) {
		s.cfg.logger.Warn("misskey stream closed", "error", err)
		s.cfg.logger.Info("misskey stream reconnecting", "delay", delay)
		s.cfg.metrics.ObserveReconnect()
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.reconnectDelay), ctx)
	err := backoff.RetryNotifyWithTimer(connect, policy, reconnect, s.cfg.timer())
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("run misskey stream: %w", err)
	}

	return nil
}

func (s *Stream) session(ctx context.Context, handle FrameHandler) error {
	s.setState(StateConnecting)
	conn, err := s.cfg.dialer.Dial(ctx, s.endpoint)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			s.cfg.logger.Debug("misskey stream close", "error", closeErr)
		}
	}()

	if err := conn.Write(ctx, connectFrame); err != nil {
		return fmt.Errorf("subscribe main channel: %w", err)
	}
	s.setState(StateConnected)
	s.cfg.logger.Info("misskey stream connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	var keepalive sync.WaitGroup
	keepalive.Add(1)
	go func() {
		defer keepalive.Done()
		s.keepalive(sessionCtx, conn)
	}()
	defer keepalive.Wait()
	defer cancel()

	for {
		frame, err := conn.Read(sessionCtx)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		s.handleFrame(sessionCtx, frame, handle)
	}
}

func (s *Stream) keepalive(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.cfg.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, pingFrame); err != nil {
				if ctx.Err() == nil {
					s.cfg.logger.Warn("misskey stream ping failed", "error", err)
				}
				return
			}
		}
	}
}

func (s *Stream) handleFrame(ctx context.Context, frame []byte, handle FrameHandler) {
	event, err := s.decodeSafely(frame)
	if err != nil {
		s.cfg.metrics.ObserveFrame("malformed")
		s.cfg.logger.Warn("misskey stream dropped frame", "error", err)
		return
	}
	if event == nil {
		s.cfg.metrics.ObserveFrame("ignored")
		return
	}

	s.cfg.metrics.ObserveFrame("event")
	if err := handle(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		s.cfg.logger.Error("misskey stream handle event",
			"kind", event.Kind,
			"note_id", event.Note.ID,
			"error", err,
		)
	}
}

func (s *Stream) decodeSafely(frame []byte) (event *notebot.Event, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: decode panic: %v", ErrMalformedFrame, recovered)
		}
	}()

	return s.cfg.decoder.Decode(frame)
}

func (s *Stream) setState(state ConnectionState) {
	s.state.Store(int32(state))
}
