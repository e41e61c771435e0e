package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/openfeeds/marketgate/internal/schema"
)

// StreamState models the lifecycle of one stream subscription.
type StreamState string

const (
	// StateInit is the state before Run has been called.
	StateInit StreamState = "INIT"
	// StateConnecting marks an in-flight dial attempt.
	StateConnecting StreamState = "CONNECTING"
	// StateLive marks an established connection delivering frames.
	StateLive StreamState = "LIVE"
	// StateReconnecting marks the backoff wait after a transport failure.
	StateReconnecting StreamState = "RECONNECTING"
	// StateClosed is terminal and only reachable via explicit shutdown.
	StateClosed StreamState = "CLOSED"
)

// minReconnectDelay is the floor preventing hot-loop reconnects.
const minReconnectDelay = 250 * time.Millisecond

// Conn abstracts the subset of websocket behaviour the stream needs.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer establishes a websocket connection to the given URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer dials using coder/websocket.
func WebsocketDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "shutdown")
}

// StreamConfig identifies and tunes one stream subscription.
type StreamConfig struct {
	BaseURL        string
	Symbol         string
	Kind           schema.StreamKind
	Interval       string
	ReconnectDelay time.Duration
	Dialer         Dialer
}

// StreamName derives the exchange stream identifier for the subscription.
func (c StreamConfig) StreamName() string {
	symbol := strings.ToLower(strings.TrimSpace(c.Symbol))
	switch c.Kind {
	case schema.StreamKindCandle:
		return symbol + "@kline_" + c.Interval
	case schema.StreamKindTrade:
		return symbol + "@aggTrade"
	case schema.StreamKindDepth:
		return symbol + "@depth@100ms"
	case schema.StreamKindTicker:
		return symbol + "@bookTicker"
	case schema.StreamKindFunding:
		return symbol + "@markPrice"
	default:
		return symbol
	}
}

// URL builds the full websocket endpoint for the subscription.
func (c StreamConfig) URL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	base = strings.TrimSuffix(base, "/stream")
	return base + "/ws/" + c.StreamName()
}

// StreamConn owns a single long-lived socket for one (symbol, kind) pair and
// drives its connection state machine. Each stream reconnects independently;
// a failure never affects sibling streams.
type StreamConn struct {
	cfg    StreamConfig
	ctx    context.Context
	cancel context.CancelFunc

	frames chan []byte
	errs   chan error

	mu    sync.Mutex
	state StreamState
	conn  Conn

	closeOnce sync.Once
}

// NewStreamConn prepares a stream subscription. Run must be called to start it.
func NewStreamConn(ctx context.Context, cfg StreamConfig) *StreamConn {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer
	}
	if cfg.ReconnectDelay < minReconnectDelay {
		cfg.ReconnectDelay = minReconnectDelay
	}
	streamCtx, cancel := context.WithCancel(ctx)
	return &StreamConn{
		cfg:    cfg,
		ctx:    streamCtx,
		cancel: cancel,
		frames: make(chan []byte, 64),
		errs:   make(chan error, 4),
		state:  StateInit,
	}
}

// Frames returns the channel delivering raw text frames.
func (s *StreamConn) Frames() <-chan []byte { return s.frames }

// Errors returns the channel surfacing transport errors. Sends never block.
func (s *StreamConn) Errors() <-chan error { return s.errs }

// State reports the current connection state.
func (s *StreamConn) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the connect/read/reconnect loop until the context is cancelled
// or Close is called. It blocks and always leaves the stream CLOSED.
func (s *StreamConn) Run() {
	defer close(s.frames)
	defer s.setState(StateClosed)

	// Constant reconnect delay: multiplier 1 keeps the interval fixed while
	// the library still applies jitter and enforces the floor.
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.ReconnectDelay
	policy.Multiplier = 1.0
	policy.RandomizationFactor = 0.2

	for {
		if s.ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		conn, err := s.cfg.Dialer(s.ctx, s.cfg.URL())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.reportError(fmt.Errorf("stream %s: %w", s.cfg.StreamName(), err))
			if !s.waitReconnect(policy.NextBackOff()) {
				return
			}
			continue
		}

		s.setConn(conn)
		s.setState(StateLive)
		policy.Reset()

		err = s.readLoop(conn)
		s.setConn(nil)
		_ = conn.Close()
		if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.reportError(fmt.Errorf("stream %s read: %w", s.cfg.StreamName(), err))
		}
		if !s.waitReconnect(policy.NextBackOff()) {
			return
		}
	}
}

// Close terminates the stream permanently.
func (s *StreamConn) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	})
}

func (s *StreamConn) readLoop(conn Conn) error {
	for {
		data, err := conn.Read(s.ctx)
		if err != nil {
			return err
		}
		select {
		case <-s.ctx.Done():
			return context.Canceled
		case s.frames <- data:
		}
	}
}

func (s *StreamConn) waitReconnect(delay time.Duration) bool {
	if delay < minReconnectDelay {
		delay = minReconnectDelay
	}
	s.setState(StateReconnecting)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *StreamConn) setState(state StreamState) {
	s.mu.Lock()
	// CLOSED is terminal.
	if s.state != StateClosed {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *StreamConn) setConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *StreamConn) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case <-s.ctx.Done():
	case s.errs <- err:
	default:
	}
}
