package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"glowdb/protocol"
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyConnected = errors.New("transport: session already connected")
	ErrSessionClosed    = errors.New("transport: session closed")
)

// ConnError reports a failure to establish the connection. Dial failures are transient
// by nature, so ConnError is retryable.
type ConnError struct {
	Endpoint string
	Err      error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("transport: connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

func (e *ConnError) Retryable() bool { return true }

// SessionOptions tunes one physical connection.
type SessionOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration // 0 = no write deadline
	PingInterval     time.Duration // 0 = no heartbeat
	MaxFrameSize     int64
	Header           http.Header
	Logger           *zap.Logger
}

// DefaultSessionOptions returns the settings used when a client does not override them.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		MaxFrameSize:     protocol.MaxFrameSize,
	}
}

// Session owns one WebSocket connection to the store.
//
// Lifecycle: NewSession → OnMessage/OnClose → Connect → Send... → Close.
// A session is single-use: once closed (locally or by the peer) it cannot reconnect;
// the engine creates a new one instead.
type Session struct {
	endpoint string
	opts     SessionOptions
	log      *zap.Logger

	onMessage func([]byte)
	onClose   func(error)

	mu        sync.Mutex // guards conn and state transitions
	conn      *websocket.Conn
	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	sending sync.Mutex // one writer at a time: frames from concurrent calls must not interleave
}

// NewSession prepares a session for endpoint (e.g. "ws://localhost:8888") without dialing.
func NewSession(endpoint string, opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.MaxFrameSize
	}
	return &Session{
		endpoint: endpoint,
		opts:     opts,
		log:      opts.Logger.With(zap.String("endpoint", endpoint)),
		done:     make(chan struct{}),
	}
}

// OnMessage registers the single consumer of inbound text frames. Frames are delivered
// from one goroutine, in arrival order. Must be called before Connect.
func (s *Session) OnMessage(handler func(frame []byte)) {
	s.onMessage = handler
}

// OnClose registers the observer notified exactly once when the session ends.
// The error is ErrSessionClosed after a local Close, otherwise the read error.
// Must be called before Connect.
func (s *Session) OnClose(handler func(err error)) {
	s.onClose = handler
}

func (s *Session) Endpoint() string {
	return s.endpoint
}

// Connected reports whether the connection is open.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Connect dials the endpoint and returns once the WebSocket handshake completed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.conn != nil {
		return ErrAlreadyConnected
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, s.endpoint, s.opts.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return &ConnError{Endpoint: s.endpoint, Err: err}
	}
	conn.SetReadLimit(s.opts.MaxFrameSize)

	s.conn = conn
	s.connected.Store(true)
	s.log.Debug("session connected")

	go s.readLoop(conn)
	if s.opts.PingInterval > 0 {
		go s.heartbeatLoop(conn, s.opts.PingInterval)
	}
	return nil
}

// Send writes one text frame. It fails with ErrNotConnected when the session is not open.
func (s *Session) Send(frame []byte) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	s.sending.Lock()
	conn := s.conn
	if s.opts.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	err := protocol.Encode(conn, frame)
	s.sending.Unlock()

	if err != nil && !protocol.Recoverable(err) {
		// A failed write leaves the stream in an unknown state.
		s.shutdown(fmt.Errorf("write: %w", err))
	}
	return err
}

// Close releases the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.shutdown(ErrSessionClosed)
	return nil
}

// shutdown tears the session down once, whoever notices first (Close, the read loop or a
// failed write), and reports the cause to the close observer.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		s.connected.Store(false)
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			if errors.Is(cause, ErrSessionClosed) {
				// WriteControl may run concurrently with a Send stuck on a slow peer.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
			}
			conn.Close()
		}
		close(s.done)

		if errors.Is(cause, ErrSessionClosed) {
			s.log.Debug("session closed")
		} else {
			s.log.Warn("session lost", zap.Error(cause))
		}
		if s.onClose != nil {
			s.onClose(cause)
		}
	})
}

// readLoop is the only reader of the connection. WebSocket reads must be sequential,
// and a single reader is also what preserves arrival order for the consumer.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		frame, err := protocol.Decode(conn)
		if err != nil {
			if protocol.Recoverable(err) {
				s.log.Debug("skipping frame", zap.Error(err))
				continue
			}
			if s.closed.Load() {
				return
			}
			s.shutdown(err)
			return
		}
		if s.onMessage != nil {
			s.onMessage(frame)
		}
	}
}

// heartbeatLoop sends ping frames so that idle connections are kept open by proxies and
// a dead peer is detected by a failing write.
func (s *Session) heartbeatLoop(conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteMessage.
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval))
			if err != nil {
				s.shutdown(fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}
