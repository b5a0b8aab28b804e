// Package storetest provides an in-process glowdb peer for tests.
//
// A Server accepts WebSocket connections on a loopback httptest listener and speaks the
// store's envelope protocol. It runs in one of two modes:
//
//   - handler mode (NewServer): every request is answered by a Handler, typically the
//     in-memory store returned by NewMemory.
//   - scripted mode (NewScripted): requests are queued and the test pulls them with Next,
//     then answers (or not) in whatever order and shape it wants.
//
// Request processing pipeline in handler mode:
//
//	Upgrade → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → codec.Decode → Handler.Handle → codec.Encode → write reply under the conn's write lock
package storetest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"glowdb/codec"
	"glowdb/message"
	"glowdb/protocol"
)

// Handler answers one request. Returning nil sends no reply at all.
type Handler interface {
	Handle(ctx context.Context, req *message.Request) *message.Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

func (f HandlerFunc) Handle(ctx context.Context, req *message.Request) *message.Response {
	return f(ctx, req)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger routes server logs to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// Server is the in-process peer.
type Server struct {
	handler  Handler // nil in scripted mode
	httpSrv  *httptest.Server
	upgrader websocket.Upgrader
	codec    codec.Codec
	log      *zap.Logger

	wg       sync.WaitGroup // tracks in-flight requests for graceful shutdown
	shutdown atomic.Bool

	mu    sync.Mutex
	conns map[*peerConn]struct{}

	inbox *inbox
}

// NewServer starts a peer answering every request with h.
func NewServer(h Handler, opts ...Option) *Server {
	return start(h, opts)
}

// NewScripted starts a peer that queues requests for the test to answer.
func NewScripted(opts ...Option) *Server {
	return start(nil, opts)
}

func start(h Handler, opts []Option) *Server {
	s := &Server{
		handler: h,
		codec:   codec.GetCodec(codec.CodecTypeJSONRPC),
		log:     zap.NewNop(),
		conns:   make(map[*peerConn]struct{}),
		inbox:   newInbox(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// URL is the ws:// endpoint clients should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http")
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	pc := &peerConn{conn: conn}
	s.mu.Lock()
	s.conns[pc] = struct{}{}
	s.mu.Unlock()

	s.handleConn(pc)
}

// handleConn reads frames from one connection sequentially and dispatches each request.
func (s *Server) handleConn(pc *peerConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, pc)
		s.mu.Unlock()
		pc.conn.Close()
	}()

	for {
		frame, err := protocol.Decode(pc.conn)
		if err != nil {
			if protocol.Recoverable(err) {
				continue
			}
			return
		}

		var req message.Request
		if err := s.codec.Decode(frame, &req); err != nil {
			s.log.Debug("dropping undecodable request", zap.Error(err))
			continue
		}

		if s.handler == nil {
			s.inbox.push(&Inbound{Request: req, conn: pc, codec: s.codec})
			continue
		}
		// Without `go`, a slow handler would hold up every later request on this conn.
		s.wg.Add(1)
		go s.handleRequest(&req, pc)
	}
}

func (s *Server) handleRequest(req *message.Request, pc *peerConn) {
	defer s.wg.Done()

	resp := s.handler.Handle(context.Background(), req)
	if resp == nil {
		return
	}
	resp.ID = req.ID

	frame, err := s.codec.Encode(resp)
	if err != nil {
		s.log.Error("failed to encode reply", zap.Error(err))
		return
	}
	if err := pc.write(frame); err != nil {
		s.log.Debug("failed to write reply", zap.Error(err))
	}
}

// Next returns the next queued request (scripted mode), waiting until one arrives or ctx ends.
func (s *Server) Next(ctx context.Context) (*Inbound, error) {
	return s.inbox.pop(ctx)
}

// Queued returns the number of requests received but not yet pulled with Next.
func (s *Server) Queued() int {
	return s.inbox.len()
}

// Broadcast writes a raw frame to every open connection.
func (s *Server) Broadcast(frame []byte) error {
	var errs []error
	for _, pc := range s.snapshot() {
		errs = append(errs, pc.write(frame))
	}
	return errors.Join(errs...)
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every open connection abruptly, without a close frame, the way
// a crashing peer or a broken network would.
func (s *Server) DropConnections() {
	for _, pc := range s.snapshot() {
		pc.conn.UnderlyingConn().Close()
	}
}

func (s *Server) snapshot() []*peerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*peerConn, 0, len(s.conns))
	for pc := range s.conns {
		conns = append(conns, pc)
	}
	return conns
}

// Shutdown stops accepting connections, drops the open ones and waits for in-flight
// handler calls to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	s.DropConnections()
	s.httpSrv.CloseClientConnections()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.httpSrv.Close()
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("storetest: timeout waiting for ongoing requests to finish")
	}
}

// Close is Shutdown with a short grace period, convenient for defer and t.Cleanup.
func (s *Server) Close() {
	s.Shutdown(3 * time.Second)
}

// peerConn serializes writes on one connection: replies come from many goroutines.
type peerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (pc *peerConn) write(frame []byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return protocol.Encode(pc.conn, frame)
}
