// Package transport implements the client side of the glowdb connection: the WebSocket
// Session and, on top of it, the ClientTransport that multiplexes calls.
//
// ClientTransport lets many goroutines run calls concurrently over one connection.
// Each call gets a unique ID, and the session's read loop routes every reply to the
// caller waiting on that ID:
//
//	goroutine-1 ──Call(id=a1)──┐
//	goroutine-2 ──Call(id=b7)──┼──→ single WebSocket ──→ store
//	goroutine-3 ──Call(id=c3)──┘
//
//	readLoop:  ←── reply(id=b7) → pending[b7] → goroutine-2 wakes up
//
// Replies may arrive in any order. A reply whose ID is not pending (never sent, already
// answered, or abandoned by a caller whose context expired) is dropped.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"glowdb/codec"
	"glowdb/message"
)

var (
	// ErrConnectionLost fails every call still pending when the connection drops.
	ErrConnectionLost = errors.New("transport: connection lost")
	// ErrClosed fails calls made on, or pending at, an explicitly closed transport.
	ErrClosed = errors.New("transport: client closed")
)

// State is the connection lifecycle of a ClientTransport.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// Resolver picks the endpoint to dial for the next connection.
type Resolver func(ctx context.Context) (string, error)

// StaticResolver always returns endpoint.
func StaticResolver(endpoint string) Resolver {
	return func(context.Context) (string, error) { return endpoint, nil }
}

// Options configures a ClientTransport.
type Options struct {
	Resolver    Resolver
	Codec       codec.CodecType
	LazyConnect bool          // connect on the first call instead of requiring Connect
	DialTimeout time.Duration // bounds one connect attempt, independent of the caller's context
	Session     SessionOptions
	Logger      *zap.Logger
}

// Call is one dispatched request and, once settled, its outcome.
// Done receives the Call exactly once.
type Call struct {
	ID     string
	Method message.Method
	Result json.RawMessage // valid when Error is nil
	Error  error
	Done   chan *Call

	session *Session
}

func (c *Call) done() {
	c.Done <- c
}

// Stats counts engine events since creation.
type Stats struct {
	Sent      uint64 // requests written to the wire
	Matched   uint64 // replies that settled a pending call
	Unmatched uint64 // replies dropped because their id was not pending
	Malformed uint64 // inbound frames that did not decode as an envelope
	Swept     uint64 // pending calls failed by a disconnect or close
}

// ClientTransport is the correlation engine: it owns the session, the connection state
// and the table of pending calls.
type ClientTransport struct {
	opts  Options
	codec codec.Codec
	log   *zap.Logger

	mu      sync.Mutex // guards state, session, closed
	state   State
	session *Session
	closed  bool

	connecting singleflight.Group // at most one connect in flight

	pendingMu sync.Mutex
	pending   map[string]*Call // only this type reads or writes it

	sent, matched, unmatched, malformed, swept atomic.Uint64
}

// NewClientTransport creates a disconnected transport. Nothing is dialed until Connect,
// or until the first call when LazyConnect is set.
func NewClientTransport(opts Options) *ClientTransport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	return &ClientTransport{
		opts:    opts,
		codec:   codec.GetCodec(opts.Codec),
		log:     opts.Logger,
		pending: make(map[string]*Call),
	}
}

// State returns the current connection state.
func (t *ClientTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect opens the connection if it is not already open. Concurrent callers share a
// single attempt.
func (t *ClientTransport) Connect(ctx context.Context) error {
	_, err := t.connect(ctx)
	return err
}

func (t *ClientTransport) connect(ctx context.Context) (*Session, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.state == StateConnected {
		s := t.session
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	ch := t.connecting.DoChan("connect", func() (any, error) {
		// The attempt is shared, so it must not die with the first caller's context.
		dialCtx := context.WithoutCancel(ctx)
		if t.opts.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(dialCtx, t.opts.DialTimeout)
			defer cancel()
		}
		return t.dial(dialCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *ClientTransport) dial(ctx context.Context) (*Session, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.state == StateConnected {
		s := t.session
		t.mu.Unlock()
		return s, nil
	}
	t.state = StateConnecting
	t.mu.Unlock()

	s, err := t.openSession(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = StateDisconnected
		t.log.Warn("connect failed", zap.Error(err))
		return nil, err
	}
	if t.closed {
		// Close raced with the dial.
		go s.Close()
		return nil, ErrClosed
	}
	if !s.Connected() {
		// The peer hung up before we could publish the session.
		t.state = StateDisconnected
		return nil, fmt.Errorf("%w: session ended during connect", ErrConnectionLost)
	}
	t.session = s
	t.state = StateConnected
	t.log.Info("connected", zap.String("endpoint", s.Endpoint()))
	return s, nil
}

func (t *ClientTransport) openSession(ctx context.Context) (*Session, error) {
	resolve := t.opts.Resolver
	if resolve == nil {
		return nil, errors.New("transport: no endpoint resolver configured")
	}
	endpoint, err := resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve endpoint: %w", err)
	}

	s := NewSession(endpoint, t.opts.Session)
	s.OnMessage(t.handleFrame)
	s.OnClose(func(err error) { t.handleSessionClosed(s, err) })
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Go dispatches a call and returns without waiting for the reply. The returned Call's
// Done channel receives it once settled. Failures before dispatch (not connected, encode
// or write errors) are delivered the same way, already settled.
func (t *ClientTransport) Go(ctx context.Context, method message.Method, params any) *Call {
	call := &Call{
		ID:     uuid.NewString(),
		Method: method,
		Done:   make(chan *Call, 1), // buffered so the read loop never blocks on a caller
	}
	if err := t.send(ctx, call, params); err != nil {
		call.Error = err
		call.done()
	}
	return call
}

// Call dispatches a call and waits for its outcome. When ctx ends first the call is
// abandoned: its pending entry is removed and ctx.Err() is returned.
func (t *ClientTransport) Call(ctx context.Context, method message.Method, params any) (json.RawMessage, error) {
	call := t.Go(ctx, method, params)
	select {
	case <-call.Done:
		return call.Result, call.Error
	case <-ctx.Done():
		if t.forget(call.ID) {
			return nil, ctx.Err()
		}
		// Settled concurrently; the outcome is already on its way.
		<-call.Done
		return call.Result, call.Error
	}
}

func (t *ClientTransport) send(ctx context.Context, call *Call, params any) error {
	session, err := t.currentSession(ctx)
	if err != nil {
		return err
	}

	// Step 1: Serialize params
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("transport: encode %s params: %w", call.Method, err)
	}

	// Step 2: Wrap in an envelope and encode with the configured codec
	frame, err := t.codec.Encode(&message.Request{
		Version: message.Version,
		Method:  call.Method,
		Params:  raw,
		ID:      call.ID,
	})
	if err != nil {
		return err
	}

	// Step 3: Register the pending call BEFORE writing (the reply may beat the return of Send)
	call.session = session
	t.pendingMu.Lock()
	t.pending[call.ID] = call
	t.pendingMu.Unlock()

	// Step 4: Write the frame
	if err := session.Send(frame); err != nil {
		if !t.forget(call.ID) {
			// The session died during the write and the sweep already settled the call.
			return nil
		}
		if errors.Is(err, ErrNotConnected) {
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		return err
	}
	t.sent.Add(1)
	return nil
}

// currentSession returns the open session, connecting first when LazyConnect is set.
func (t *ClientTransport) currentSession(ctx context.Context) (*Session, error) {
	t.mu.Lock()
	closed, state, s := t.closed, t.state, t.session
	t.mu.Unlock()

	switch {
	case closed:
		return nil, ErrClosed
	case state == StateConnected:
		return s, nil
	case t.opts.LazyConnect:
		return t.connect(ctx)
	}
	return nil, ErrNotConnected
}

// forget removes a pending call without settling it. It reports whether the call was
// still pending, i.e. whether the caller now owns its outcome.
func (t *ClientTransport) forget(id string) bool {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

// take removes and returns a pending call. Whoever takes a call settles it, which is
// what makes settlement happen at most once.
func (t *ClientTransport) take(id string) *Call {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	call, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return call
}

// handleFrame runs on the session's read loop for every inbound frame, in arrival order.
func (t *ClientTransport) handleFrame(frame []byte) {
	var resp message.Response
	if err := t.codec.Decode(frame, &resp); err != nil {
		t.malformed.Add(1)
		id := codec.PeekID(frame)
		call := t.take(id)
		if call == nil {
			t.log.Warn("dropping malformed frame", zap.Error(err), zap.Int("size", len(frame)))
			return
		}
		t.log.Warn("malformed reply", zap.String("id", id), zap.Error(err))
		call.Error = &message.Error{Code: message.CodeParseError, Message: err.Error()}
		call.done()
		return
	}

	call := t.take(resp.ID)
	if call == nil {
		t.unmatched.Add(1)
		t.log.Debug("dropping unmatched reply", zap.String("id", resp.ID))
		return
	}
	t.matched.Add(1)

	if resp.Error != nil {
		call.Error = resp.Error
	} else {
		call.Result = resp.Result
	}
	call.done()
}

// handleSessionClosed runs once per session when it ends, from whichever goroutine ended it.
func (t *ClientTransport) handleSessionClosed(s *Session, cause error) {
	t.mu.Lock()
	if t.session == s {
		t.session = nil
		t.state = StateDisconnected
	}
	t.mu.Unlock()

	err := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	if errors.Is(cause, ErrSessionClosed) {
		err = ErrClosed
	}
	t.sweep(s, err)
}

// sweep fails every call pending on session s.
func (t *ClientTransport) sweep(s *Session, err error) {
	t.pendingMu.Lock()
	var failed []*Call
	for id, call := range t.pending {
		if call.session == s {
			delete(t.pending, id)
			failed = append(failed, call)
		}
	}
	t.pendingMu.Unlock()

	if len(failed) > 0 {
		t.log.Info("failing pending calls", zap.Int("count", len(failed)), zap.Error(err))
	}
	for _, call := range failed {
		t.swept.Add(1)
		call.Error = err
		call.done()
	}
}

// Pending returns the number of calls awaiting a reply.
func (t *ClientTransport) Pending() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// Stats returns a snapshot of the engine counters.
func (t *ClientTransport) Stats() Stats {
	return Stats{
		Sent:      t.sent.Load(),
		Matched:   t.matched.Load(),
		Unmatched: t.unmatched.Load(),
		Malformed: t.malformed.Load(),
		Swept:     t.swept.Load(),
	}
}

// Disconnect closes the current connection, failing its pending calls with ErrClosed.
// The transport stays usable: with LazyConnect the next call reconnects.
func (t *ClientTransport) Disconnect() error {
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()
	if s != nil {
		// Session.Close runs handleSessionClosed synchronously, so every pending call is
		// settled before Disconnect returns.
		s.Close()
	}
	return nil
}

// Close disconnects and makes every later call fail with ErrClosed. Idempotent.
func (t *ClientTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.Disconnect()
}
