package transport

import (
	"context"
	"errors"
	"glowdb/storetest"
	"testing"
	"time"
)

func TestSessionSendReceiveInOrder(t *testing.T) {
	srv := storetest.NewScripted()
	defer srv.Close()

	received := make(chan string, 10)
	s := NewSession(srv.URL(), DefaultSessionOptions())
	s.OnMessage(func(frame []byte) { received <- string(frame) })

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Send([]byte(`{"jsonrpc":"2.0","method":"Scan","params":{},"id":"s1"}`)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	in, err := srv.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if in.ID != "s1" || in.Method != "Scan" {
		t.Fatalf("unexpected request %+v", in.Request)
	}

	frames := []string{`{"id":"1"}`, `{"id":"2"}`, `{"id":"3"}`}
	for _, f := range frames {
		if err := in.ReplyRaw([]byte(f)); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range frames {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("expect %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSessionSendRequiresConnection(t *testing.T) {
	s := NewSession("ws://127.0.0.1:1", DefaultSessionOptions())
	if err := s.Send([]byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expect ErrNotConnected, got %v", err)
	}
}

func TestSessionConnectFailure(t *testing.T) {
	s := NewSession("ws://127.0.0.1:1", DefaultSessionOptions())

	err := s.Connect(context.Background())
	var connErr *ConnError
	if !errors.As(err, &connErr) {
		t.Fatalf("expect *ConnError, got %v", err)
	}
	if !connErr.Retryable() || connErr.Endpoint != "ws://127.0.0.1:1" {
		t.Fatalf("unexpected ConnError %+v", connErr)
	}
	if s.Connected() {
		t.Fatal("session must not report connected after a failed dial")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	srv := storetest.NewScripted()
	defer srv.Close()

	closes := make(chan error, 2)
	s := NewSession(srv.URL(), DefaultSessionOptions())
	s.OnClose(func(err error) { closes <- err })
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.Close()
	s.Close()

	if err := <-closes; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expect ErrSessionClosed, got %v", err)
	}
	select {
	case err := <-closes:
		t.Fatalf("close observer fired twice: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := s.Send([]byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expect ErrNotConnected after close, got %v", err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expect ErrSessionClosed on reconnect, got %v", err)
	}
}

func TestSessionReportsPeerLoss(t *testing.T) {
	srv := storetest.NewScripted()
	defer srv.Close()

	closes := make(chan error, 1)
	s := NewSession(srv.URL(), DefaultSessionOptions())
	s.OnClose(func(err error) { closes <- err })
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expect ErrAlreadyConnected, got %v", err)
	}

	waitFor(t, func() bool { return srv.Connections() == 1 })
	srv.DropConnections()

	select {
	case err := <-closes:
		if err == nil || errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expect a read error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer loss was not reported")
	}
	<-s.Done()
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close must not wait for a writer stuck on a peer that stopped reading.
func TestSessionCloseWhileWriteBlocked(t *testing.T) {
	srv := storetest.NewScripted()
	defer srv.Close()

	opts := DefaultSessionOptions()
	opts.WriteTimeout = 0
	closes := make(chan error, 1)
	s := NewSession(srv.URL(), opts)
	s.OnClose(func(err error) { closes <- err })
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Hold the write lock the way a blocked Send would.
	s.sending.Lock()
	defer s.sending.Unlock()

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind the writer")
	}
	if err := <-closes; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expect ErrSessionClosed, got %v", err)
	}
}
