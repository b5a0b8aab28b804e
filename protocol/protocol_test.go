package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/gorilla/websocket"
)

type frame struct {
	messageType int
	data        []byte
}

// memConn records written frames and replays them on read.
type memConn struct {
	frames []frame
}

func (c *memConn) WriteMessage(messageType int, data []byte) error {
	c.frames = append(c.frames, frame{messageType, append([]byte(nil), data...)})
	return nil
}

func (c *memConn) ReadMessage() (int, []byte, error) {
	if len(c.frames) == 0 {
		return 0, nil, io.EOF
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return f.messageType, f.data, nil
}

func TestEncodeDecode(t *testing.T) {
	conn := &memConn{}
	body := []byte(`{"jsonrpc":"2.0","method":"Scan","params":{},"id":"1"}`)

	if err := Encode(conn, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if conn.frames[0].messageType != websocket.TextMessage {
		t.Fatalf("expect text frame, got type %d", conn.frames[0].messageType)
	}

	decoded, err := Decode(conn)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decoded, body) {
		t.Errorf("Body mismatch: got %s, want %s", decoded, body)
	}

	if _, err := Decode(conn); !errors.Is(err, io.EOF) {
		t.Fatalf("expect io.EOF from drained connection, got %v", err)
	}
}

func TestEncodeRejectsEmptyAndOversized(t *testing.T) {
	conn := &memConn{}
	if err := Encode(conn, nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expect ErrEmptyFrame, got %v", err)
	}
	if err := Encode(conn, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expect ErrFrameTooLarge, got %v", err)
	}
	if len(conn.frames) != 0 {
		t.Fatalf("rejected frames must not be written, got %d", len(conn.frames))
	}
}

func TestDecodeSkipsBinaryFrame(t *testing.T) {
	conn := &memConn{frames: []frame{
		{websocket.BinaryMessage, []byte{0x01}},
		{websocket.TextMessage, []byte(`{"id":"1"}`)},
	}}

	_, err := Decode(conn)
	if !errors.Is(err, ErrNonTextFrame) || !Recoverable(err) {
		t.Fatalf("expect recoverable ErrNonTextFrame, got %v", err)
	}

	body, err := Decode(conn)
	if err != nil || string(body) != `{"id":"1"}` {
		t.Fatalf("expect next text frame, got %q, %v", body, err)
	}

	if Recoverable(io.EOF) {
		t.Fatal("connection errors are not recoverable")
	}
}
