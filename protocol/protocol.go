// Package protocol implements the frame layer of the glowdb wire protocol.
//
// The store speaks over a WebSocket connection. Each envelope travels as exactly one
// text frame holding one JSON object, so the frame boundary is the message boundary
// and no length prefix is needed:
//
//	client ──text frame {"jsonrpc":"2.0","method":...,"id":"7f.."}──→ store
//	client ←─text frame {"jsonrpc":"2.0","result":...,"id":"7f.."}─── store
//
// Control frames (ping/pong/close) are handled by the WebSocket library; binary
// frames are not part of the protocol and are rejected by Decode.
package protocol

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// MaxFrameSize bounds a single envelope in either direction.
const MaxFrameSize = 16 * 1024 * 1024

var (
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
	ErrEmptyFrame    = errors.New("protocol: empty frame")
	ErrNonTextFrame  = errors.New("protocol: non-text frame")
)

// FrameWriter is the write half of a WebSocket connection (*websocket.Conn satisfies it).
type FrameWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// FrameReader is the read half of a WebSocket connection (*websocket.Conn satisfies it).
type FrameReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// Encode writes body as a single text frame.
// The caller must hold a write lock if multiple goroutines share the same writer:
// WebSocket connections support one concurrent writer only.
func Encode(w FrameWriter, body []byte) error {
	if len(body) == 0 {
		return ErrEmptyFrame
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	return w.WriteMessage(websocket.TextMessage, body)
}

// Decode reads the next data frame from r.
// A binary or empty frame yields ErrNonTextFrame / ErrEmptyFrame; the connection itself
// stays usable, so callers may skip the frame and keep reading. Any other error comes
// from the connection and is final.
func Decode(r FrameReader) ([]byte, error) {
	messageType, body, err := r.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: type %d", ErrNonTextFrame, messageType)
	}
	if len(body) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	return body, nil
}

// Recoverable reports whether err concerns a single frame rather than the connection.
func Recoverable(err error) bool {
	return errors.Is(err, ErrNonTextFrame) || errors.Is(err, ErrEmptyFrame) || errors.Is(err, ErrFrameTooLarge)
}
