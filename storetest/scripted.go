package storetest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/eapache/queue"

	"glowdb/codec"
	"glowdb/message"
)

// Inbound is a request received in scripted mode, together with the connection it came
// from so the test can answer on it.
type Inbound struct {
	message.Request

	conn  *peerConn
	codec codec.Codec
}

// Params decodes the request parameters into v.
func (in *Inbound) Params(v any) error {
	return json.Unmarshal(in.Request.Params, v)
}

// Reply answers the request successfully with result.
func (in *Inbound) Reply(result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return in.Respond(&message.Response{Result: raw, ID: in.ID})
}

// Fail answers the request with a protocol error.
func (in *Inbound) Fail(code int, msg string) error {
	return in.Respond(&message.Response{Error: &message.Error{Code: code, Message: msg}, ID: in.ID})
}

// Respond writes resp as is; its ID need not match the request.
func (in *Inbound) Respond(resp *message.Response) error {
	frame, err := in.codec.Encode(resp)
	if err != nil {
		return err
	}
	return in.conn.write(frame)
}

// ReplyRaw writes an arbitrary frame on the request's connection.
func (in *Inbound) ReplyRaw(frame []byte) error {
	return in.conn.write(frame)
}

// inbox is an unbounded FIFO of scripted requests. The read loop must never block on a
// slow test, so pushes always succeed.
type inbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{q: queue.New(), signal: make(chan struct{}, 1)}
}

func (b *inbox) push(in *Inbound) {
	b.mu.Lock()
	b.q.Add(in)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) pop(ctx context.Context) (*Inbound, error) {
	for {
		b.mu.Lock()
		if b.q.Length() > 0 {
			in := b.q.Remove().(*Inbound)
			b.mu.Unlock()
			return in, nil
		}
		b.mu.Unlock()

		select {
		case <-b.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}
