// Package codec turns envelopes into JSON text frames and back.
//
// Two deployments of the store disagree on the name of the outbound version field
// ("jsonrpc" vs "rpc_version"). Each client picks exactly one codec at construction,
// so one engine never mixes the two layouts. Replies always use "jsonrpc"; decoding
// accepts either name.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"glowdb/message"
)

type CodecType byte

const (
	CodecTypeJSONRPC    CodecType = 0 // {"jsonrpc": "2.0", ...}
	CodecTypeRPCVersion CodecType = 1 // {"rpc_version": "2.0", ...}
)

var (
	ErrMissingID       = errors.New("codec: envelope has no id")
	ErrVersionMismatch = errors.New("codec: unsupported protocol version")
	ErrUnsupportedType = errors.New("codec: value must be *message.Request or *message.Response")
)

type Codec interface {
	Encode(v any) ([]byte, error)    // v is *message.Request or *message.Response
	Decode(data []byte, v any) error // v is *message.Request or *message.Response
	Type() CodecType
}

// GetCodec returns the codec for codecType, falling back to JSON-RPC for unknown values.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeRPCVersion {
		return &RPCVersionCodec{}
	}
	return &JSONCodec{}
}

// ParseType maps a version field name ("jsonrpc" or "rpc_version") to its codec type.
func ParseType(field string) (CodecType, error) {
	switch field {
	case "", "jsonrpc":
		return CodecTypeJSONRPC, nil
	case "rpc_version":
		return CodecTypeRPCVersion, nil
	}
	return 0, fmt.Errorf("codec: unknown version field %q", field)
}

// envelope is the union of every field either side may put on the wire.
type envelope struct {
	JSONRPC    string          `json:"jsonrpc,omitempty"`
	RPCVersion string          `json:"rpc_version,omitempty"`
	Method     message.Method  `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *message.Error  `json:"error,omitempty"`
	ID         string          `json:"id"`
}

func (e *envelope) version() string {
	if e.JSONRPC != "" {
		return e.JSONRPC
	}
	return e.RPCVersion
}

// decodeEnvelope is shared by both codecs: inbound frames are read leniently.
func decodeEnvelope(data []byte, v any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.ID == "" {
		return ErrMissingID
	}
	if version := env.version(); version != "" && version != message.Version {
		return fmt.Errorf("%w: %q", ErrVersionMismatch, version)
	}

	switch msg := v.(type) {
	case *message.Request:
		msg.Version = message.Version
		msg.Method = env.Method
		msg.Params = env.Params
		msg.ID = env.ID
	case *message.Response:
		msg.Version = message.Version
		msg.Result = env.Result
		msg.Error = env.Error
		msg.ID = env.ID
	default:
		return ErrUnsupportedType
	}
	return nil
}

// PeekID returns the "id" of a frame that Decode rejected, or "" when the frame has none.
// It lets the receiver fail the one call a broken reply was meant for.
func PeekID(data []byte) string {
	var env struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(data, &env) != nil {
		return ""
	}
	return env.ID
}

// encodeResponse is shared by both codecs: replies always carry "jsonrpc".
func encodeResponse(resp *message.Response) ([]byte, error) {
	out := *resp
	if out.Version == "" {
		out.Version = message.Version
	}
	if out.Error == nil && out.Result == nil {
		out.Result = json.RawMessage("null")
	}
	return json.Marshal(&out)
}

func params(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("{}")
	}
	return p
}
