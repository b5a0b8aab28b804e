package codec

import (
	"encoding/json"

	"glowdb/message"
)

// JSONCodec writes requests with the "jsonrpc" version field.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		return json.Marshal(&message.Request{
			Version: message.Version,
			Method:  msg.Method,
			Params:  params(msg.Params),
			ID:      msg.ID,
		})
	case *message.Response:
		return encodeResponse(msg)
	}
	return nil, ErrUnsupportedType
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return decodeEnvelope(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSONRPC
}
