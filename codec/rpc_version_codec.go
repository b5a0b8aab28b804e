package codec

import (
	"encoding/json"

	"glowdb/message"
)

// RPCVersionCodec writes requests with the "rpc_version" version field, as expected
// by deployments fronted by the browser client.
type RPCVersionCodec struct{}

type rpcVersionRequest struct {
	RPCVersion string          `json:"rpc_version"`
	Method     message.Method  `json:"method"`
	Params     json.RawMessage `json:"params"`
	ID         string          `json:"id"`
}

func (c *RPCVersionCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		return json.Marshal(&rpcVersionRequest{
			RPCVersion: message.Version,
			Method:     msg.Method,
			Params:     params(msg.Params),
			ID:         msg.ID,
		})
	case *message.Response:
		return encodeResponse(msg)
	}
	return nil, ErrUnsupportedType
}

func (c *RPCVersionCodec) Decode(data []byte, v any) error {
	return decodeEnvelope(data, v)
}

func (c *RPCVersionCodec) Type() CodecType {
	return CodecTypeRPCVersion
}
