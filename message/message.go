// Package message defines the envelopes exchanged between a glowdb client and the store.
//
// Every call is one Request frame answered by one Response frame carrying the same ID.
// The codec layer decides how the envelope is laid out on the wire (which version
// field name is used); these types only carry the data.
package message

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version tag carried by every envelope.
const Version = "2.0"

// Method names one of the store operations.
type Method string

const (
	MethodCreateTable    Method = "CreateTable"
	MethodDeleteTable    Method = "DeleteTable"
	MethodGetItem        Method = "GetItem"
	MethodPutItem        Method = "PutItem"
	MethodUpdateItem     Method = "UpdateItem"
	MethodDeleteItem     Method = "DeleteItem"
	MethodScan           Method = "Scan"
	MethodQuery          Method = "Query"
	MethodBatchGetItem   Method = "BatchGetItem"
	MethodBatchWriteItem Method = "BatchWriteItem"
)

// Methods lists every operation the store understands, in declaration order.
var Methods = []Method{
	MethodCreateTable,
	MethodDeleteTable,
	MethodGetItem,
	MethodPutItem,
	MethodUpdateItem,
	MethodDeleteItem,
	MethodScan,
	MethodQuery,
	MethodBatchGetItem,
	MethodBatchWriteItem,
}

// Valid reports whether m is one of the known operations.
func (m Method) Valid() bool {
	for _, known := range Methods {
		if m == known {
			return true
		}
	}
	return false
}

// ReadOnly reports whether m leaves the store unchanged, which makes it safe to repeat.
func (m Method) ReadOnly() bool {
	switch m {
	case MethodGetItem, MethodScan, MethodQuery, MethodBatchGetItem:
		return true
	}
	return false
}

// Request is the outbound envelope.
//
//   - Method names the operation.
//   - Params holds the already-serialized operation parameters (always a JSON object).
//   - ID is the call identifier the reply must echo back byte-for-byte.
type Request struct {
	Version string          `json:"jsonrpc"`
	Method  Method          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      string          `json:"id"`
}

// Response is the inbound envelope. Exactly one of Result and Error is meaningful:
// a non-nil Error marks a failed call, otherwise Result (possibly JSON null) is the value.
type Response struct {
	Version string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a protocol-level failure reported by the store for one call.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
