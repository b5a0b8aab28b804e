package storetest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"glowdb/document"
	"glowdb/message"
)

// Error codes returned by the in-memory store, in the server-defined JSON-RPC range.
const (
	CodeTableExists   = -32001
	CodeTableNotFound = -32002
)

// Memory is a Handler keeping tables in memory. Missing items are answered with a null
// result, as the real store does.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*table
}

type table struct {
	order []string
	items map[string]*document.Document
}

func (tb *table) put(doc *document.Document) {
	if _, ok := tb.items[doc.ID()]; !ok {
		tb.order = append(tb.order, doc.ID())
	}
	tb.items[doc.ID()] = doc
}

func (tb *table) remove(id string) {
	if _, ok := tb.items[id]; !ok {
		return
	}
	delete(tb.items, id)
	for i, k := range tb.order {
		if k == id {
			tb.order = append(tb.order[:i], tb.order[i+1:]...)
			break
		}
	}
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*table)}
}

// Len returns the number of items in a table, or -1 when it does not exist.
func (m *Memory) Len(tableName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	tb, ok := m.tables[tableName]
	if !ok {
		return -1
	}
	return len(tb.order)
}

type params struct {
	TableName string                     `json:"table_name"`
	ID        string                     `json:"id"`
	Document  json.RawMessage            `json:"document"`
	Updates   map[string]json.RawMessage `json:"updates"`
	Limit     *int                       `json:"limit"`
	Offset    int                        `json:"offset"`
	Filters   map[string]json.RawMessage `json:"filters"`
	IDs       []string                   `json:"ids"`
	Items     []json.RawMessage          `json:"items"`
}

func (m *Memory) Handle(ctx context.Context, req *message.Request) *message.Response {
	if !req.Method.Valid() {
		return failure(message.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
	var p params
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return failure(message.CodeInvalidParams, err.Error())
	}
	if p.TableName == "" {
		return failure(message.CodeInvalidParams, "table_name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Method == message.MethodCreateTable {
		if _, ok := m.tables[p.TableName]; ok {
			return failure(CodeTableExists, fmt.Sprintf("table %q already exists", p.TableName))
		}
		m.tables[p.TableName] = &table{items: make(map[string]*document.Document)}
		return success(nil)
	}

	tb, ok := m.tables[p.TableName]
	if !ok {
		return failure(CodeTableNotFound, fmt.Sprintf("table %q not found", p.TableName))
	}

	switch req.Method {
	case message.MethodDeleteTable:
		delete(m.tables, p.TableName)
		return success(nil)

	case message.MethodGetItem:
		return success(tb.items[p.ID])

	case message.MethodPutItem:
		doc, err := document.Parse("", p.Document)
		if err != nil {
			return failure(message.CodeInvalidParams, err.Error())
		}
		tb.put(doc)
		return success(doc)

	case message.MethodUpdateItem:
		doc, ok := tb.items[p.ID]
		if !ok {
			return success(nil)
		}
		updated := doc.Clone()
		for k, raw := range p.Updates {
			v, err := decodeValue(raw)
			if err != nil {
				return failure(message.CodeInvalidParams, err.Error())
			}
			if err := updated.Set(k, v); err != nil {
				return failure(message.CodeInvalidParams, err.Error())
			}
		}
		tb.put(updated)
		return success(updated)

	case message.MethodDeleteItem:
		tb.remove(p.ID)
		return success(nil)

	case message.MethodScan, message.MethodQuery:
		limit := 25
		if p.Limit != nil {
			limit = *p.Limit
		}
		var matched []*document.Document
		for _, id := range tb.order {
			if doc := tb.items[id]; matches(doc, p.Filters) {
				matched = append(matched, doc)
			}
		}
		return success(page(matched, limit, p.Offset))

	case message.MethodBatchGetItem:
		found := []*document.Document{}
		for _, id := range p.IDs {
			if doc, ok := tb.items[id]; ok {
				found = append(found, doc)
			}
		}
		return success(found)

	case message.MethodBatchWriteItem:
		written := make([]*document.Document, 0, len(p.Items))
		for _, raw := range p.Items {
			doc, err := document.Parse("", raw)
			if err != nil {
				return failure(message.CodeInvalidParams, err.Error())
			}
			tb.put(doc)
			written = append(written, doc)
		}
		return success(written)
	}
	return failure(message.CodeMethodNotFound, fmt.Sprintf("unsupported method %q", req.Method))
}

func page(docs []*document.Document, limit, offset int) []*document.Document {
	out := []*document.Document{}
	if offset < 0 || offset >= len(docs) || limit <= 0 {
		return out
	}
	end := min(offset+limit, len(docs))
	return append(out, docs[offset:end]...)
}

// matches compares each filter with the field's JSON encoding.
func matches(doc *document.Document, filters map[string]json.RawMessage) bool {
	for k, want := range filters {
		v, ok := doc.Get(k)
		if !ok {
			return false
		}
		got, err := json.Marshal(v)
		if err != nil || !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b []byte) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func success(result any) *message.Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return failure(message.CodeInternalError, err.Error())
	}
	return &message.Response{Result: raw}
}

func failure(code int, msg string) *message.Response {
	return &message.Response{Error: &message.Error{Code: code, Message: msg}}
}
