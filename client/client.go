// Package client is the typed glowdb API: one method per store operation, documents in
// and out, over a single multiplexed connection.
//
//	c := client.New(client.WithEndpoint("ws://localhost:8888"), client.WithKind("note"))
//	defer c.Close()
//
//	doc := document.New("note")
//	doc.Set("content", "hello")
//	saved, err := c.PutItem(ctx, "notes", doc)
//
// A Client is safe for concurrent use.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"glowdb/document"
	"glowdb/loadbalance"
	"glowdb/message"
	"glowdb/middleware"
	"glowdb/registry"
	"glowdb/transport"
)

// ErrNotFound is returned when the store answers an item operation with no document.
var ErrNotFound = errors.New("glowdb: item not found")

// Default page for Scan and Query.
const (
	DefaultLimit  = 25
	DefaultOffset = 0
)

type Client struct {
	kind      string
	transport *transport.ClientTransport
	invoke    middleware.Invoker
	cache     *registry.Cache // nil without a registry
	log       *zap.Logger
}

// New creates a client. No connection is made until Connect or, unless
// WithExplicitConnect is given, the first call.
func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{kind: o.kind, log: o.logger}

	resolve := transport.StaticResolver(o.endpoint)
	if o.registry != nil {
		bal := o.balancer
		if bal == nil {
			bal = &loadbalance.RoundRobinBalancer{}
		}
		c.cache = registry.NewCache(o.registry, o.service, o.logger)
		resolve = c.resolver(o.service, bal)
	}

	c.transport = transport.NewClientTransport(transport.Options{
		Resolver:    resolve,
		Codec:       o.codec,
		LazyConnect: !o.explicit,
		DialTimeout: o.dialTimeout,
		Session:     o.session,
		Logger:      o.logger,
	})
	c.invoke = middleware.Chain(o.middlewares...)(c.transport.Call)
	return c
}

func (c *Client) resolver(service string, bal loadbalance.Balancer) transport.Resolver {
	return func(ctx context.Context) (string, error) {
		endpoints, err := c.cache.Endpoints(ctx)
		if err != nil {
			return "", err
		}
		ep, err := bal.Pick(endpoints)
		if err != nil {
			return "", fmt.Errorf("%s: %w", service, err)
		}
		c.log.Debug("picked endpoint", zap.String("uri", ep.URI), zap.String("balancer", bal.Name()))
		return ep.URI, nil
	}
}

// Connect opens the connection. It is required with WithExplicitConnect and optional
// otherwise.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Close drops the connection and fails every call still waiting for a reply.
func (c *Client) Close() error {
	err := c.transport.Close()
	if c.cache != nil {
		c.cache.Close()
	}
	return err
}

func (c *Client) State() transport.State {
	return c.transport.State()
}

func (c *Client) Stats() transport.Stats {
	return c.transport.Stats()
}

type tableParams struct {
	TableName string `json:"table_name"`
}

type itemParams struct {
	TableName string `json:"table_name"`
	ID        string `json:"id"`
}

type putParams struct {
	TableName string             `json:"table_name"`
	Document  *document.Document `json:"document"`
}

type updateParams struct {
	TableName string         `json:"table_name"`
	ID        string         `json:"id"`
	Updates   map[string]any `json:"updates"`
}

type pageParams struct {
	TableName string         `json:"table_name"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
	Filters   map[string]any `json:"filters,omitempty"`
}

type batchGetParams struct {
	TableName string   `json:"table_name"`
	IDs       []string `json:"ids"`
}

type batchWriteParams struct {
	TableName string               `json:"table_name"`
	Items     []*document.Document `json:"items"`
}

func (c *Client) CreateTable(ctx context.Context, table string) error {
	_, err := c.invoke(ctx, message.MethodCreateTable, tableParams{TableName: table})
	return err
}

func (c *Client) DeleteTable(ctx context.Context, table string) error {
	_, err := c.invoke(ctx, message.MethodDeleteTable, tableParams{TableName: table})
	return err
}

// GetItem fetches one document. It returns ErrNotFound when the id is unknown.
func (c *Client) GetItem(ctx context.Context, table, id string) (*document.Document, error) {
	raw, err := c.invoke(ctx, message.MethodGetItem, itemParams{TableName: table, ID: id})
	if err != nil {
		return nil, err
	}
	return c.one(raw)
}

// PutItem stores doc, replacing any document with the same id, and returns the stored
// document as the store reports it.
func (c *Client) PutItem(ctx context.Context, table string, doc *document.Document) (*document.Document, error) {
	if doc == nil {
		return nil, errors.New("glowdb: PutItem requires a document")
	}
	raw, err := c.invoke(ctx, message.MethodPutItem, putParams{TableName: table, Document: doc})
	if err != nil {
		return nil, err
	}
	return c.one(raw)
}

// UpdateItem sets the given fields on an existing document and returns the result.
// Entries holding document.Absent are not sent.
func (c *Client) UpdateItem(ctx context.Context, table, id string, updates map[string]any) (*document.Document, error) {
	fields := make(map[string]any, len(updates))
	for k, v := range updates {
		if v != document.Absent {
			fields[k] = v
		}
	}
	raw, err := c.invoke(ctx, message.MethodUpdateItem, updateParams{TableName: table, ID: id, Updates: fields})
	if err != nil {
		return nil, err
	}
	return c.one(raw)
}

func (c *Client) DeleteItem(ctx context.Context, table, id string) error {
	_, err := c.invoke(ctx, message.MethodDeleteItem, itemParams{TableName: table, ID: id})
	return err
}

// Scan returns one page of the table. Filters are ignored; use Query to filter.
func (c *Client) Scan(ctx context.Context, table string, opts ...PageOption) ([]*document.Document, error) {
	p := newPage(table, opts)
	p.Filters = nil
	raw, err := c.invoke(ctx, message.MethodScan, p)
	if err != nil {
		return nil, err
	}
	return c.many(raw)
}

// Query returns one page of the documents matching every filter.
func (c *Client) Query(ctx context.Context, table string, opts ...PageOption) ([]*document.Document, error) {
	raw, err := c.invoke(ctx, message.MethodQuery, newPage(table, opts))
	if err != nil {
		return nil, err
	}
	return c.many(raw)
}

// BatchGetItem fetches several documents at once. Unknown ids are left out of the result.
func (c *Client) BatchGetItem(ctx context.Context, table string, ids []string) ([]*document.Document, error) {
	if ids == nil {
		ids = []string{}
	}
	raw, err := c.invoke(ctx, message.MethodBatchGetItem, batchGetParams{TableName: table, IDs: ids})
	if err != nil {
		return nil, err
	}
	return c.many(raw)
}

// BatchWriteItem stores several documents at once and returns them as stored.
func (c *Client) BatchWriteItem(ctx context.Context, table string, items []*document.Document) ([]*document.Document, error) {
	if items == nil {
		items = []*document.Document{}
	}
	for i, doc := range items {
		if doc == nil {
			return nil, fmt.Errorf("glowdb: BatchWriteItem item %d is nil", i)
		}
	}
	raw, err := c.invoke(ctx, message.MethodBatchWriteItem, batchWriteParams{TableName: table, Items: items})
	if err != nil {
		return nil, err
	}
	return c.many(raw)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func (c *Client) one(raw json.RawMessage) (*document.Document, error) {
	if isNull(raw) {
		return nil, ErrNotFound
	}
	return document.Parse(c.kind, raw)
}

func (c *Client) many(raw json.RawMessage) ([]*document.Document, error) {
	if isNull(raw) {
		return []*document.Document{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("glowdb: expected a list of documents: %w", err)
	}
	docs := make([]*document.Document, 0, len(items))
	for i, item := range items {
		doc, err := document.Parse(c.kind, item)
		if err != nil {
			return nil, fmt.Errorf("glowdb: document %d: %w", i, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
