package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"glowdb/document"
	"glowdb/message"
	"glowdb/middleware"
	"glowdb/registry"
	"glowdb/storetest"
	"glowdb/transport"
)

func nextRequest(t *testing.T, srv *storetest.Server) *storetest.Inbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	in, err := srv.Next(ctx)
	if err != nil {
		t.Fatalf("no request received: %v", err)
	}
	return in
}

func newMemoryClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	srv := storetest.NewServer(storetest.NewMemory())
	t.Cleanup(srv.Close)
	c := New(append([]Option{WithEndpoint(srv.URL())}, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutItemRoundTrip(t *testing.T) {
	srv := storetest.NewScripted()
	defer srv.Close()
	c := New(WithEndpoint(srv.URL()))
	defer c.Close()

	doc := document.New("")
	doc.Set("content", "hello")

	type outcome struct {
		doc *document.Document
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		saved, err := c.PutItem(context.Background(), "T", doc)
		done <- outcome{saved, err}
	}()

	in := nextRequest(t, srv)
	if in.Method != message.MethodPutItem {
		t.Fatalf("expect PutItem, got %s", in.Method)
	}
	var params struct {
		TableName string         `json:"table_name"`
		Document  map[string]any `json:"document"`
	}
	if err := in.Params(&params); err != nil {
		t.Fatal(err)
	}
	if params.TableName != "T" {
		t.Fatalf("expect table T, got %q", params.TableName)
	}
	if params.Document["content"] != "hello" || params.Document["id"] != doc.ID() {
		t.Fatalf("unexpected document on the wire %v", params.Document)
	}

	if err := in.Reply(map[string]string{"id": "abc", "content": "hello"}); err != nil {
		t.Fatal(err)
	}

	out := <-done
	if out.err != nil {
		t.Fatal(out.err)
	}
	if out.doc.ID() != "abc" {
		t.Fatalf("expect id abc, got %s", out.doc.ID())
	}
	if v, _ := out.doc.Get("content"); v != "hello" {
		t.Fatalf("expect content hello, got %v", v)
	}
}

func TestQueryDefaults(t *testing.T) {
	srv := storetest.NewScripted()
	defer srv.Close()
	c := New(WithEndpoint(srv.URL()))
	defer c.Close()

	errs := make(chan error, 2)
	go func() {
		_, err := c.Query(context.Background(), "T")
		errs <- err
	}()

	in := nextRequest(t, srv)
	var params map[string]json.RawMessage
	if err := in.Params(&params); err != nil {
		t.Fatal(err)
	}
	if string(params["limit"]) != "25" || string(params["offset"]) != "0" {
		t.Fatalf("expect limit 25 offset 0, got %s %s", params["limit"], params["offset"])
	}
	if _, ok := params["filters"]; ok {
		t.Fatal("filters must be omitted when none are given")
	}
	in.Reply([]any{})
	if err := <-errs; err != nil {
		t.Fatal(err)
	}

	go func() {
		_, err := c.Query(context.Background(), "T", WithLimit(5), WithOffset(10), WithFilter("kind", "a"))
		errs <- err
	}()
	in = nextRequest(t, srv)
	params = nil
	in.Params(&params)
	if string(params["limit"]) != "5" || string(params["offset"]) != "10" || string(params["filters"]) != `{"kind":"a"}` {
		t.Fatalf("unexpected params %v", params)
	}
	in.Reply(nil)
	if err := <-errs; err != nil {
		t.Fatal(err)
	}
}

func TestOperations(t *testing.T) {
	c := newMemoryClient(t, WithKind("note"))
	ctx := context.Background()

	if err := c.CreateTable(ctx, "notes"); err != nil {
		t.Fatal(err)
	}

	a := document.WithID("note", "a")
	a.Set("title", "first")
	a.Set("done", false)
	saved, err := c.PutItem(ctx, "notes", a)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID() != "a" || saved.Kind() != "note" {
		t.Fatalf("unexpected saved document %s/%s", saved.Kind(), saved.ID())
	}
	if v, ok := saved.Get("done"); !ok || v != false {
		t.Fatalf("falsy field lost: %v %v", v, ok)
	}

	got, err := c.GetItem(ctx, "notes", "a")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := got.Get("title"); v != "first" {
		t.Fatalf("expect title first, got %v", v)
	}

	updated, err := c.UpdateItem(ctx, "notes", "a", map[string]any{"title": "changed", "skip": document.Absent})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := updated.Get("title"); v != "changed" || updated.Has("skip") {
		t.Fatalf("unexpected update result %v", updated.Fields())
	}

	b := document.WithID("note", "b")
	b.Set("title", "second")
	c2 := document.New("note")
	c2.Set("title", "third")
	written, err := c.BatchWriteItem(ctx, "notes", []*document.Document{b, c2})
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 2 || written[1].ID() != c2.ID() {
		t.Fatalf("unexpected batch write result %d", len(written))
	}

	all, err := c.Scan(ctx, "notes")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID() != "a" || all[1].ID() != "b" {
		t.Fatalf("unexpected scan result %d", len(all))
	}

	page, err := c.Scan(ctx, "notes", WithLimit(1), WithOffset(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID() != "b" {
		t.Fatalf("unexpected page %v", page)
	}

	matched, err := c.Query(ctx, "notes", WithFilter("title", "second"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matched) != 1 || matched[0].ID() != "b" {
		t.Fatalf("unexpected query result %d", len(matched))
	}

	batch, err := c.BatchGetItem(ctx, "notes", []string{"b", "missing", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 2 || batch[0].ID() != "b" || batch[1].ID() != "a" {
		t.Fatalf("unexpected batch get result %d", len(batch))
	}

	if err := c.DeleteItem(ctx, "notes", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetItem(ctx, "notes", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect ErrNotFound after delete, got %v", err)
	}
	if _, err := c.UpdateItem(ctx, "notes", "a", map[string]any{"title": "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expect ErrNotFound updating a deleted item, got %v", err)
	}

	if err := c.DeleteTable(ctx, "notes"); err != nil {
		t.Fatal(err)
	}
}

func TestProtocolError(t *testing.T) {
	c := newMemoryClient(t)

	err := c.DeleteTable(context.Background(), "missing")
	var rpcErr *message.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expect *message.Error, got %v", err)
	}
	if rpcErr.Code != storetest.CodeTableNotFound {
		t.Fatalf("expect code %d, got %d", storetest.CodeTableNotFound, rpcErr.Code)
	}
}

func TestExplicitConnect(t *testing.T) {
	c := newMemoryClient(t, WithExplicitConnect())
	ctx := context.Background()

	if err := c.CreateTable(ctx, "T"); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expect ErrNotConnected, got %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.CreateTable(ctx, "T"); err != nil {
		t.Fatal(err)
	}
	if c.State() != transport.StateConnected {
		t.Fatalf("expect connected, got %s", c.State())
	}
}

func TestCloseFailsCalls(t *testing.T) {
	c := newMemoryClient(t)
	c.Close()

	if _, err := c.GetItem(context.Background(), "T", "a"); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
}

func TestRegistryResolution(t *testing.T) {
	srv1 := storetest.NewServer(storetest.NewMemory())
	defer srv1.Close()
	srv2 := storetest.NewServer(storetest.NewMemory())
	defer srv2.Close()

	reg := registry.NewMemoryRegistry()
	reg.Register(context.Background(), "glowdb", registry.Endpoint{URI: srv1.URL(), Weight: 1}, 10)
	reg.Register(context.Background(), "glowdb", registry.Endpoint{URI: srv2.URL(), Weight: 1}, 10)

	c := New(WithRegistry(reg, "glowdb", nil))
	defer c.Close()

	if err := c.CreateTable(context.Background(), "T"); err != nil {
		t.Fatal(err)
	}
	if n := srv1.Connections() + srv2.Connections(); n != 1 {
		t.Fatalf("expect exactly one connection across stores, got %d", n)
	}
}

func TestRegistryWithoutEndpoints(t *testing.T) {
	c := New(WithRegistry(registry.NewMemoryRegistry(), "glowdb", nil))
	defer c.Close()

	err := c.CreateTable(context.Background(), "T")
	if !errors.Is(err, registry.ErrNoEndpoints) {
		t.Fatalf("expect ErrNoEndpoints, got %v", err)
	}
}

func TestMiddlewareLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := newMemoryClient(t, WithMiddleware(
		middleware.LoggingMiddleware(zap.New(core)),
		middleware.TimeoutMiddleware(time.Second),
	))

	ctx := context.Background()
	c.CreateTable(ctx, "T")
	c.DeleteTable(ctx, "missing")

	if n := logs.FilterMessage("call").Len(); n != 1 {
		t.Fatalf("expect 1 successful call logged, got %d", n)
	}
	failed := logs.FilterMessage("call failed").All()
	if len(failed) != 1 || failed[0].ContextMap()["method"] != "DeleteTable" {
		t.Fatalf("unexpected failure log %v", failed)
	}
}
