package client

import (
	"context"
	"testing"
	"time"

	"glowdb/document"
	"glowdb/loadbalance"
	"glowdb/registry"
	"glowdb/storetest"
)

// Client → etcd discovery → balancer → WebSocket → store. Needs etcd on 127.0.0.1:2379.
func TestIntegrationWithEtcd(t *testing.T) {
	reg, err := registry.NewEtcdRegistry(registry.EtcdOptions{
		Endpoints:   []string{"127.0.0.1:2379"},
		DialTimeout: time.Second,
	})
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := storetest.NewServer(storetest.NewMemory())
	defer srv.Close()

	service := "glowdb-it-" + time.Now().Format("150405.000000")
	if err := reg.Register(ctx, service, registry.Endpoint{URI: srv.URL(), Weight: 10}, 10); err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	defer reg.Deregister(context.Background(), service, srv.URL())

	c := New(WithRegistry(reg, service, &loadbalance.WeightedRandomBalancer{}), WithKind("it"))
	defer c.Close()

	if err := c.CreateTable(ctx, "T"); err != nil {
		t.Fatal(err)
	}
	doc := document.New("it")
	doc.Set("content", "hello")
	saved, err := c.PutItem(ctx, "T", doc)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.GetItem(ctx, "T", saved.ID())
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := got.Get("content"); v != "hello" {
		t.Fatalf("expect content hello, got %v", v)
	}
}
