package registry

import (
	"context"
	"testing"
	"time"
)

// newTestEtcd connects to a local etcd, skipping the test when none is running.
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry(EtcdOptions{Endpoints: []string{"localhost:2379"}, DialTimeout: time.Second})
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.Discover(ctx, "ping"); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)
	ctx := context.Background()
	service := "test-" + time.Now().Format("150405.000000")

	ep1 := Endpoint{URI: "ws://127.0.0.1:8001", Weight: 10, Version: "1.0"}
	ep2 := Endpoint{URI: "ws://127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := reg.Register(ctx, service, ep1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, service, ep2, 10); err != nil {
		t.Fatal(err)
	}

	endpoints, err := reg.Discover(ctx, service)
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("expect 2 endpoints, got %d", len(endpoints))
	}

	if err := reg.Deregister(ctx, service, ep1.URI); err != nil {
		t.Fatal(err)
	}

	endpoints, err = reg.Discover(ctx, service)
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 1 || endpoints[0].URI != ep2.URI {
		t.Fatalf("expect only %s after deregister, got %+v", ep2.URI, endpoints)
	}

	reg.Deregister(ctx, service, ep2.URI)
}

func TestEtcdWatch(t *testing.T) {
	reg := newTestEtcd(t)
	service := "watch-" + time.Now().Format("150405.000000")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	updates := reg.Watch(ctx, service)
	// Give the watch a moment to be established before the first write.
	time.Sleep(100 * time.Millisecond)

	ep := Endpoint{URI: "ws://127.0.0.1:9001", Weight: 1}
	if err := reg.Register(ctx, service, ep, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), service, ep.URI)

	select {
	case endpoints := <-updates:
		if len(endpoints) != 1 || endpoints[0] != ep {
			t.Fatalf("unexpected update %+v", endpoints)
		}
	case <-ctx.Done():
		t.Fatal("no watch update received")
	}
}
