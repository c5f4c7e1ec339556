package cache

import (
	"context"
	"net"
	"reflect"
	"testing"
	"time"

	"chtbx/models"

	"github.com/alicebob/miniredis/v2"
)

func setupTestCache(t *testing.T) (*PresenceCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewPresenceCache(client), mr
}

func TestPresenceKey(t *testing.T) {
	if got := presenceKey("alice"); got != "presence:alice" {
		t.Errorf("Expected %q, got %q", "presence:alice", got)
	}
}

func TestOnlineOffline(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	if err := cache.Online(ctx, "alice", models.Presence{IP: "10.0.0.1", Port: 4000}); err != nil {
		t.Fatalf("Online failed: %v", err)
	}
	if got := mr.HGet("presence:alice", "ip"); got != "10.0.0.1" {
		t.Errorf("Expected ip %q, got %q", "10.0.0.1", got)
	}
	if got := mr.HGet("presence:alice", "port"); got != "4000" {
		t.Errorf("Expected port %q, got %q", "4000", got)
	}
	if ok, err := mr.IsMember("online:users", "alice"); err != nil || !ok {
		t.Errorf("expected alice in online set, got %v, %v", ok, err)
	}

	if err := cache.Offline(ctx, "alice"); err != nil {
		t.Fatalf("Offline failed: %v", err)
	}
	if mr.Exists("presence:alice") {
		t.Errorf("expected presence hash removed")
	}
	// the set holds no members, so redis drops the key
	if mr.Exists("online:users") {
		t.Errorf("expected alice removed from online set")
	}
}

func TestOfflineKeepsOthers(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	cache.Online(ctx, "alice", models.Presence{IP: "10.0.0.1", Port: 4000})
	cache.Online(ctx, "bob", models.Presence{IP: "10.0.0.2", Port: 5000})
	if err := cache.Offline(ctx, "alice"); err != nil {
		t.Fatalf("Offline failed: %v", err)
	}

	members, err := mr.Members("online:users")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if !reflect.DeepEqual(members, []string{"bob"}) {
		t.Errorf("Expected [bob], got %v", members)
	}
	if got := mr.HGet("presence:bob", "port"); got != "5000" {
		t.Errorf("Expected port %q, got %q", "5000", got)
	}
}

func TestReset(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	cache.Online(ctx, "alice", models.Presence{IP: "10.0.0.1", Port: 4000})
	cache.Online(ctx, "bob", models.Presence{IP: "10.0.0.2", Port: 5000})
	mr.Set("unrelated", "kept")

	if err := cache.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	for _, key := range []string{"presence:alice", "presence:bob", "online:users"} {
		if mr.Exists(key) {
			t.Errorf("expected %s removed", key)
		}
	}
	if !mr.Exists("unrelated") {
		t.Errorf("expected unrelated key to survive reset")
	}

	// resetting an empty cache is fine
	if err := cache.Reset(ctx); err != nil {
		t.Errorf("Reset on empty cache failed: %v", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	// grab a free port and release it so nothing is listening there
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	client, err := Connect(context.Background(), Config{Addr: addr, Timeout: 500 * time.Millisecond})
	if err == nil {
		client.Close()
		t.Fatalf("expected ping to fail against %s", addr)
	}
}
