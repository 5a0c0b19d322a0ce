package kvstore

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMemoryNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(0)

	if err := store.Set(ctx, "n1", "k", "v1"); err != nil {
		t.Fatalf("set n1: %v", err)
	}
	if err := store.Set(ctx, "n2", "k", "v2"); err != nil {
		t.Fatalf("set n2: %v", err)
	}

	v1, ok, err := store.Get(ctx, "n1", "k")
	if err != nil || !ok || v1 != "v1" {
		t.Fatalf("get n1/k = %q, %v, %v", v1, ok, err)
	}
	v2, ok, err := store.Get(ctx, "n2", "k")
	if err != nil || !ok || v2 != "v2" {
		t.Fatalf("get n2/k = %q, %v, %v", v2, ok, err)
	}

	if err := store.Delete(ctx, "n1", "k"); err != nil {
		t.Fatalf("delete n1/k: %v", err)
	}

	if _, ok, _ := store.Get(ctx, "n1", "k"); ok {
		t.Fatalf("expected n1/k to be gone after delete")
	}
	if v2, ok, _ := store.Get(ctx, "n2", "k"); !ok || v2 != "v2" {
		t.Fatalf("delete n1/k must not touch n2/k, got %q, %v", v2, ok)
	}
}

func TestSQLiteNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	store, err := OpenSQLite(ctx, Config{Kind: "sqlite", ConnStr: path})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	if err := store.Set(ctx, "n1", "k", "v1"); err != nil {
		t.Fatalf("set n1: %v", err)
	}
	if err := store.Set(ctx, "n2", "k", "v2"); err != nil {
		t.Fatalf("set n2: %v", err)
	}

	v1, ok, err := store.Get(ctx, "n1", "k")
	if err != nil || !ok || v1 != "v1" {
		t.Fatalf("get n1/k = %q, %v, %v", v1, ok, err)
	}

	if err := store.Delete(ctx, "n1", "k"); err != nil {
		t.Fatalf("delete n1/k: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "n1", "k"); ok {
		t.Fatalf("expected n1/k to be gone after delete")
	}
	if v2, ok, _ := store.Get(ctx, "n2", "k"); !ok || v2 != "v2" {
		t.Fatalf("delete n1/k must not touch n2/k, got %q, %v", v2, ok)
	}

	namespaces, err := store.ListNamespaces(ctx)
	if err != nil {
		t.Fatalf("list namespaces: %v", err)
	}
	if len(namespaces) != 2 {
		t.Fatalf("expected 2 namespaces, got %v", namespaces)
	}
}
