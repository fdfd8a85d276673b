package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolvePathProjectScope(t *testing.T) {
	root := t.TempDir()

	path, err := ResolvePath(ScopeProject, root)
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}
	if !strings.HasPrefix(path, root) {
		t.Errorf("path %q should live under %q", path, root)
	}
	if filepath.Base(filepath.Dir(path)) != storeDirName {
		t.Errorf("path %q should be inside %s", path, storeDirName)
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "knowledge_") || !strings.HasSuffix(base, ".db") {
		t.Errorf("unexpected filename %q", base)
	}
}

func TestResolvePathErrors(t *testing.T) {
	if _, err := ResolvePath(ScopeProject, ""); err == nil {
		t.Error("project scope without a root should fail")
	}
	if _, err := ResolvePath(Scope("nonsense"), ""); err == nil {
		t.Error("unknown scope should fail")
	}
}

func TestSanitizeUsername(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice", "alice"},
		{`DOMAIN\bob`, "bob"},
		{"name with space", "name_with_space"},
		{"dot.ted", "dot_ted"},
	}
	for _, tt := range tests {
		if got := sanitizeUsername(tt.in); got != tt.want {
			t.Errorf("sanitizeUsername(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestManagerCachesPerPath(t *testing.T) {
	manager := NewStoreManager(DefaultConfig())
	t.Cleanup(func() { _ = manager.CloseAll() })
	ctx := context.Background()

	root := t.TempDir()
	first, err := manager.Open(ctx, ScopeProject, root)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	second, err := manager.Open(ctx, ScopeProject, root)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if first != second {
		t.Error("same scope should return the same store instance")
	}

	other, err := manager.Open(ctx, ScopeProject, t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if other == first {
		t.Error("different roots should get different stores")
	}
}

func TestManagerIsAvailable(t *testing.T) {
	manager := NewStoreManager(DefaultConfig())
	t.Cleanup(func() { _ = manager.CloseAll() })
	ctx := context.Background()

	root := t.TempDir()
	if !manager.IsAvailable(ctx, ScopeProject, root) {
		t.Error("fresh project scope should be available")
	}
	if manager.IsAvailable(ctx, ScopeProject, "") {
		t.Error("project scope without a root should be unavailable")
	}

	// The probe must not open the store: no database file appears.
	path, err := ResolvePath(ScopeProject, root)
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("availability probe created the database file (stat err = %v)", err)
	}

	// Once genuinely opened, the scope stays available.
	if _, err := manager.Open(ctx, ScopeProject, root); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !manager.IsAvailable(ctx, ScopeProject, root) {
		t.Error("opened scope should be available")
	}
}

func TestManagerIsAvailableAfterCloseAll(t *testing.T) {
	manager := NewStoreManager(DefaultConfig())
	if err := manager.CloseAll(); err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}
	if manager.IsAvailable(context.Background(), ScopeProject, t.TempDir()) {
		t.Error("closed manager should report unavailable")
	}
}

func TestManagerClose(t *testing.T) {
	manager := NewStoreManager(DefaultConfig())
	ctx := context.Background()

	root := t.TempDir()
	store, err := manager.Open(ctx, ScopeProject, root)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := manager.Close(ScopeProject, root); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := store.Get(ctx, 1); err == nil {
		t.Error("store should be closed")
	}

	// Closing an unopened scope is fine.
	if err := manager.Close(ScopeProject, t.TempDir()); err != nil {
		t.Errorf("closing unopened scope: %v", err)
	}

	if err := manager.CloseAll(); err != nil {
		t.Fatalf("CloseAll failed: %v", err)
	}
	if _, err := manager.Open(ctx, ScopeProject, root); err == nil {
		t.Error("manager should reject opens after CloseAll")
	}
}
