package identity

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/mschirtzinger/p4sync/internal/entity"
	"github.com/mschirtzinger/p4sync/internal/entity/sqlite"
)

// countingStore counts FindOne calls and can fail them.
type countingStore struct {
	entity.Store
	finds int
	err   error
}

func (c *countingStore) FindOne(ctx context.Context, entityType string, filters []entity.Filter, opts entity.FindOptions) (*entity.Entity, error) {
	c.finds++
	if c.err != nil {
		return nil, c.err
	}
	return c.Store.FindOne(ctx, entityType, filters, opts)
}

func setupStore(t *testing.T) *countingStore {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "entities.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	for _, login := range []string{"alan.turing", "grace"} {
		if _, err := s.Create(context.Background(), UserType, map[string]any{"login": login, "name": login}); err != nil {
			t.Fatal(err)
		}
	}
	return &countingStore{Store: s}
}

func TestLoadMap(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(dir, "users.toml")
		writeFile(t, path, "[users]\nalan = \"alan.turing\"\nbuild = \"svc-build\"\n")

		m, err := LoadMap(path)
		if err != nil {
			t.Fatalf("LoadMap() failed: %v", err)
		}
		if m.Login("alan") != "alan.turing" || m.Login("build") != "svc-build" {
			t.Errorf("Unexpected map %v", m)
		}
		if m.Login("grace") != "grace" {
			t.Errorf("Unmapped user should map to itself, got %q", m.Login("grace"))
		}
	})

	t.Run("empty path", func(t *testing.T) {
		m, err := LoadMap("")
		if err != nil || len(m) != 0 {
			t.Errorf("LoadMap(\"\") = %v, %v", m, err)
		}
	})

	t.Run("unknown keys", func(t *testing.T) {
		path := filepath.Join(dir, "typo.toml")
		writeFile(t, path, "[user]\nalan = \"alan.turing\"\n")
		if _, err := LoadMap(path); err == nil {
			t.Error("Expected error for unknown table")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadMap(filepath.Join(dir, "nope.toml")); err == nil {
			t.Error("Expected error for missing file")
		}
	})
}

func TestLookup(t *testing.T) {
	store := setupStore(t)
	r := New(store, LoginMap{"alan": "alan.turing"}, log.New(io.Discard, "", 0))
	ctx := context.Background()

	tests := []struct {
		user  string
		login string
		found bool
	}{
		{"alan", "alan.turing", true},
		{"grace", "grace", true},
		{"nobody", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			ref, err := r.Lookup(ctx, tt.user)
			if err != nil {
				t.Fatalf("Lookup() failed: %v", err)
			}
			if (ref != nil) != tt.found {
				t.Fatalf("Lookup(%s) = %+v, found want %v", tt.user, ref, tt.found)
			}
			if ref != nil && (ref.Type != UserType || ref.Name != tt.login) {
				t.Errorf("Lookup(%s) = %+v", tt.user, ref)
			}
		})
	}
}

func TestLookup_CachesHitsAndMisses(t *testing.T) {
	store := setupStore(t)
	r := New(store, nil, log.New(io.Discard, "", 0))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Lookup(ctx, "grace"); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Lookup(ctx, "nobody"); err != nil {
			t.Fatal(err)
		}
	}
	if store.finds != 2 {
		t.Errorf("Expected 2 store lookups, got %d", store.finds)
	}
}

func TestLookup_TransientNotCached(t *testing.T) {
	store := setupStore(t)
	r := New(store, nil, log.New(io.Discard, "", 0))
	ctx := context.Background()

	store.err = entity.ErrConnection
	if _, err := r.Lookup(ctx, "grace"); !errors.Is(err, entity.ErrConnection) {
		t.Fatalf("Expected connection error, got %v", err)
	}

	store.err = nil
	ref, err := r.Lookup(ctx, "grace")
	if err != nil || ref == nil {
		t.Errorf("Expected lookup to succeed after recovery, got %+v, %v", ref, err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
