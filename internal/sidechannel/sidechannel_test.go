package sidechannel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/p4sync/internal/entity"
	"github.com/mschirtzinger/p4sync/internal/pathctx"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "sidechannel.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var carKey = Key{Path: "//depot/projects/racer/assets/car/model/car.ma", User: "alan", Workspace: "alan-ws", Revision: 3}

func TestSaveLoad(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	payload := map[string]any{
		"name":           "car",
		"dependency_ids": []any{12, 13},
		"published_file_type": map[string]any{
			"type": "PublishedFileType",
			"id":   4,
		},
	}
	if err := s.Save(ctx, KindPublish, carKey, payload); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, err := s.Load(ctx, KindPublish, carKey)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}

	// Kinds are independent.
	review, err := s.Load(ctx, KindReview, carKey)
	if err != nil || review != nil {
		t.Errorf("Expected no review payload, got %v, %v", review, err)
	}
}

func TestLoad_KeyMismatch(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, KindPublish, carKey, map[string]any{"name": "car"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		key  Key
	}{
		{"other revision", Key{carKey.Path, carKey.User, carKey.Workspace, 4}},
		{"other user", Key{carKey.Path, "grace", carKey.Workspace, carKey.Revision}},
		{"other workspace", Key{carKey.Path, carKey.User, "grace-ws", carKey.Revision}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Load(ctx, KindPublish, tt.key)
			if err != nil || got != nil {
				t.Errorf("Load(%s) = %v, %v; want nil", tt.key, got, err)
			}
		})
	}
}

func TestSave_ReplacesAndDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, KindPublish, carKey, map[string]any{"name": "v1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, KindPublish, carKey, map[string]any{"name": "v2"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx, KindPublish, carKey)
	if err != nil || got["name"] != "v2" {
		t.Fatalf("Expected replaced payload, got %v, %v", got, err)
	}

	if err := s.Delete(ctx, carKey); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if got, _ := s.Load(ctx, KindPublish, carKey); got != nil {
		t.Errorf("Expected payload deleted, got %v", got)
	}
}

func TestParsePublish(t *testing.T) {
	p := ParsePublish(map[string]any{
		"name":             "car",
		"comment":          "first pass",
		"context":          map[string]any{"project": map[string]any{"type": "Project", "id": 65}},
		"dependency_ids":   []any{12, "13", "x"},
		"dependency_paths": []any{"//depot/projects/racer/rig.ma", ""},
		"temp_files":       []any{"/tmp/thumb.png"},
		"sg_status":        "rev",
	})

	project := entity.Ref{Type: "Project", ID: 65}
	want := &Publish{
		Name:            "car",
		Context:         &pathctx.Context{Project: &project},
		Comment:         "first pass",
		HasComment:      true,
		DependencyIDs:   []int{12, 13},
		DependencyPaths: []string{"//depot/projects/racer/rig.ma"},
		TempFiles:       []string{"/tmp/thumb.png"},
		Fields:          map[string]any{"sg_status": "rev"},
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("ParsePublish() mismatch (-want +got):\n%s", diff)
	}

	empty := ParsePublish(nil)
	if empty.Context != nil || empty.HasComment || len(empty.Fields) != 0 {
		t.Errorf("ParsePublish(nil) = %+v", empty)
	}
}

func TestParseReview_GroupKey(t *testing.T) {
	a := ParseReview(map[string]any{"media": "/tmp/a.mov", "sg_take": 3, "temp_files": []any{"/tmp/a.mov"}})
	b := ParseReview(map[string]any{"sg_take": 3, "media": "/tmp/a.mov", "temp_files": []any{"/tmp/b.jpg"}})
	c := ParseReview(map[string]any{"media": "/tmp/a.mov", "sg_take": 4})

	if a.GroupKey() != b.GroupKey() {
		t.Errorf("Equal payloads should group: %q vs %q", a.GroupKey(), b.GroupKey())
	}
	if a.GroupKey() == c.GroupKey() {
		t.Error("Different payloads should not group")
	}
	if a.Media != "/tmp/a.mov" || len(a.TempFiles) != 1 {
		t.Errorf("Unexpected review %+v", a)
	}
	if diff := cmp.Diff(map[string]any{"sg_take": 3}, a.Fields); diff != "" {
		t.Errorf("Fields mismatch (-want +got):\n%s", diff)
	}

	if ParseReview(nil) != nil {
		t.Error("ParseReview(nil) should be nil")
	}
}
