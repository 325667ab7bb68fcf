package publish

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/p4sync/internal/changelist"
	"github.com/mschirtzinger/p4sync/internal/changelist/changelisttest"
	"github.com/mschirtzinger/p4sync/internal/claim"
	"github.com/mschirtzinger/p4sync/internal/entity"
	"github.com/mschirtzinger/p4sync/internal/entity/sqlite"
	"github.com/mschirtzinger/p4sync/internal/scope"
	"github.com/mschirtzinger/p4sync/internal/sidechannel"
)

var project65 = entity.Ref{Type: "Project", ID: 65}

const racerRoot = "//depot/projects/racer"

type staticLoader map[string]*scope.Descriptor

func (s staticLoader) Load(root string) (*scope.Descriptor, error) {
	if d, ok := s[root]; ok {
		return d, nil
	}
	return nil, os.ErrNotExist
}

type harness struct {
	t     *testing.T
	src   *changelisttest.Fake
	store *sqlite.Store
	side  *sidechannel.Store
	logs  bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := sqlite.Open(ctx, filepath.Join(dir, "entities.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	side, err := sidechannel.Open(ctx, filepath.Join(dir, "sidechannel.db"))
	if err != nil {
		t.Fatalf("sidechannel.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = side.Close() })

	src := changelisttest.New()
	src.SetFile(racerRoot+"/"+scope.DefaultMarker, []byte("- {linux2: /pc/racer}\n"))

	return &harness{t: t, src: src, store: store, side: side}
}

// syncer builds a fresh Syncer, as a restarted worker would.
func (h *harness) syncer() *Syncer {
	filter := scope.New(scope.Config{
		ProjectID: 65,
		Platform:  "linux2",
		Loader:    staticLoader{"/pc/racer": {ProjectID: 65, DataRoot: "/mnt/racer", Root: "/pc/racer"}},
		Logger:    log.New(io.Discard, "", 0),
	})
	return New(h.store, Config{
		Project:     project65,
		Scope:       filter,
		SideChannel: h.side,
		Logger:      log.New(&h.logs, "", 0),
	})
}

func (h *harness) find(entityType string, filters ...entity.Filter) []entity.Entity {
	h.t.Helper()
	found, err := h.store.Find(context.Background(), entityType, filters, entity.FindOptions{})
	if err != nil {
		h.t.Fatalf("Find(%s) failed: %v", entityType, err)
	}
	return found
}

func (h *harness) save(kind sidechannel.Kind, change *changelist.Change, file changelist.FileRev, payload map[string]any) {
	h.t.Helper()
	key := sidechannel.Key{Path: file.Path, User: change.User, Workspace: change.Workspace, Revision: file.Revision}
	if err := h.side.Save(context.Background(), kind, key, payload); err != nil {
		h.t.Fatalf("Save() failed: %v", err)
	}
}

func newChange(id int, files ...changelist.FileRev) *changelist.Change {
	return &changelist.Change{
		ID:          id,
		Status:      changelist.StatusSubmitted,
		User:        "alan",
		Workspace:   "alan-ws",
		Time:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Description: "car pass",
		Files:       files,
	}
}

func add(p string, rev int) changelist.FileRev {
	return changelist.FileRev{Path: p, Revision: rev, Action: changelist.ActionAdd}
}

func TestContentURL(t *testing.T) {
	tests := []struct {
		path string
		rev  int
		want string
	}{
		{"//depot/projects/racer/a.ma", 3, "p4://depot/projects/racer/a.ma#3"},
		{"//depot/my assets/b c.ma", 1, "p4://depot/my%20assets/b%20c.ma#1"},
	}
	for _, tt := range tests {
		if got := ContentURL(tt.path, tt.rev); got != tt.want {
			t.Errorf("ContentURL(%s, %d) = %q, want %q", tt.path, tt.rev, got, tt.want)
		}
	}
}

func TestPopulate_OneFileInScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	change := newChange(37,
		add(racerRoot+"/assets/car/car.ma", 1),
		changelist.FileRev{Path: "//depot/misc/readme.txt", Revision: 2, Action: changelist.ActionEdit},
	)
	h.src.AddChange(*change)

	claimer := claim.New(h.store, claim.Config{Project: project65, Logger: log.New(io.Discard, "", 0)})
	res, err := claimer.Claim(ctx, change)
	if err != nil || res.Outcome != claim.Claimed {
		t.Fatalf("Claim() = %v, %v", res.Outcome, err)
	}

	refs, err := h.syncer().Populate(ctx, h.src, change)
	if err != nil {
		t.Fatalf("Populate() failed: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("Expected 1 published file, got %d", len(refs))
	}

	files := h.find(DefaultFileType)
	if len(files) != 1 {
		t.Fatalf("Expected 1 %s in store, got %d", DefaultFileType, len(files))
	}
	f := files[0]
	if f.String("code") != "car.ma" || f.String("path_cache") != "/mnt/racer/assets/car/car.ma" {
		t.Errorf("Unexpected fields %v", f.Fields)
	}
	if f.String("description") != "car pass" {
		t.Errorf("Expected comment to fall back to the change description, got %q", f.String("description"))
	}
	if v, _ := f.Int("version_number"); v != 1 {
		t.Errorf("version_number = %d", v)
	}

	if err := claimer.Link(ctx, res.Entity, refs); err != nil {
		t.Fatalf("Link() failed: %v", err)
	}
	revs := h.find(claim.DefaultRevisionType, entity.Is("code", "37"))
	links := revs[0].RefsField("sg_published_files")
	if len(links) != 1 || links[0].ID != f.ID {
		t.Errorf("Expected revision linked to %d only, got %+v", f.ID, links)
	}
}

func TestPopulate_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	change := newChange(40,
		add(racerRoot+"/assets/car/car.ma", 2),
		add(racerRoot+"/assets/car/wheel.ma", 1),
	)
	h.src.AddChange(*change)
	h.save(sidechannel.KindReview, change, change.Files[0], map[string]any{"sg_take": 1})

	first, err := h.syncer().Populate(ctx, h.src, change)
	if err != nil {
		t.Fatalf("first Populate() failed: %v", err)
	}
	second, err := h.syncer().Populate(ctx, h.src, change)
	if err != nil {
		t.Fatalf("second Populate() failed: %v", err)
	}

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("Expected 2 refs per run, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].Same(second[i]) {
			t.Errorf("Run results differ at %d: %v vs %v", i, first[i], second[i])
		}
	}
	if n := len(h.find(DefaultFileType)); n != 2 {
		t.Errorf("Expected 2 published files after two runs, got %d", n)
	}
	if n := len(h.find(DefaultReviewType)); n != 1 {
		t.Errorf("Expected reviews created only once, got %d", n)
	}
}

func TestPopulate_ReusesAcrossChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Same name and revision under a different path must not be reused.
	if _, err := h.store.Create(ctx, DefaultFileType, map[string]any{
		"code":           "car.ma",
		"version_number": 1,
		"project":        project65,
		"path":           map[string]any{"url": ContentURL(racerRoot+"/old/car.ma", 1)},
	}); err != nil {
		t.Fatal(err)
	}

	change := newChange(41, add(racerRoot+"/assets/car/car.ma", 1))
	h.src.AddChange(*change)
	refs, err := h.syncer().Populate(ctx, h.src, change)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Fatalf("Expected 1 ref, got %d", len(refs))
	}
	if n := len(h.find(DefaultFileType)); n != 2 {
		t.Errorf("Expected a new file beside the look-alike, got %d files", n)
	}
}

func TestPopulate_ExcludesRemovals(t *testing.T) {
	h := newHarness(t)
	change := newChange(42,
		changelist.FileRev{Path: racerRoot + "/assets/a.ma", Revision: 2, Action: changelist.ActionDelete},
		changelist.FileRev{Path: racerRoot + "/assets/b.ma", Revision: 3, Action: changelist.ActionMoveDelete},
		changelist.FileRev{Path: racerRoot + "/assets/c.ma", Revision: 1, Action: changelist.ActionMoveAdd},
	)
	h.src.AddChange(*change)

	refs, err := h.syncer().Populate(context.Background(), h.src, change)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Fatalf("Expected only the move/add to publish, got %d", len(refs))
	}
	files := h.find(DefaultFileType)
	if len(files) != 1 || files[0].String("code") != "c.ma" {
		t.Errorf("Unexpected files %+v", files)
	}
}

func TestPopulate_SideChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmp := t.TempDir()

	// The rig was published by an earlier change.
	rigPath := racerRoot + "/assets/car/rig.ma"
	h.src.AddChange(*newChange(30, add(rigPath, 1)))
	rig, err := h.store.Create(ctx, DefaultFileType, map[string]any{
		"code":           "rig.ma",
		"version_number": 1,
		"project":        project65,
		"path":           map[string]any{"url": ContentURL(rigPath, 1)},
	})
	if err != nil {
		t.Fatal(err)
	}

	media := writeTemp(t, tmp, "take.mov", "movie")
	thumb := writeTemp(t, tmp, "thumb.png", "png")
	frames := writeTemp(t, tmp, "frames.tar", "frames")

	change := newChange(50,
		add(racerRoot+"/assets/car/car.ma", 4),
		add(racerRoot+"/assets/car/paint.tif", 2),
		add(racerRoot+"/assets/car/notes.txt", 1),
	)
	h.src.AddChange(*change)

	h.save(sidechannel.KindPublish, change, change.Files[0], map[string]any{
		"name":             "car model",
		"comment":          "rebuilt wheels",
		"dependency_paths": []any{rigPath, racerRoot + "/assets/missing.ma"},
		"dependency_ids":   []any{999},
		"temp_files":       []any{thumb},
		"sg_status_list":   "rev",
	})
	take := map[string]any{"sg_take": 3, "media": media}
	h.save(sidechannel.KindReview, change, change.Files[0], take)
	h.save(sidechannel.KindReview, change, change.Files[1], map[string]any{"sg_take": 3, "media": media, "temp_files": []any{frames}})
	h.save(sidechannel.KindReview, change, change.Files[2], map[string]any{"sg_take": 4})

	refs, err := h.syncer().Populate(ctx, h.src, change)
	if err != nil {
		t.Fatalf("Populate() failed: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("Expected 3 refs, got %d", len(refs))
	}

	car := h.find(DefaultFileType, entity.Is("code", "car.ma"))
	if len(car) != 1 {
		t.Fatalf("Expected car.ma published once, got %d", len(car))
	}
	if car[0].String("name") != "car model" || car[0].String("description") != "rebuilt wheels" || car[0].String("sg_status_list") != "rev" {
		t.Errorf("Side-channel fields not applied: %v", car[0].Fields)
	}
	if _, ok := car[0].Fields["dependency_paths"]; ok {
		t.Error("dependency_paths must not be stored on the entity")
	}

	deps := h.find(DefaultDependencyType)
	var targets []int
	for _, d := range deps {
		from, _ := d.RefField("published_file")
		to, _ := d.RefField("dependent_published_file")
		if from.ID != car[0].ID {
			t.Errorf("Unexpected dependency source %v", from)
		}
		targets = append(targets, to.ID)
	}
	if len(targets) != 2 || targets[0] != rig.ID || targets[1] != 999 {
		t.Errorf("Expected dependencies on rig %d and 999, got %v", rig.ID, targets)
	}
	if !strings.Contains(h.logs.String(), "missing.ma") {
		t.Errorf("Expected unresolvable dependency logged, got %q", h.logs.String())
	}

	versions := h.find(DefaultReviewType)
	if len(versions) != 2 {
		t.Fatalf("Expected 2 review groups, got %d", len(versions))
	}
	grouped := versions[0].RefsField("published_files")
	if len(grouped) != 2 {
		t.Errorf("Expected first review to link 2 files, got %v", grouped)
	}
	if movie, ok := versions[0].RefField(MediaField); !ok || movie.Type != "Attachment" {
		t.Errorf("Expected media uploaded, got %v", versions[0].Fields[MediaField])
	}
	if versions[1].String("description") != "car pass" {
		t.Errorf("Review description = %q", versions[1].String("description"))
	}

	for _, p := range []string{thumb, frames} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("Expected temporary file %s removed, stat err = %v", p, err)
		}
	}
}

func TestPopulate_MissingProjectSkipsFile(t *testing.T) {
	h := newHarness(t)
	change := newChange(60,
		add(racerRoot+"/assets/car/car.ma", 1),
		add(racerRoot+"/assets/car/wheel.ma", 1),
	)
	h.src.AddChange(*change)
	h.save(sidechannel.KindPublish, change, change.Files[0], map[string]any{
		"context": map[string]any{"entity": map[string]any{"type": "Asset", "id": 3}},
	})

	refs, err := h.syncer().Populate(context.Background(), h.src, change)
	if err != nil {
		t.Fatalf("Populate() failed: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("Expected only wheel.ma published, got %d", len(refs))
	}
	if !strings.Contains(h.logs.String(), "no context or project") {
		t.Errorf("Expected resolution failure logged, got %q", h.logs.String())
	}
}

// failingStore fails the failAt-th Create once.
type failingStore struct {
	entity.Store
	creates int
	failAt  int
}

func (f *failingStore) Create(ctx context.Context, entityType string, data map[string]any) (*entity.Entity, error) {
	f.creates++
	if f.creates == f.failAt {
		return nil, entity.ErrConnection
	}
	return f.Store.Create(ctx, entityType, data)
}

func TestPopulate_TransientKeepsPartialProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmp := t.TempDir()

	change := newChange(70,
		add(racerRoot+"/assets/a.ma", 1),
		add(racerRoot+"/assets/b.ma", 1),
	)
	h.src.AddChange(*change)

	bTemp := writeTemp(t, tmp, "b.png", "png")
	h.save(sidechannel.KindPublish, change, change.Files[0], map[string]any{"dependency_ids": []any{500}})
	h.save(sidechannel.KindReview, change, change.Files[0], map[string]any{"sg_take": 1})
	h.save(sidechannel.KindPublish, change, change.Files[1], map[string]any{"temp_files": []any{bTemp}})
	h.save(sidechannel.KindReview, change, change.Files[1], map[string]any{"sg_take": 2})

	s := h.syncer()
	s.store = &failingStore{Store: h.store, failAt: 2}
	_, err := s.Populate(ctx, h.src, change)
	if !errors.Is(err, entity.ErrConnection) {
		t.Fatalf("Expected connection error, got %v", err)
	}
	if n := len(h.find(DefaultFileType)); n != 1 {
		t.Fatalf("Expected the first file kept, got %d", n)
	}
	if n := len(h.find(DefaultDependencyType)); n != 1 {
		t.Errorf("Expected a.ma linked before the error returned, got %d links", n)
	}
	if n := len(h.find(DefaultReviewType)); n != 1 {
		t.Errorf("Expected a.ma review created before the error returned, got %d", n)
	}
	if _, err := os.Stat(bTemp); err != nil {
		t.Errorf("Expected temporary file of the failed file kept for the retry: %v", err)
	}

	refs, err := h.syncer().Populate(ctx, h.src, change)
	if err != nil {
		t.Fatalf("retry Populate() failed: %v", err)
	}
	if len(refs) != 2 {
		t.Errorf("Expected 2 refs after retry, got %d", len(refs))
	}
	if n := len(h.find(DefaultFileType)); n != 2 {
		t.Errorf("Expected 2 files after retry, got %d", n)
	}
	if n := len(h.find(DefaultDependencyType)); n != 1 {
		t.Errorf("Expected no duplicate links after retry, got %d", n)
	}
	versions := h.find(DefaultReviewType)
	if len(versions) != 2 {
		t.Fatalf("Expected one review per file after retry, got %d", len(versions))
	}
	for _, v := range versions {
		if n := len(v.RefsField("published_files")); n != 1 {
			t.Errorf("Expected review %d to link 1 file, got %d", v.ID, n)
		}
	}
	if _, err := os.Stat(bTemp); !os.IsNotExist(err) {
		t.Errorf("Expected %s removed after retry, stat err = %v", bTemp, err)
	}
}

func TestPopulate_ForeignContextProjectSkipsFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	change := newChange(72,
		add(racerRoot+"/assets/a.ma", 1),
		add(racerRoot+"/assets/b.ma", 1),
	)
	h.src.AddChange(*change)
	h.save(sidechannel.KindPublish, change, change.Files[0], map[string]any{
		"context": map[string]any{"project": map[string]any{"type": "Project", "id": 66}},
	})
	h.save(sidechannel.KindPublish, change, change.Files[1], map[string]any{
		"context": map[string]any{"project": map[string]any{"type": "Project", "id": 65}},
		"project": map[string]any{"type": "Project", "id": 66},
	})

	for run := 0; run < 2; run++ {
		refs, err := h.syncer().Populate(ctx, h.src, change)
		if err != nil {
			t.Fatalf("Populate() run %d failed: %v", run, err)
		}
		if len(refs) != 1 {
			t.Fatalf("Expected only b.ma published on run %d, got %d", run, len(refs))
		}
	}

	files := h.find(DefaultFileType)
	if len(files) != 1 {
		t.Fatalf("Expected one file per (path, revision) after two runs, got %d", len(files))
	}
	if p, ok := files[0].RefField("project"); !ok || !p.Same(project65) {
		t.Errorf("Expected b.ma filed under %v, got %v", project65, files[0].Fields["project"])
	}
	if !strings.Contains(h.logs.String(), "Project:66") {
		t.Errorf("Expected foreign project logged, got %q", h.logs.String())
	}
}

func TestPopulate_RemovesTempFilesOfReusedFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tmp := t.TempDir()

	change := newChange(74, add(racerRoot+"/assets/a.ma", 1))
	h.src.AddChange(*change)
	if _, err := h.syncer().Populate(ctx, h.src, change); err != nil {
		t.Fatal(err)
	}

	thumb := writeTemp(t, tmp, "thumb.png", "png")
	frames := writeTemp(t, tmp, "frames.tar", "frames")
	h.save(sidechannel.KindPublish, change, change.Files[0], map[string]any{"temp_files": []any{thumb}})
	h.save(sidechannel.KindReview, change, change.Files[0], map[string]any{"sg_take": 1, "temp_files": []any{frames}})

	refs, err := h.syncer().Populate(ctx, h.src, change)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Fatalf("Expected the file reused, got %d refs", len(refs))
	}
	if n := len(h.find(DefaultReviewType)); n != 0 {
		t.Errorf("Expected no review for a reused file, got %d", n)
	}
	for _, p := range []string{thumb, frames} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("Expected temporary file %s removed, stat err = %v", p, err)
		}
	}
}

func TestPopulate_FileStatFailure(t *testing.T) {
	h := newHarness(t)
	change := newChange(80, add(racerRoot+"/assets/a.ma", 1))
	h.src.AddChange(*change)
	h.src.Fail("FileStat", changelist.ErrTimeout)

	_, err := h.syncer().Populate(context.Background(), h.src, change)
	if !changelist.IsTransient(err) {
		t.Fatalf("Expected transient error, got %v", err)
	}
}

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}
