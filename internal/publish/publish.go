// Package publish expands a claimed change into published-file entities.
//
// Populate runs three passes over the change's live files:
//
//  1. find or create one published file per in-scope (path, revision)
//  2. link new files to their dependencies in one batch
//  3. group new files by review payload and create one review per group
//
// Failures never undo created files. Pass 1 finds before it creates, and
// passes 2 and 3 run for every file pass 1 created even when a later file
// fails, so running Populate again on the same change converges on the same
// set of entities.
package publish

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mschirtzinger/p4sync/internal/changelist"
	"github.com/mschirtzinger/p4sync/internal/entity"
	"github.com/mschirtzinger/p4sync/internal/pathctx"
	"github.com/mschirtzinger/p4sync/internal/scope"
	"github.com/mschirtzinger/p4sync/internal/sidechannel"
)

// Default entity types.
const (
	DefaultFileType       = "PublishedFile"
	DefaultDependencyType = "PublishedFileDependency"
	DefaultReviewType     = "Version"
)

// MediaField is the review field uploaded media lands in.
const MediaField = "sg_uploaded_movie"

// ScopeResolver maps depot paths to the configured project.
type ScopeResolver interface {
	Resolve(ctx context.Context, src changelist.Source, depotPath string) (*scope.Resolution, error)
}

// ContextResolver derives a context from a path relative to the data root.
type ContextResolver interface {
	Resolve(ctx context.Context, project entity.Ref, relPath string) (*pathctx.Context, error)
}

// IdentityResolver maps a changelist user to a store user.
type IdentityResolver interface {
	Lookup(ctx context.Context, user string) (*entity.Ref, error)
}

// Config configures a Syncer.
type Config struct {
	Project        entity.Ref
	FileType       string
	DependencyType string
	ReviewType     string

	Scope       ScopeResolver
	Contexts    ContextResolver
	SideChannel sidechannel.Loader
	Identity    IdentityResolver

	Logger *log.Logger
}

// Syncer populates claimed changes. It is owned by one worker.
type Syncer struct {
	store  entity.Store
	cfg    Config
	logger *log.Logger

	// content URL -> published file
	files map[string]entity.Ref
}

// New creates a Syncer. Scope is required; a nil Contexts resolver gives
// files without side-channel context a project-only context.
func New(store entity.Store, cfg Config) *Syncer {
	if cfg.FileType == "" {
		cfg.FileType = DefaultFileType
	}
	if cfg.DependencyType == "" {
		cfg.DependencyType = DefaultDependencyType
	}
	if cfg.ReviewType == "" {
		cfg.ReviewType = DefaultReviewType
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[publish] ", log.LstdFlags)
	}
	return &Syncer{
		store:  store,
		cfg:    cfg,
		logger: logger,
		files:  make(map[string]entity.Ref),
	}
}

// created is a file entity made by pass 1, with what passes 2 and 3 need.
type created struct {
	ref       entity.Ref
	stat      changelist.FileStat
	depIDs    []int
	depPaths  []string
	review    *sidechannel.Review
	createdBy *entity.Ref
}

// Populate creates the change's published files and returns references to
// every file, new or reused, in change order.
//
// An error means a transient failure interrupted pass 1. Files created
// before it stay in the store, get their dependencies and reviews, and are
// found again on the next attempt.
func (s *Syncer) Populate(ctx context.Context, src changelist.Source, change *changelist.Change) ([]entity.Ref, error) {
	stats, err := src.FileStat(ctx, change.ID, changelist.FileStatOptions{
		ExcludeActions: changelist.RemovalActions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files of change %d: %w", change.ID, err)
	}

	var temps []string
	defer func() { s.removeTemps(temps) }()

	var refs []entity.Ref
	var fresh []*created

	var passErr error
	for _, stat := range stats {
		ref, c, tmp, err := s.syncFile(ctx, src, change, stat)
		if err != nil {
			// the retry needs this file's temporary files
			passErr = err
			break
		}
		temps = append(temps, tmp...)
		if ref == nil {
			continue
		}
		refs = append(refs, *ref)
		if c != nil {
			fresh = append(fresh, c)
		}
	}

	if len(fresh) > 0 {
		if passErr != nil {
			s.logger.Printf("Change %d: interrupted after %d new files, linking them before retry", change.ID, len(fresh))
		}
		s.linkDependencies(ctx, src, change, fresh)
		s.createReviews(ctx, change, fresh)
	}

	return refs, passErr
}

// syncFile runs pass 1 for one file. It returns a nil ref when the file is
// skipped, and a non-nil created when the file entity is new. The returned
// temp files must be removed by the caller.
func (s *Syncer) syncFile(ctx context.Context, src changelist.Source, change *changelist.Change, stat changelist.FileStat) (*entity.Ref, *created, []string, error) {
	res, err := s.cfg.Scope.Resolve(ctx, src, stat.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to resolve %s#%d of change %d: %w", stat.Path, stat.Revision, change.ID, err)
	}
	if res == nil {
		s.logger.Printf("Change %d: %s#%d is outside project %d, skipping", change.ID, stat.Path, stat.Revision, s.cfg.Project.ID)
		return nil, nil, nil, nil
	}

	existing, err := s.findFile(ctx, stat.Path, stat.Revision)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to look up %s#%d of change %d: %w", stat.Path, stat.Revision, change.ID, err)
	}

	key := sidechannel.Key{Path: stat.Path, User: change.User, Workspace: change.Workspace, Revision: stat.Revision}
	pub := sidechannel.ParsePublish(s.load(ctx, sidechannel.KindPublish, key))
	review := sidechannel.ParseReview(s.load(ctx, sidechannel.KindReview, key))

	temps := pub.TempFiles
	if review != nil {
		temps = append(temps, review.TempFiles...)
	}

	if existing != nil {
		return existing, nil, temps, nil
	}

	fileCtx := pub.Context
	if fileCtx == nil && s.cfg.Contexts != nil {
		rel := strings.TrimPrefix(stat.Path[len(res.DepotRoot):], "/")
		fileCtx, err = s.cfg.Contexts.Resolve(ctx, s.cfg.Project, rel)
		if err != nil {
			if entity.IsTransient(err) {
				return nil, nil, temps, fmt.Errorf("failed to derive context for %s#%d of change %d: %w", stat.Path, stat.Revision, change.ID, err)
			}
			s.logger.Printf("ERROR: change %d: failed to derive context for %s#%d: %v", change.ID, stat.Path, stat.Revision, err)
			return nil, nil, temps, nil
		}
	} else if fileCtx == nil {
		project := s.cfg.Project
		fileCtx = &pathctx.Context{Project: &project}
	}
	if fileCtx == nil || fileCtx.Project == nil {
		s.logger.Printf("ERROR: change %d: no context or project for %s#%d, skipping", change.ID, stat.Path, stat.Revision)
		return nil, nil, temps, nil
	}
	// findFile only searches the configured project.
	if !fileCtx.Project.Same(s.cfg.Project) {
		s.logger.Printf("ERROR: change %d: context of %s#%d names %s, not %s, skipping",
			change.ID, stat.Path, stat.Revision, fileCtx.Project, s.cfg.Project)
		return nil, nil, temps, nil
	}

	createdBy := s.lookupUser(ctx, change)

	data := make(map[string]any, len(pub.Fields)+12)
	for k, v := range pub.Fields {
		data[k] = v
	}
	for k, v := range fileCtx.Fields() {
		data[k] = v
	}

	base := path.Base(res.LocalPath)
	name := pub.Name
	if name == "" {
		name = base
	}
	comment := pub.Comment
	if !pub.HasComment {
		comment = change.Description
	}

	data["project"] = s.cfg.Project
	data["code"] = base
	data["name"] = name
	data["description"] = comment
	data["version_number"] = stat.Revision
	data["path"] = map[string]any{"url": ContentURL(stat.Path, stat.Revision), "name": base}
	data["path_cache"] = res.LocalPath
	data["sg_p4_change"] = change.ID
	if createdBy != nil {
		data["created_by"] = *createdBy
	}
	if !change.Time.IsZero() {
		data["created_at"] = change.Time.UTC().Format(time.RFC3339)
	}

	e, err := s.store.Create(ctx, s.cfg.FileType, data)
	if err != nil {
		if entity.IsTransient(err) {
			return nil, nil, temps, fmt.Errorf("failed to create %s for %s#%d of change %d: %w", s.cfg.FileType, stat.Path, stat.Revision, change.ID, err)
		}
		s.logger.Printf("ERROR: change %d: failed to create %s for %s#%d: %v", change.ID, s.cfg.FileType, stat.Path, stat.Revision, err)
		return nil, nil, temps, nil
	}

	ref := entity.Ref{Type: e.Type, ID: e.ID, Name: name}
	s.files[ContentURL(stat.Path, stat.Revision)] = ref

	return &ref, &created{
		ref:       ref,
		stat:      stat,
		depIDs:    pub.DependencyIDs,
		depPaths:  pub.DependencyPaths,
		review:    review,
		createdBy: createdBy,
	}, temps, nil
}

// findFile returns the published file for (depotPath, revision), or nil.
// The store cannot filter on the content URL, so candidates sharing project,
// revision and file name are compared in memory.
func (s *Syncer) findFile(ctx context.Context, depotPath string, revision int) (*entity.Ref, error) {
	u := ContentURL(depotPath, revision)
	if ref, ok := s.files[u]; ok {
		return &ref, nil
	}

	candidates, err := s.store.Find(ctx, s.cfg.FileType, []entity.Filter{
		entity.Is("project", s.cfg.Project),
		entity.Is("version_number", revision),
		entity.Is("code", path.Base(depotPath)),
	}, entity.FindOptions{Fields: []string{"path", "name", "code"}})
	if err != nil {
		return nil, err
	}

	for i := range candidates {
		if fileURL(&candidates[i]) == u {
			ref := candidates[i].Ref()
			s.files[u] = ref
			return &ref, nil
		}
	}
	return nil, nil
}

func (s *Syncer) load(ctx context.Context, kind sidechannel.Kind, key sidechannel.Key) map[string]any {
	if s.cfg.SideChannel == nil {
		return nil
	}
	payload, err := s.cfg.SideChannel.Load(ctx, kind, key)
	if err != nil {
		s.logger.Printf("ERROR: failed to load %s metadata for %s: %v", kind, key, err)
		return nil
	}
	return payload
}

func (s *Syncer) lookupUser(ctx context.Context, change *changelist.Change) *entity.Ref {
	if s.cfg.Identity == nil {
		return nil
	}
	ref, err := s.cfg.Identity.Lookup(ctx, change.User)
	if err != nil {
		s.logger.Printf("ERROR: change %d: failed to resolve user %s: %v", change.ID, change.User, err)
		return nil
	}
	return ref
}

func (s *Syncer) removeTemps(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Printf("Failed to remove temporary file %s: %v", p, err)
		}
	}
}

// ContentURL is the URL a published file stores for a depot revision:
// //depot/a/b.ma at revision 3 is p4://depot/a/b.ma#3.
func ContentURL(depotPath string, revision int) string {
	trimmed := strings.TrimPrefix(depotPath, "//")
	host, rest, _ := strings.Cut(trimmed, "/")
	u := url.URL{Scheme: "p4", Host: host, Path: "/" + rest, Fragment: strconv.Itoa(revision)}
	return u.String()
}

func fileURL(e *entity.Entity) string {
	switch p := e.Fields["path"].(type) {
	case map[string]any:
		s, _ := p["url"].(string)
		return s
	case string:
		return p
	}
	return ""
}
