package publish

import (
	"context"
	"sort"

	"github.com/mschirtzinger/p4sync/internal/changelist"
	"github.com/mschirtzinger/p4sync/internal/entity"
)

// linkDependencies creates one dependency edge per (new file, dependency)
// in a single batch. Unresolvable dependency paths are logged and dropped.
func (s *Syncer) linkDependencies(ctx context.Context, src changelist.Source, change *changelist.Change, fresh []*created) {
	resolved := s.resolveDependencyPaths(ctx, src, change, fresh)

	var reqs []entity.BatchRequest
	for _, c := range fresh {
		ids := make(map[int]bool, len(c.depIDs)+len(c.depPaths))
		for _, id := range c.depIDs {
			ids[id] = true
		}
		for _, p := range c.depPaths {
			if ref, ok := resolved[p]; ok {
				ids[ref.ID] = true
			}
		}
		delete(ids, c.ref.ID)

		for _, id := range sortedIDs(ids) {
			reqs = append(reqs, entity.BatchRequest{
				Kind:       entity.BatchCreate,
				EntityType: s.cfg.DependencyType,
				Data: map[string]any{
					"published_file":           c.ref,
					"dependent_published_file": entity.Ref{Type: s.cfg.FileType, ID: id},
				},
			})
		}
	}

	if len(reqs) == 0 {
		return
	}
	if _, err := s.store.Batch(ctx, reqs); err != nil {
		s.logger.Printf("ERROR: change %d: failed to create %d dependency links: %v", change.ID, len(reqs), err)
		return
	}
	s.logger.Printf("Change %d: created %d dependency links", change.ID, len(reqs))
}

// resolveDependencyPaths maps every dependency path named by new files to
// its published file as of the change.
func (s *Syncer) resolveDependencyPaths(ctx context.Context, src changelist.Source, change *changelist.Change, fresh []*created) map[string]entity.Ref {
	seen := make(map[string]bool)
	var paths []string
	for _, c := range fresh {
		for _, p := range c.depPaths {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	if len(paths) == 0 {
		return nil
	}

	stats, err := src.FileStat(ctx, change.ID, changelist.FileStatOptions{Paths: paths})
	if err != nil {
		s.logger.Printf("ERROR: change %d: failed to stat %d dependency paths: %v", change.ID, len(paths), err)
		return nil
	}

	revisions := make(map[string]int, len(stats))
	for _, st := range stats {
		revisions[st.Path] = st.Revision
	}

	resolved := make(map[string]entity.Ref, len(paths))
	for _, p := range paths {
		rev, ok := revisions[p]
		if !ok {
			s.logger.Printf("ERROR: change %d: dependency %s does not exist at change %d", change.ID, p, change.ID)
			continue
		}
		ref, err := s.findFile(ctx, p, rev)
		if err != nil {
			s.logger.Printf("ERROR: change %d: failed to look up dependency %s#%d: %v", change.ID, p, rev, err)
			continue
		}
		if ref == nil {
			s.logger.Printf("ERROR: change %d: dependency %s#%d has no %s", change.ID, p, rev, s.cfg.FileType)
			continue
		}
		resolved[p] = *ref
	}
	return resolved
}

func sortedIDs(set map[int]bool) []int {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
