package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/mschirtzinger/p4sync/internal/changelist"
)

type reviewGroup struct {
	files []*created
}

// createReviews creates one review per distinct review payload among the
// new files, linking every file that carries it.
func (s *Syncer) createReviews(ctx context.Context, change *changelist.Change, fresh []*created) {
	var order []string
	groups := make(map[string]*reviewGroup)
	for _, c := range fresh {
		if c.review == nil {
			continue
		}
		key := c.review.GroupKey()
		g, ok := groups[key]
		if !ok {
			g = &reviewGroup{}
			groups[key] = g
			order = append(order, key)
		}
		g.files = append(g.files, c)
	}

	for _, key := range order {
		if err := s.createReview(ctx, change, groups[key]); err != nil {
			s.logger.Printf("ERROR: change %d: %v", change.ID, err)
		}
	}
}

func (s *Syncer) createReview(ctx context.Context, change *changelist.Change, g *reviewGroup) error {
	first := g.files[0]
	review := first.review

	data := make(map[string]any, len(review.Fields)+8)
	for k, v := range review.Fields {
		data[k] = v
	}

	links := make([]any, len(g.files))
	for i, c := range g.files {
		links[i] = c.ref
	}

	if _, ok := data["code"]; !ok {
		data["code"] = fmt.Sprintf("%s (change %d)", first.ref.Name, change.ID)
	}
	data["description"] = change.Description
	data["project"] = s.cfg.Project
	data["published_files"] = links
	data["sg_p4_change"] = change.ID
	if first.createdBy != nil {
		data["user"] = *first.createdBy
		data["created_by"] = *first.createdBy
	}
	if !change.Time.IsZero() {
		data["created_at"] = change.Time.UTC().Format(time.RFC3339)
	}

	e, err := s.store.Create(ctx, s.cfg.ReviewType, data)
	if err != nil {
		return fmt.Errorf("failed to create %s for %d files: %w", s.cfg.ReviewType, len(g.files), err)
	}

	if review.Media != "" {
		if err := s.store.Upload(ctx, s.cfg.ReviewType, e.ID, review.Media, MediaField); err != nil {
			return fmt.Errorf("failed to upload %s to %s %d: %w", review.Media, s.cfg.ReviewType, e.ID, err)
		}
	}

	s.logger.Printf("Change %d: created %s %d for %d files", change.ID, s.cfg.ReviewType, e.ID, len(g.files))
	return nil
}
