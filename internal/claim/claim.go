// Package claim records a change in the entity store exactly once.
//
// The store has no uniqueness constraint and no compare-and-swap, so a claim
// is check, create, re-read, reconcile:
//
//  1. If a revision with (project, code) already exists, the change is taken.
//  2. Create our revision.
//  3. Re-read every revision with (project, code) in creation order.
//  4. If the lowest one is not ours, a peer won: delete ours.
//
// Every claimant sees the same lowest id, so exactly one keeps its record.
// A failed self-delete leaves a duplicate the operator must remove.
package claim

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/mschirtzinger/p4sync/internal/changelist"
	"github.com/mschirtzinger/p4sync/internal/entity"
)

// DefaultRevisionType is the entity type created per change.
const DefaultRevisionType = "Revision"

// Outcome is the result of a claim attempt.
type Outcome int

const (
	// Claimed means this caller owns the change and must populate it.
	Claimed Outcome = iota

	// AlreadyClaimed means a revision existed before this attempt.
	AlreadyClaimed

	// RaceLost means a concurrent claimant created its revision first.
	RaceLost
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyClaimed:
		return "already claimed"
	case RaceLost:
		return "race lost"
	}
	return "unknown"
}

// Result is returned by Claim. Entity is set only when Outcome is Claimed.
type Result struct {
	Outcome Outcome
	Entity  *entity.Entity
}

// IdentityResolver maps a changelist user to a store user.
type IdentityResolver interface {
	Lookup(ctx context.Context, user string) (*entity.Ref, error)
}

// Config configures a Claimer.
type Config struct {
	// Project the revisions belong to
	Project entity.Ref

	// RevisionType defaults to DefaultRevisionType
	RevisionType string

	// FileType is the entity type revisions link to (default PublishedFile)
	FileType string

	// Identity resolves created_by; nil leaves it unset
	Identity IdentityResolver

	Logger *log.Logger
}

// Claimer runs the claim protocol for one worker.
type Claimer struct {
	store    entity.Store
	project  entity.Ref
	revType  string
	fileType string
	identity IdentityResolver
	logger   *log.Logger

	linkField *LinkField
}

// New creates a Claimer.
func New(store entity.Store, cfg Config) *Claimer {
	if cfg.RevisionType == "" {
		cfg.RevisionType = DefaultRevisionType
	}
	if cfg.FileType == "" {
		cfg.FileType = DefaultFileType
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[claim] ", log.LstdFlags)
	}
	return &Claimer{
		store:    store,
		project:  cfg.Project,
		revType:  cfg.RevisionType,
		fileType: cfg.FileType,
		identity: cfg.Identity,
		logger:   logger,
	}
}

// Claim attempts to become the sole owner of change.
//
// Errors are returned only for store failures before ownership is settled;
// losing a race is a Result, not an error.
func (c *Claimer) Claim(ctx context.Context, change *changelist.Change) (Result, error) {
	code := strconv.Itoa(change.ID)
	filters := []entity.Filter{
		entity.Is("project", c.project),
		entity.Is("code", code),
	}

	existing, err := c.store.FindOne(ctx, c.revType, filters, entity.FindOptions{Fields: []string{"code"}})
	if err != nil {
		return Result{}, fmt.Errorf("failed to look up %s %s: %w", c.revType, code, err)
	}
	if existing != nil {
		return Result{Outcome: AlreadyClaimed}, nil
	}

	data := map[string]any{
		"code":         code,
		"description":  change.Description,
		"project":      c.project,
		"sg_workspace": change.Workspace,
	}
	if !change.Time.IsZero() {
		data["created_at"] = change.Time.UTC().Format(time.RFC3339)
	}
	if c.identity != nil {
		user, err := c.identity.Lookup(ctx, change.User)
		if err != nil {
			return Result{}, fmt.Errorf("failed to resolve user %s for change %d: %w", change.User, change.ID, err)
		}
		if user != nil {
			data["created_by"] = *user
		}
	}

	mine, err := c.store.Create(ctx, c.revType, data)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create %s %s: %w", c.revType, code, err)
	}

	first, err := c.store.FindOne(ctx, c.revType, filters, entity.FindOptions{
		Fields: []string{"code"},
		Order:  []entity.Order{{Field: "id"}},
	})
	if err != nil {
		// Ownership is unknown. Withdraw so the next attempt starts clean.
		c.withdraw(ctx, change.ID, mine.ID, 0)
		return Result{}, fmt.Errorf("failed to re-read %s %s after create (id %d): %w", c.revType, code, mine.ID, err)
	}

	if first != nil && first.ID != mine.ID {
		c.logger.Printf("Change %d claimed concurrently by %s %d, removing %d", change.ID, c.revType, first.ID, mine.ID)
		c.withdraw(ctx, change.ID, mine.ID, first.ID)
		return Result{Outcome: RaceLost}, nil
	}

	return Result{Outcome: Claimed, Entity: mine}, nil
}

// withdraw deletes a revision this worker created but does not own.
func (c *Claimer) withdraw(ctx context.Context, changeID, id, kept int) {
	deleted, err := c.store.Delete(ctx, c.revType, id)
	if err == nil {
		if !deleted {
			c.logger.Printf("%s %d for change %d was already removed", c.revType, id, changeID)
		}
		return
	}
	c.logger.Printf("ERROR: MANUAL CLEANUP REQUIRED: failed to delete duplicate %s %d for change %d (kept %d): %v",
		c.revType, id, changeID, kept, err)
}

// Link sets the revision's published-file link field.
func (c *Claimer) Link(ctx context.Context, revision *entity.Entity, files []entity.Ref) error {
	field, err := c.LinkField(ctx)
	if err != nil {
		return err
	}

	links := make([]any, len(files))
	for i, f := range files {
		links[i] = f
	}

	if _, err := c.store.Update(ctx, c.revType, revision.ID, map[string]any{field.Name(): links}); err != nil {
		return fmt.Errorf("failed to link %d files to %s %d: %w", len(files), c.revType, revision.ID, err)
	}
	return nil
}
