// Package changelist defines the contract the sync core needs from a
// changelist source: an append-only, monotonically numbered history of
// submitted changes.
//
// # Architecture
//
// The sync core never talks to a version-control server directly. It consumes
// the Source interface defined here:
//   - Describe / LatestSubmitted for change discovery
//   - FileStat for the post-submit file list of a change
//   - FileExists / Print for probing marker files in the depot
//   - Counter / SetCounter for the persisted cursor
//
// # Implementations
//
//   - internal/changelist/p4: Perforce implementation over the p4 CLI
//
// Errors returned by a Source are classified with the sentinels in errors.go
// so callers can tell "not found" apart from a transient connection failure.
package changelist

import (
	"context"
	"time"
)

// Status is the lifecycle state of a change.
type Status string

const (
	// StatusPending is a change that has not been submitted yet.
	StatusPending Status = "pending"

	// StatusShelved is a change whose files are shelved but not submitted.
	StatusShelved Status = "shelved"

	// StatusSubmitted is the only processable state.
	StatusSubmitted Status = "submitted"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Action is the file action recorded for a revision.
type Action string

const (
	ActionAdd        Action = "add"
	ActionEdit       Action = "edit"
	ActionDelete     Action = "delete"
	ActionBranch     Action = "branch"
	ActionIntegrate  Action = "integrate"
	ActionMoveAdd    Action = "move/add"
	ActionMoveDelete Action = "move/delete"
	ActionPurge      Action = "purge"
	ActionArchive    Action = "archive"
	ActionImport     Action = "import"
)

// IsRemoval returns true for actions that leave no content at the revision.
// These revisions are never mirrored into the entity store.
func (a Action) IsRemoval() bool {
	switch a {
	case ActionDelete, ActionMoveDelete, ActionPurge, ActionArchive:
		return true
	}
	return false
}

// RemovalActions lists every action for which IsRemoval is true.
var RemovalActions = []Action{ActionDelete, ActionMoveDelete, ActionPurge, ActionArchive}

// FileRev is one file revision listed on a change.
type FileRev struct {
	// Path is the depot path (e.g. //depot/projects/x/assets/a.ma)
	Path string

	// Revision is the file revision number created by the change
	Revision int

	// Action is what the change did to the file
	Action Action
}

// Change is a numbered change as reported by the source. Submitted changes
// are immutable.
type Change struct {
	ID          int
	Status      Status
	User        string
	Workspace   string
	Time        time.Time
	Description string
	Files       []FileRev
}

// IsSubmitted returns true if the change can be processed.
func (c *Change) IsSubmitted() bool {
	return c.Status == StatusSubmitted
}

// LiveFiles returns the file revisions that still carry content.
func (c *Change) LiveFiles() []FileRev {
	files := make([]FileRev, 0, len(c.Files))
	for _, f := range c.Files {
		if f.Action.IsRemoval() {
			continue
		}
		files = append(files, f)
	}
	return files
}

// FileStat is the point-in-time state of a depot file.
type FileStat struct {
	Path     string
	Revision int
	Action   Action
	Change   int
	Type     string
}

// FileStatOptions configures a FileStat query.
type FileStatOptions struct {
	// Paths limits the query to these depot paths. Empty means every file
	// affected by the change.
	Paths []string

	// ExcludeActions drops files whose action at the change is listed.
	ExcludeActions []Action
}

// Source is the changelist source consumed by the sync core.
//
// Every method is a blocking network round trip. Implementations honor the
// context deadline and report a timeout as ErrTimeout.
type Source interface {
	// Describe returns the changes among ids that exist, in ascending id
	// order. Missing ids are omitted rather than reported as errors.
	Describe(ctx context.Context, ids ...int) ([]Change, error)

	// LatestSubmitted returns the highest submitted change id, or 0 if the
	// server has no submitted changes.
	LatestSubmitted(ctx context.Context) (int, error)

	// FileStat returns the state of files as of the given change. With no
	// Paths, it lists the files the change itself affected.
	FileStat(ctx context.Context, change int, opts FileStatOptions) ([]FileStat, error)

	// FileExists returns true if the depot file exists at head revision.
	FileExists(ctx context.Context, path string) (bool, error)

	// Print returns the head content of a depot file.
	Print(ctx context.Context, path string) ([]byte, error)

	// Counter returns the named counter value (0 if the counter is unset).
	Counter(ctx context.Context, name string) (int, error)

	// SetCounter sets the named counter.
	SetCounter(ctx context.Context, name string, value int) error

	// Close releases the connection.
	Close() error
}

// Connector opens a new Source connection. The daemon reconnects through it
// after every transient failure.
type Connector func(ctx context.Context) (Source, error)
