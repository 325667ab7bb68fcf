// Package sidechannel stores publish and review metadata recorded at submit
// time, keyed by (path, user, workspace, revision).
//
// A submit hook writes one JSON object per file and kind. The sync reads it
// back when it turns the file into a published file. Keys with a leading
// meaning are pulled out by ParsePublish and ParseReview; everything else is
// passed through to the created entity.
package sidechannel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mschirtzinger/p4sync/internal/entity"
	"github.com/mschirtzinger/p4sync/internal/sqlitedb"
)

const schema = `
CREATE TABLE IF NOT EXISTS metadata (
	kind TEXT NOT NULL,
	path TEXT NOT NULL,
	user TEXT NOT NULL,
	workspace TEXT NOT NULL,
	revision INTEGER NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	PRIMARY KEY (kind, path, user, workspace, revision)
);
`

// Kind selects the payload stored for a key.
type Kind string

const (
	KindPublish Kind = "publish"
	KindReview  Kind = "review"
)

// Key identifies one file revision as submitted by one user from one
// workspace.
type Key struct {
	Path      string
	User      string
	Workspace string
	Revision  int
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d (%s@%s)", k.Path, k.Revision, k.User, k.Workspace)
}

// Loader reads payloads. Load returns nil when nothing was recorded.
type Loader interface {
	Load(ctx context.Context, kind Kind, key Key) (map[string]any, error)
}

// Store is a Loader backed by SQLite.
type Store struct {
	db *sqlitedb.DB
}

var _ Loader = (*Store)(nil)

// Open opens the store at path, creating the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save records a payload, replacing any previous one for the same key.
func (s *Store) Save(ctx context.Context, kind Kind, key Key, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload for %s: %w", kind, key, err)
	}

	_, err = s.db.RawDB().ExecContext(ctx, `
		INSERT OR REPLACE INTO metadata (kind, path, user, workspace, revision, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(kind), key.Path, key.User, key.Workspace, key.Revision, string(data))
	if err != nil {
		return fmt.Errorf("failed to save %s payload for %s: %w", kind, key, err)
	}
	return nil
}

// Load implements Loader.
func (s *Store) Load(ctx context.Context, kind Kind, key Key) (map[string]any, error) {
	var raw string
	err := s.db.RawDB().QueryRowContext(ctx, `
		SELECT payload FROM metadata
		WHERE kind = ? AND path = ? AND user = ? AND workspace = ? AND revision = ?`,
		string(kind), key.Path, key.User, key.Workspace, key.Revision).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s payload for %s: %w", kind, key, err)
	}

	var payload map[string]any
	if err := decode(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload for %s: %w", kind, key, err)
	}
	return payload, nil
}

// Delete removes every payload recorded for key.
func (s *Store) Delete(ctx context.Context, key Key) error {
	_, err := s.db.RawDB().ExecContext(ctx, `
		DELETE FROM metadata WHERE path = ? AND user = ? AND workspace = ? AND revision = ?`,
		key.Path, key.User, key.Workspace, key.Revision)
	if err != nil {
		return fmt.Errorf("failed to delete payloads for %s: %w", key, err)
	}
	return nil
}

func decode(raw string, out *map[string]any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return err
	}
	entity.Normalize(*out)
	return nil
}
