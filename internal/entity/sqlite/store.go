// Package sqlite implements entity.Store on an embedded SQLite database.
//
// Every entity type shares one table; field values are stored as a JSON
// object and queried with json_extract. Like the remote store it stands in
// for, the table has no uniqueness constraint beyond the row id, so the claim
// protocol is exercised exactly as it runs against ShotGrid.
//
// Schema:
//
//	entities(id, type, fields JSON, created_at)
//	attachments(id, entity_type, entity_id, field, name, content)
//	schema_fields(entity_type, name, data_type, valid_types JSON)
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mschirtzinger/p4sync/internal/entity"
	"github.com/mschirtzinger/p4sync/internal/sqlitedb"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	fields TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);

CREATE TABLE IF NOT EXISTS attachments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_id INTEGER NOT NULL,
	field TEXT NOT NULL,
	name TEXT NOT NULL,
	content BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_fields (
	entity_type TEXT NOT NULL,
	name TEXT NOT NULL,
	data_type TEXT NOT NULL,
	valid_types TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (entity_type, name)
);
`

// DefaultFields are the schema fields registered on Open. They describe the
// link field a Revision uses to reference its published files.
var DefaultFields = map[string][]entity.Field{
	"Revision": {
		{Name: "sg_published_files", DataType: entity.DataTypeMultiEntity, ValidTypes: []string{"PublishedFile"}},
	},
}

// Store is an entity.Store backed by SQLite.
type Store struct {
	db *sqlitedb.DB
}

var _ entity.Store = (*Store)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens the store at path, creating the schema and DefaultFields.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}

	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New creates a Store on an open database.
func New(ctx context.Context, db *sqlitedb.DB) (*Store, error) {
	if err := db.Migrate(ctx, schema); err != nil {
		return nil, err
	}

	s := &Store{db: db}
	for entityType, fields := range DefaultFields {
		for _, f := range fields {
			if err := s.defineField(ctx, "INSERT OR IGNORE", entityType, f); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DefineField registers or replaces a schema field.
func (s *Store) DefineField(ctx context.Context, entityType string, f entity.Field) error {
	return s.defineField(ctx, "INSERT OR REPLACE", entityType, f)
}

// DropField removes a schema field definition.
func (s *Store) DropField(ctx context.Context, entityType, name string) error {
	_, err := s.db.RawDB().ExecContext(ctx,
		`DELETE FROM schema_fields WHERE entity_type = ? AND name = ?`, entityType, name)
	if err != nil {
		return fmt.Errorf("failed to drop field %s.%s: %w", entityType, name, err)
	}
	return nil
}

func (s *Store) defineField(ctx context.Context, verb, entityType string, f entity.Field) error {
	validTypes, err := json.Marshal(f.ValidTypes)
	if err != nil {
		return fmt.Errorf("failed to encode valid types: %w", err)
	}
	_, err = s.db.RawDB().ExecContext(ctx,
		verb+` INTO schema_fields (entity_type, name, data_type, valid_types) VALUES (?, ?, ?, ?)`,
		entityType, f.Name, f.DataType, string(validTypes))
	if err != nil {
		return fmt.Errorf("failed to define field %s.%s: %w", entityType, f.Name, err)
	}
	return nil
}

// ===================
// entity.Store
// ===================

// FindOne implements entity.Store.
func (s *Store) FindOne(ctx context.Context, entityType string, filters []entity.Filter, opts entity.FindOptions) (*entity.Entity, error) {
	opts.Limit = 1
	found, err := s.Find(ctx, entityType, filters, opts)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// Find implements entity.Store.
func (s *Store) Find(ctx context.Context, entityType string, filters []entity.Filter, opts entity.FindOptions) ([]entity.Entity, error) {
	where, args, err := buildWhere(entityType, filters)
	if err != nil {
		return nil, err
	}
	order, err := buildOrder(opts.Order)
	if err != nil {
		return nil, err
	}

	query := "SELECT id, type, fields FROM entities WHERE " + where + " ORDER BY " + order
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", entityType, err)
	}
	defer rows.Close()

	var result []entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		project(e, opts.Fields)
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", entityType, err)
	}

	return result, nil
}

// Create implements entity.Store.
func (s *Store) Create(ctx context.Context, entityType string, data map[string]any) (*entity.Entity, error) {
	return create(ctx, s.db.RawDB(), entityType, data)
}

// Update implements entity.Store.
func (s *Store) Update(ctx context.Context, entityType string, id int, data map[string]any) (*entity.Entity, error) {
	return update(ctx, s.db.RawDB(), entityType, id, data)
}

// Delete implements entity.Store.
func (s *Store) Delete(ctx context.Context, entityType string, id int) (bool, error) {
	return remove(ctx, s.db.RawDB(), entityType, id)
}

// Batch implements entity.Store. All requests commit or none do.
func (s *Store) Batch(ctx context.Context, reqs []entity.BatchRequest) ([]entity.Entity, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	tx, err := s.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	results := make([]entity.Entity, 0, len(reqs))
	for i, req := range reqs {
		var e *entity.Entity
		switch req.Kind {
		case entity.BatchCreate:
			e, err = create(ctx, tx, req.EntityType, req.Data)
		case entity.BatchUpdate:
			e, err = update(ctx, tx, req.EntityType, req.ID, req.Data)
		case entity.BatchDelete:
			var deleted bool
			deleted, err = remove(ctx, tx, req.EntityType, req.ID)
			if err == nil && !deleted {
				err = fmt.Errorf("%w: %s %d", entity.ErrNotFound, req.EntityType, req.ID)
			}
			e = &entity.Entity{Type: req.EntityType, ID: req.ID}
		default:
			err = fmt.Errorf("unknown batch request kind %q", req.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("batch request %d (%s %s) failed: %w", i, req.Kind, req.EntityType, err)
		}
		results = append(results, *e)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return results, nil
}

// Upload implements entity.Store. The file content is copied into the
// attachments table and the field is set to an Attachment reference.
func (s *Store) Upload(ctx context.Context, entityType string, id int, filePath, field string) error {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read upload %s: %w", filePath, err)
	}

	tx, err := s.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upload: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	name := filepath.Base(filePath)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO attachments (entity_type, entity_id, field, name, content) VALUES (?, ?, ?, ?, ?)`,
		entityType, id, field, name, content)
	if err != nil {
		return fmt.Errorf("failed to store attachment: %w", err)
	}
	attachmentID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read attachment id: %w", err)
	}

	ref := entity.Ref{Type: "Attachment", ID: int(attachmentID), Name: name}
	if _, err := update(ctx, tx, entityType, id, map[string]any{field: ref}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upload: %w", err)
	}
	return nil
}

// FieldSchema implements entity.Store.
func (s *Store) FieldSchema(ctx context.Context, entityType, field string) (*entity.Field, error) {
	var dataType, validTypes string
	err := s.db.RawDB().QueryRowContext(ctx,
		`SELECT data_type, valid_types FROM schema_fields WHERE entity_type = ? AND name = ?`,
		entityType, field).Scan(&dataType, &validTypes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: field %s.%s", entity.ErrNotFound, entityType, field)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schema for %s.%s: %w", entityType, field, err)
	}

	f := &entity.Field{Name: field, DataType: dataType}
	if err := json.Unmarshal([]byte(validTypes), &f.ValidTypes); err != nil {
		return nil, fmt.Errorf("failed to decode valid types for %s.%s: %w", entityType, field, err)
	}
	return f, nil
}

// AttachmentContent returns the bytes uploaded as the given attachment.
func (s *Store) AttachmentContent(ctx context.Context, attachmentID int) ([]byte, error) {
	var content []byte
	err := s.db.RawDB().QueryRowContext(ctx,
		`SELECT content FROM attachments WHERE id = ?`, attachmentID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: attachment %d", entity.ErrNotFound, attachmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment %d: %w", attachmentID, err)
	}
	return content, nil
}

// ===================
// Row operations
// ===================

func create(ctx context.Context, q querier, entityType string, data map[string]any) (*entity.Entity, error) {
	raw, err := encodeFields(data)
	if err != nil {
		return nil, err
	}

	res, err := q.ExecContext(ctx, `INSERT INTO entities (type, fields) VALUES (?, ?)`, entityType, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", entityType, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s id: %w", entityType, err)
	}

	return get(ctx, q, entityType, int(id))
}

func update(ctx context.Context, q querier, entityType string, id int, data map[string]any) (*entity.Entity, error) {
	if len(data) == 0 {
		return get(ctx, q, entityType, id)
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var setArgs []string
	var args []any
	for _, k := range keys {
		path, err := jsonPath(k)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(data[k])
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %s: %w", k, err)
		}
		setArgs = append(setArgs, "'"+path+"'", "json(?)")
		args = append(args, string(value))
	}
	args = append(args, entityType, id)

	query := "UPDATE entities SET fields = json_set(fields, " + strings.Join(setArgs, ", ") + ") WHERE type = ? AND id = ?"
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s %d: %w", entityType, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: %s %d", entity.ErrNotFound, entityType, id)
	}

	return get(ctx, q, entityType, id)
}

func remove(ctx context.Context, q querier, entityType string, id int) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM entities WHERE type = ? AND id = ?`, entityType, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s %d: %w", entityType, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	return n > 0, nil
}

func get(ctx context.Context, q querier, entityType string, id int) (*entity.Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT id, type, fields FROM entities WHERE type = ? AND id = ?`, entityType, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %d", entity.ErrNotFound, entityType, id)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*entity.Entity, error) {
	var (
		id     int
		typ    string
		fields string
	)
	if err := row.Scan(&id, &typ, &fields); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	decoded, err := decodeFields(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s %d: %w", typ, id, err)
	}
	return &entity.Entity{Type: typ, ID: id, Fields: decoded}, nil
}

// project drops fields not requested. An empty request keeps everything.
func project(e *entity.Entity, fields []string) {
	if len(fields) == 0 {
		return
	}
	keep := make(map[string]bool, len(fields))
	for _, f := range fields {
		keep[f] = true
	}
	for k := range e.Fields {
		if !keep[k] {
			delete(e.Fields, k)
		}
	}
}

// ===================
// Encoding
// ===================

func encodeFields(data map[string]any) (string, error) {
	clean := make(map[string]any, len(data))
	for k, v := range data {
		if k == "id" || k == "type" {
			continue
		}
		clean[k] = v
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return "", fmt.Errorf("failed to encode fields: %w", err)
	}
	return string(raw), nil
}

func decodeFields(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		fields[k] = entity.Normalize(v)
	}
	return fields, nil
}

// ===================
// Query building
// ===================

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// jsonPath returns the JSON path for a top-level field name.
func jsonPath(field string) (string, error) {
	if !fieldName.MatchString(field) {
		return "", fmt.Errorf("%w: unsupported field name %q", entity.ErrInvalidFilter, field)
	}
	return "$." + field, nil
}

func buildWhere(entityType string, filters []entity.Filter) (string, []any, error) {
	clauses := []string{"type = ?"}
	args := []any{entityType}

	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return "", nil, err
		}
		clause, fargs, err := filterClause(f)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, fargs...)
	}

	return strings.Join(clauses, " AND "), args, nil
}

func filterClause(f entity.Filter) (string, []any, error) {
	switch f.Op {
	case entity.OpIs:
		return matchClause(f.Field, f.Value)

	case entity.OpIsNot:
		clause, args, err := matchClause(f.Field, f.Value)
		if err != nil {
			return "", nil, err
		}
		return "NOT COALESCE(" + clause + ", 0)", args, nil

	case entity.OpIn:
		values := f.Value.([]any)
		if len(values) == 0 {
			return "0", nil, nil
		}
		parts := make([]string, 0, len(values))
		var args []any
		for _, v := range values {
			clause, vargs, err := matchClause(f.Field, v)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, clause)
			args = append(args, vargs...)
		}
		return "(" + strings.Join(parts, " OR ") + ")", args, nil
	}
	return "", nil, fmt.Errorf("%w: unknown operator %q", entity.ErrInvalidFilter, f.Op)
}

func matchClause(field string, value any) (string, []any, error) {
	if field == "id" {
		id, ok := entity.AsInt(value)
		if !ok {
			return "", nil, fmt.Errorf("%w: id filter needs an integer, got %T", entity.ErrInvalidFilter, value)
		}
		return "id = ?", []any{id}, nil
	}

	path, err := jsonPath(field)
	if err != nil {
		return "", nil, err
	}

	if value == nil {
		return fmt.Sprintf("json_extract(fields, '%s') IS NULL", path), nil, nil
	}

	if ref, ok := entity.AsRef(value); ok {
		clause := fmt.Sprintf("(json_extract(fields, '%[1]s.type') = ? AND json_extract(fields, '%[1]s.id') = ?)", path)
		return clause, []any{ref.Type, ref.ID}, nil
	}

	switch v := value.(type) {
	case string, int, int64, float64:
		return fmt.Sprintf("json_extract(fields, '%s') = ?", path), []any{v}, nil
	case bool:
		b := 0
		if v {
			b = 1
		}
		return fmt.Sprintf("json_extract(fields, '%s') = ?", path), []any{b}, nil
	}
	return "", nil, fmt.Errorf("%w: unsupported value %T for %s", entity.ErrInvalidFilter, value, field)
}

func buildOrder(orders []entity.Order) (string, error) {
	if len(orders) == 0 {
		return "id ASC", nil
	}

	parts := make([]string, 0, len(orders)+1)
	for _, o := range orders {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		if o.Field == "id" {
			parts = append(parts, "id "+dir)
			continue
		}
		path, err := jsonPath(o.Field)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("json_extract(fields, '%s') %s", path, dir))
	}
	parts = append(parts, "id ASC")
	return strings.Join(parts, ", "), nil
}
