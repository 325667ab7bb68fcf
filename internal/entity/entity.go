// Package entity defines the entity-store contract the sync core writes into.
//
// The store is a remote entity-tracking database (ShotGrid in production)
// with typed records, entity references and multi-entity link fields. It has
// no uniqueness constraints and no compare-and-swap, which is why claims go
// through internal/claim.
//
// # Implementations
//
//   - internal/entity/shotgrid: REST API client
//   - internal/entity/sqlite: local store with the same semantics
package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Ref is a reference to an entity, as stored in entity and multi-entity fields.
type Ref struct {
	Type string `json:"type"`
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

// String returns "Type:ID".
func (r Ref) String() string {
	return r.Type + ":" + strconv.Itoa(r.ID)
}

// Same reports whether r and other point at the same record.
func (r Ref) Same(other Ref) bool {
	return r.Type == other.Type && r.ID == other.ID
}

// IsZero reports whether r is unset.
func (r Ref) IsZero() bool {
	return r.Type == "" && r.ID == 0
}

// Entity is a record returned by a Store.
type Entity struct {
	Type   string
	ID     int
	Fields map[string]any
}

// Ref returns a reference to e.
func (e *Entity) Ref() Ref {
	r := Ref{Type: e.Type, ID: e.ID}
	if name, ok := e.Fields["name"].(string); ok {
		r.Name = name
	} else if code, ok := e.Fields["code"].(string); ok {
		r.Name = code
	}
	return r
}

// String returns the field as a string ("" if absent or not a string).
func (e *Entity) String(field string) string {
	s, _ := e.Fields[field].(string)
	return s
}

// Int returns the field as an int.
func (e *Entity) Int(field string) (int, bool) {
	return AsInt(e.Fields[field])
}

// RefField returns the entity reference stored in field.
func (e *Entity) RefField(field string) (Ref, bool) {
	return AsRef(e.Fields[field])
}

// RefsField returns the references stored in a multi-entity field.
func (e *Entity) RefsField(field string) []Ref {
	return AsRefs(e.Fields[field])
}

// ===================
// Value Coercion
// ===================

// AsInt converts numeric field values of any decoded form to int.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == float64(int(n))
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

// AsRef converts an entity field value to a Ref. Decoded JSON objects with
// "type" and "id" keys are accepted as well as Ref values.
func AsRef(v any) (Ref, bool) {
	switch r := v.(type) {
	case Ref:
		return r, true
	case *Ref:
		if r == nil {
			return Ref{}, false
		}
		return *r, true
	case map[string]any:
		typ, _ := r["type"].(string)
		id, ok := AsInt(r["id"])
		if typ == "" || !ok {
			return Ref{}, false
		}
		name, _ := r["name"].(string)
		return Ref{Type: typ, ID: id, Name: name}, true
	}
	return Ref{}, false
}

// AsRefs converts a multi-entity field value to a slice of Refs.
// Elements that are not references are skipped.
func AsRefs(v any) []Ref {
	switch list := v.(type) {
	case []Ref:
		return list
	case []any:
		refs := make([]Ref, 0, len(list))
		for _, item := range list {
			if r, ok := AsRef(item); ok {
				refs = append(refs, r)
			}
		}
		return refs
	}
	return nil
}

// Normalize converts json.Number values decoded with UseNumber into int or
// float64, recursing into objects and arrays.
func Normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, item := range t {
			t[k] = Normalize(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = Normalize(item)
		}
		return t
	}
	return v
}

// ===================
// Queries
// ===================

// Op is a filter operator.
type Op string

const (
	OpIs    Op = "is"
	OpIsNot Op = "is_not"
	OpIn    Op = "in"
)

// Filter is one condition of a query. All filters of a query must match.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Is returns a Filter matching field == value.
func Is(field string, value any) Filter {
	return Filter{Field: field, Op: OpIs, Value: value}
}

// IsNot returns a Filter matching field != value.
func IsNot(field string, value any) Filter {
	return Filter{Field: field, Op: OpIsNot, Value: value}
}

// In returns a Filter matching field against any of values.
func In(field string, values ...any) Filter {
	return Filter{Field: field, Op: OpIn, Value: values}
}

// Validate checks the operator and the shape of the value.
func (f Filter) Validate() error {
	if f.Field == "" {
		return fmt.Errorf("%w: empty field name", ErrInvalidFilter)
	}
	switch f.Op {
	case OpIs, OpIsNot:
		return nil
	case OpIn:
		if _, ok := f.Value.([]any); !ok {
			return fmt.Errorf("%w: %s in requires a list", ErrInvalidFilter, f.Field)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, f.Op)
}

// Order sorts results by a field.
type Order struct {
	Field string
	Desc  bool
}

// FindOptions configures Find and FindOne.
type FindOptions struct {
	// Fields limits the returned fields (id and type are always returned)
	Fields []string

	// Order defaults to ascending id, which is creation order
	Order []Order

	// Limit caps the number of results (0 = no limit)
	Limit int
}

// BatchKind is the kind of a BatchRequest.
type BatchKind string

const (
	BatchCreate BatchKind = "create"
	BatchUpdate BatchKind = "update"
	BatchDelete BatchKind = "delete"
)

// BatchRequest is one operation inside a Store.Batch call.
type BatchRequest struct {
	Kind       BatchKind
	EntityType string
	ID         int
	Data       map[string]any
}

// Field describes one schema field of an entity type.
type Field struct {
	Name       string
	DataType   string
	ValidTypes []string
}

// DataTypeMultiEntity is the data type of a multi-entity link field.
const DataTypeMultiEntity = "multi_entity"

// Accepts reports whether the field is a multi-entity field that can link
// to entities of the given type.
func (f *Field) Accepts(entityType string) bool {
	if f == nil || f.DataType != DataTypeMultiEntity {
		return false
	}
	for _, t := range f.ValidTypes {
		if t == entityType {
			return true
		}
	}
	return false
}

// Store is the entity store consumed by the sync core.
//
// Every method is a blocking network round trip. Transport failures are
// reported with the sentinels in errors.go.
type Store interface {
	// FindOne returns the first match or nil when nothing matches.
	FindOne(ctx context.Context, entityType string, filters []Filter, opts FindOptions) (*Entity, error)

	// Find returns every match.
	Find(ctx context.Context, entityType string, filters []Filter, opts FindOptions) ([]Entity, error)

	// Create creates an entity and returns it with its assigned id.
	Create(ctx context.Context, entityType string, data map[string]any) (*Entity, error)

	// Update sets fields on an existing entity.
	Update(ctx context.Context, entityType string, id int, data map[string]any) (*Entity, error)

	// Delete removes an entity. It returns false if the entity did not exist.
	Delete(ctx context.Context, entityType string, id int) (bool, error)

	// Batch runs the requests as one transaction. The result has one entry
	// per request; delete entries carry only Type and ID.
	Batch(ctx context.Context, reqs []BatchRequest) ([]Entity, error)

	// Upload attaches a local file to the entity's field.
	Upload(ctx context.Context, entityType string, id int, filePath, field string) error

	// FieldSchema describes a field of an entity type. It returns
	// ErrNotFound if the field does not exist.
	FieldSchema(ctx context.Context, entityType, field string) (*Field, error)
}
