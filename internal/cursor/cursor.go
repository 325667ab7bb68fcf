// Package cursor persists the "last processed change" watermark in the
// changelist server's own counter facility, one counter per project.
package cursor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mschirtzinger/p4sync/internal/changelist"
)

// DefaultPrefix is the counter name prefix; the project id is appended.
const DefaultPrefix = "tk_perforcesync_project_"

// Name returns the counter name for a project.
func Name(prefix string, projectID int) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + strconv.Itoa(projectID)
}

// Counters is the part of changelist.Source the cursor needs.
type Counters interface {
	Counter(ctx context.Context, name string) (int, error)
	SetCounter(ctx context.Context, name string, value int) error
}

// Cursor reads and writes one named counter.
type Cursor struct {
	counters Counters
	name     string
}

// New creates a Cursor over the named counter.
func New(counters Counters, name string) *Cursor {
	return &Cursor{counters: counters, name: name}
}

// Name returns the counter name.
func (c *Cursor) Name() string {
	return c.name
}

// Get returns the stored value, or 0 if the counter was never set.
//
// Any other failure is returned as an error. Callers must abort the cycle
// rather than treat a failed read as 0, which would reprocess history.
func (c *Cursor) Get(ctx context.Context) (int, error) {
	v, err := c.counters.Counter(ctx, c.name)
	if err != nil {
		if changelist.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cursor %s: %w", c.name, err)
	}
	return v, nil
}

// Set overwrites the stored value.
func (c *Cursor) Set(ctx context.Context, value int) error {
	if err := c.counters.SetCounter(ctx, c.name, value); err != nil {
		return fmt.Errorf("failed to write cursor %s=%d: %w", c.name, value, err)
	}
	return nil
}

// Advance moves the cursor to value if value is higher than what is stored,
// and returns the value now stored. The read-then-write is not atomic; a
// concurrent worker may write in between, but both writers only ever move
// the counter forward to ids they have claimed.
func (c *Cursor) Advance(ctx context.Context, value int) (int, error) {
	current, err := c.Get(ctx)
	if err != nil {
		return 0, err
	}
	if value <= current {
		return current, nil
	}
	if err := c.Set(ctx, value); err != nil {
		return current, err
	}
	return value, nil
}
