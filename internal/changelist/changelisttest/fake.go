// Package changelisttest provides an in-memory changelist.Source for tests.
package changelisttest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mschirtzinger/p4sync/internal/changelist"
)

// Fake is an in-memory changelist server.
//
// Changes hold the history; the state of a path as of a change is derived
// from the highest change at or below it that touched the path. Files holds
// head content for Print and FileExists (marker files and the like).
type Fake struct {
	mu sync.Mutex

	changes  map[int]changelist.Change
	files    map[string][]byte
	counters map[string]int
	fail     map[string]error
	failOnce map[string]error
	calls    map[string]int
	closed   bool
}

var _ changelist.Source = (*Fake)(nil)

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		changes:  make(map[int]changelist.Change),
		files:    make(map[string][]byte),
		counters: make(map[string]int),
		fail:     make(map[string]error),
		failOnce: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// AddChange records a change. Submitted is the default status.
func (f *Fake) AddChange(c changelist.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Status == "" {
		c.Status = changelist.StatusSubmitted
	}
	f.changes[c.ID] = c
}

// SetFile sets the head content of a depot file.
func (f *Fake) SetFile(path string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
}

// Fail makes every call to method return err until cleared with a nil err.
func (f *Fake) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, method)
		return
	}
	f.fail[method] = err
}

// FailOnce makes the next call to method return err.
func (f *Fake) FailOnce(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOnce[method] = err
}

// Calls returns how many times method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// CounterValue returns a counter without counting as a call.
func (f *Fake) CounterValue(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[name]
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reopen clears the closed flag so the same Fake can back a reconnect.
func (f *Fake) Reopen() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = false
}

// enter records the call and returns any injected failure. Callers hold mu.
func (f *Fake) enter(method string) error {
	f.calls[method]++
	if f.closed {
		return fmt.Errorf("%w: fake closed", changelist.ErrConnection)
	}
	if err, ok := f.failOnce[method]; ok {
		delete(f.failOnce, method)
		return err
	}
	return f.fail[method]
}

// Describe implements changelist.Source.
func (f *Fake) Describe(ctx context.Context, ids ...int) ([]changelist.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Describe"); err != nil {
		return nil, err
	}

	var out []changelist.Change
	for _, id := range ids {
		if c, ok := f.changes[id]; ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LatestSubmitted implements changelist.Source.
func (f *Fake) LatestSubmitted(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("LatestSubmitted"); err != nil {
		return 0, err
	}

	latest := 0
	for id, c := range f.changes {
		if c.IsSubmitted() && id > latest {
			latest = id
		}
	}
	return latest, nil
}

// FileStat implements changelist.Source.
func (f *Fake) FileStat(ctx context.Context, change int, opts changelist.FileStatOptions) ([]changelist.FileStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("FileStat"); err != nil {
		return nil, err
	}

	excluded := make(map[changelist.Action]bool, len(opts.ExcludeActions))
	for _, a := range opts.ExcludeActions {
		excluded[a] = true
	}

	var stats []changelist.FileStat
	if len(opts.Paths) == 0 {
		c, ok := f.changes[change]
		if !ok || !c.IsSubmitted() {
			return nil, nil
		}
		for _, fr := range c.Files {
			if excluded[fr.Action] {
				continue
			}
			stats = append(stats, changelist.FileStat{Path: fr.Path, Revision: fr.Revision, Action: fr.Action, Change: change})
		}
		return stats, nil
	}

	for _, path := range opts.Paths {
		stat, ok := f.statAt(path, change)
		if !ok || excluded[stat.Action] {
			continue
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

// statAt returns the newest revision of path at or below change.
func (f *Fake) statAt(path string, change int) (changelist.FileStat, bool) {
	var best changelist.FileStat
	found := false
	for id, c := range f.changes {
		if id > change || !c.IsSubmitted() {
			continue
		}
		for _, fr := range c.Files {
			if fr.Path == path && (!found || id > best.Change) {
				best = changelist.FileStat{Path: path, Revision: fr.Revision, Action: fr.Action, Change: id}
				found = true
			}
		}
	}
	return best, found
}

// FileExists implements changelist.Source.
func (f *Fake) FileExists(ctx context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("FileExists"); err != nil {
		return false, err
	}
	_, ok := f.files[path]
	return ok, nil
}

// Print implements changelist.Source.
func (f *Fake) Print(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Print"); err != nil {
		return nil, err
	}
	content, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", changelist.ErrNotFound, path)
	}
	return content, nil
}

// Counter implements changelist.Source.
func (f *Fake) Counter(ctx context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Counter"); err != nil {
		return 0, err
	}
	return f.counters[name], nil
}

// SetCounter implements changelist.Source.
func (f *Fake) SetCounter(ctx context.Context, name string, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetCounter"); err != nil {
		return err
	}
	f.counters[name] = value
	return nil
}

// Close implements changelist.Source.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
