// Package daemon drives the sync: single-shot range syncs and the polling
// daemon that mirrors every new submitted change.
//
// One daemon cycle:
//
//	floor = max(start override, cursor+1, local pointer)
//	locate -> scope check -> claim -> advance cursor -> populate -> link
//
// Out-of-scope changes and lost claims move only the local pointer. The
// persisted cursor moves only to changes this worker claimed, and before
// populate runs, so a crash during populate never hands the change to a
// peer. Any failure ends the cycle; the daemon disconnects, sleeps and
// starts over from the stored cursor.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/p4sync/internal/changelist"
	"github.com/mschirtzinger/p4sync/internal/claim"
	"github.com/mschirtzinger/p4sync/internal/cursor"
	"github.com/mschirtzinger/p4sync/internal/entity"
	"github.com/mschirtzinger/p4sync/internal/locator"
)

// Config holds configuration for the driver.
type Config struct {
	// PollInterval is how long to sleep after an empty or failed cycle
	PollInterval time.Duration

	// Start is the external start override (0 = none)
	Start int

	// CounterName is the persisted cursor counter
	CounterName string

	// WakeDir, if set, is watched to end idle sleeps early
	WakeDir string

	// Logger for driver activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 30 * time.Second,
		Logger:       log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// ScopeChecker decides whether a change belongs to the project.
type ScopeChecker interface {
	InScope(ctx context.Context, src changelist.Source, change *changelist.Change) (bool, error)
}

// Claimer records changes exactly once and links their files.
type Claimer interface {
	Claim(ctx context.Context, change *changelist.Change) (claim.Result, error)
	Link(ctx context.Context, revision *entity.Entity, files []entity.Ref) error
}

// Populator creates the published files of a claimed change.
type Populator interface {
	Populate(ctx context.Context, src changelist.Source, change *changelist.Change) ([]entity.Ref, error)
}

// Components are the collaborators of a Driver. All are required except
// Observer.
type Components struct {
	Connect   changelist.Connector
	Locator   *locator.Locator
	Scope     ScopeChecker
	Claimer   Claimer
	Populator Populator
	Observer  Observer
}

// MaxFinishAttempts bounds how often a claimed change is re-populated
// before it is left for manual replay.
const MaxFinishAttempts = 3

// claimed is a change this worker owns that still needs populate or link.
type claimed struct {
	change   *changelist.Change
	revision *entity.Entity
	attempts int
}

// Driver runs the sync for one worker. It is not safe for concurrent use.
type Driver struct {
	config *Config
	c      Components
	id     string

	// lowest change id not yet inspected by this worker
	next int

	// claimed changes whose populate or link failed
	pending []claimed
}

// New creates a Driver.
func New(config *Config, c Components) (*Driver, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.CounterName == "" {
		return nil, fmt.Errorf("counter name cannot be empty")
	}
	if c.Connect == nil || c.Scope == nil || c.Claimer == nil || c.Populator == nil {
		return nil, fmt.Errorf("connector, scope, claimer and populator are required")
	}
	if c.Locator == nil {
		c.Locator = locator.New(locator.DefaultBatchSize)
	}

	return &Driver{
		config: config,
		c:      c,
		id:     uuid.NewString(),
	}, nil
}

// ID returns the worker id used in logs and events.
func (d *Driver) ID() string {
	return d.id
}

// Run polls for new changes until ctx is cancelled. It returns nil on
// cancellation; every other failure is logged and retried.
func (d *Driver) Run(ctx context.Context) error {
	d.config.Logger.Printf("Starting worker %s (counter %s)", d.id, d.config.CounterName)

	var wake <-chan struct{}
	if d.config.WakeDir != "" {
		w, err := NewWakeWatcher()
		if err == nil {
			err = w.Start(d.config.WakeDir)
		}
		if err != nil {
			d.config.Logger.Printf("Wake directory disabled: %v", err)
		} else {
			defer w.Stop()
			wake = w.Wake()
			d.config.Logger.Printf("Watching %s for wake-ups", d.config.WakeDir)
		}
	}

	var src changelist.Source
	defer func() {
		if src != nil {
			_ = src.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			d.config.Logger.Println("Shutdown signal received")
			return nil
		}

		if src == nil {
			var err error
			src, err = d.c.Connect(ctx)
			if err != nil {
				src = nil
				d.config.Logger.Printf("Failed to connect: %v", err)
				d.sleep(ctx, wake)
				continue
			}
		}

		worked, err := d.Cycle(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			d.config.Logger.Printf("Cycle failed, reconnecting: %v", err)
			_ = src.Close()
			src = nil
			d.sleep(ctx, wake)
			continue
		}

		if !worked {
			d.sleep(ctx, wake)
		}
	}
}

// Cycle runs one daemon cycle on src. It reports whether a change was
// inspected; false means there was nothing to do.
func (d *Driver) Cycle(ctx context.Context, src changelist.Source) (bool, error) {
	cur := cursor.New(src, d.config.CounterName)

	if len(d.pending) > 0 {
		p := &d.pending[0]
		p.attempts++
		err := d.finish(ctx, src, p.change, p.revision)
		if err != nil && p.attempts < MaxFinishAttempts {
			return true, err
		}
		if err != nil {
			d.config.Logger.Printf("ERROR: giving up on change %d after %d attempts, replay it with sync --start=%d: %v",
				p.change.ID, p.attempts, p.change.ID, err)
		}
		d.pending = d.pending[1:]
		return true, nil
	}

	stored, err := cur.Get(ctx)
	if err != nil {
		return false, err
	}

	floor := d.Floor(stored)
	change, err := d.c.Locator.FindNext(ctx, src, floor)
	if err != nil {
		return false, err
	}
	if change == nil {
		d.emit(Event{Type: EventCycleIdle, Cursor: stored})
		return false, nil
	}

	inScope, err := d.c.Scope.InScope(ctx, src, change)
	if err != nil {
		return true, fmt.Errorf("scope check of change %d failed: %w", change.ID, err)
	}
	if !inScope {
		d.config.Logger.Printf("Change %d is out of scope", change.ID)
		d.next = change.ID + 1
		d.emit(Event{Type: EventChangeSkipped, Change: change.ID, Reason: "out of scope"})
		return true, nil
	}

	res, err := d.c.Claimer.Claim(ctx, change)
	if err != nil {
		return true, fmt.Errorf("claim of change %d failed: %w", change.ID, err)
	}
	if res.Outcome != claim.Claimed {
		d.config.Logger.Printf("Change %d: %s", change.ID, res.Outcome)
		d.next = change.ID + 1
		d.emit(Event{Type: EventChangeSkipped, Change: change.ID, Reason: res.Outcome.String()})
		return true, nil
	}

	d.next = change.ID + 1
	stored, advErr := cur.Advance(ctx, change.ID)
	if advErr != nil {
		d.config.Logger.Printf("ERROR: change %d claimed but cursor not advanced: %v", change.ID, advErr)
	}
	d.emit(Event{Type: EventChangeClaimed, Change: change.ID, Cursor: stored})

	if err := d.finish(ctx, src, change, res.Entity); err != nil {
		d.pending = append(d.pending, claimed{change: change, revision: res.Entity, attempts: 1})
		return true, err
	}
	return true, advErr
}

// Floor returns the lowest change id the next cycle may look at.
func (d *Driver) Floor(stored int) int {
	return max(d.config.Start, stored+1, d.next)
}

// finish populates a claimed change and links its files.
func (d *Driver) finish(ctx context.Context, src changelist.Source, change *changelist.Change, revision *entity.Entity) error {
	refs, err := d.c.Populator.Populate(ctx, src, change)
	if err != nil {
		d.emit(Event{Type: EventChangeFailed, Change: change.ID, Reason: err.Error()})
		return fmt.Errorf("populate of change %d failed: %w", change.ID, err)
	}

	if err := d.c.Claimer.Link(ctx, revision, refs); err != nil {
		d.emit(Event{Type: EventChangeFailed, Change: change.ID, Reason: err.Error()})
		return fmt.Errorf("link of change %d failed: %w", change.ID, err)
	}

	d.config.Logger.Printf("Change %d synced with %d files", change.ID, len(refs))
	d.emit(Event{Type: EventChangePopulated, Change: change.ID, Files: len(refs)})
	return nil
}

func (d *Driver) sleep(ctx context.Context, wake <-chan struct{}) {
	t := time.NewTimer(d.config.PollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	case <-wake:
		d.config.Logger.Println("Woken early")
	}
}

func (d *Driver) emit(e Event) {
	if d.c.Observer == nil {
		return
	}
	e.Worker = d.id
	e.Time = time.Now()
	d.c.Observer.Observe(e)
}
