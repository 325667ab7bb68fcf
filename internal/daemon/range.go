package daemon

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/p4sync/internal/changelist"
	"github.com/mschirtzinger/p4sync/internal/claim"
)

// RangeReport summarizes a range sync.
type RangeReport struct {
	Start, End int

	Synced  []int
	Skipped []int

	// Failed maps change id to the error that stopped it
	Failed map[int]error
}

// OK returns true if no change in the range failed.
func (r *RangeReport) OK() bool {
	return len(r.Failed) == 0
}

// SyncRange syncs every submitted change in [start, end] once, in ascending
// order. It connects once and always disconnects. Per-change failures are
// logged and recorded in the report; only a failed connect returns an error.
// The persisted cursor is never touched.
func (d *Driver) SyncRange(ctx context.Context, start, end int) (*RangeReport, error) {
	if end < start {
		d.config.Logger.Printf("WARNING: end %d is before start %d, syncing %d only", end, start, start)
		end = start
	}

	report := &RangeReport{Start: start, End: end, Failed: make(map[int]error)}

	src, err := d.c.Connect(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			d.config.Logger.Printf("Failed to disconnect: %v", err)
		}
	}()

	for id := start; id <= end; id++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		synced, err := d.syncOne(ctx, src, id)
		switch {
		case err != nil:
			d.config.Logger.Printf("ERROR: change %d failed: %v", id, err)
			report.Failed[id] = err
		case synced:
			report.Synced = append(report.Synced, id)
		default:
			report.Skipped = append(report.Skipped, id)
		}
	}

	d.config.Logger.Printf("Range %d-%d complete: %d synced, %d skipped, %d failed",
		start, end, len(report.Synced), len(report.Skipped), len(report.Failed))
	return report, nil
}

// syncOne runs scope, claim, populate and link for one id. It reports false
// when the change was absent, not submitted, out of scope or already claimed.
func (d *Driver) syncOne(ctx context.Context, src changelist.Source, id int) (bool, error) {
	changes, err := src.Describe(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to describe change: %w", err)
	}
	if len(changes) == 0 || !changes[0].IsSubmitted() {
		d.config.Logger.Printf("Change %d is not a submitted change", id)
		return false, nil
	}
	change := &changes[0]

	inScope, err := d.c.Scope.InScope(ctx, src, change)
	if err != nil {
		return false, fmt.Errorf("scope check failed: %w", err)
	}
	if !inScope {
		d.config.Logger.Printf("Change %d is out of scope", id)
		d.emit(Event{Type: EventChangeSkipped, Change: id, Reason: "out of scope"})
		return false, nil
	}

	res, err := d.c.Claimer.Claim(ctx, change)
	if err != nil {
		return false, fmt.Errorf("claim failed: %w", err)
	}
	if res.Outcome != claim.Claimed {
		d.config.Logger.Printf("Change %d: %s", id, res.Outcome)
		d.emit(Event{Type: EventChangeSkipped, Change: id, Reason: res.Outcome.String()})
		return false, nil
	}
	d.emit(Event{Type: EventChangeClaimed, Change: id})

	if err := d.finish(ctx, src, change, res.Entity); err != nil {
		return false, err
	}
	return true, nil
}
