// Package locator finds the next submitted change at or above a floor.
package locator

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/p4sync/internal/changelist"
)

// DefaultBatchSize is the number of ids described per round trip.
const DefaultBatchSize = 10

// Locator scans the change history in ascending batches.
type Locator struct {
	batchSize int
}

// New creates a Locator. A batch size below 1 uses DefaultBatchSize.
func New(batchSize int) *Locator {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Locator{batchSize: batchSize}
}

// FindNext returns the lowest submitted change with id >= floor, or nil when
// there is none up to the latest submitted change.
//
// Pending and shelved ids in the scanned range are skipped. The caller owns
// any progress bookkeeping; FindNext has no side effects.
func (l *Locator) FindNext(ctx context.Context, src changelist.Source, floor int) (*changelist.Change, error) {
	if floor < 1 {
		floor = 1
	}

	latest, err := src.LatestSubmitted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest submitted change: %w", err)
	}
	if latest < floor {
		return nil, nil
	}

	for start := floor; start <= latest; start += l.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := start + l.batchSize - 1
		if end > latest {
			end = latest
		}

		ids := make([]int, 0, end-start+1)
		for id := start; id <= end; id++ {
			ids = append(ids, id)
		}

		changes, err := src.Describe(ctx, ids...)
		if err != nil {
			return nil, fmt.Errorf("failed to describe changes %d-%d: %w", start, end, err)
		}

		for i := range changes {
			if changes[i].IsSubmitted() && changes[i].ID >= floor {
				c := changes[i]
				return &c, nil
			}
		}
	}

	return nil, nil
}
