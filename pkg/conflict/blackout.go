package conflict

import (
	"context"
	"time"

	"github.com/openfroyo/changegov/pkg/engine"
)

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
// Windows that only touch do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// BlackoutChecker finds blackout windows that intersect a proposed window.
type BlackoutChecker struct{}

// FindConflicts returns the active windows, global or scoped to clientID,
// that overlap [start, end). It never writes.
func (BlackoutChecker) FindConflicts(ctx context.Context, q engine.BlackoutRepository, clientID string, start, end time.Time) ([]*engine.BlackoutWindow, error) {
	windows, err := q.ListActiveBlackouts(ctx, clientID)
	if err != nil {
		return nil, err
	}

	var conflicts []*engine.BlackoutWindow
	for _, w := range windows {
		if Overlaps(w.StartsAt, w.EndsAt, start, end) {
			conflicts = append(conflicts, w)
		}
	}
	return conflicts, nil
}
