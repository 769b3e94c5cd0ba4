package conflict

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Querier is the read surface the detector needs from a transaction.
type Querier interface {
	engine.BlackoutRepository
	ListChanges(ctx context.Context, filter engine.ChangeFilter) ([]*engine.ChangeRequest, error)
}

// AssetConflict is one shared asset between the checked change and another.
type AssetConflict struct {
	AssetID string
	Change  *engine.ChangeRequest
}

// Report collects everything that collides with a proposed window.
type Report struct {
	Blackouts []*engine.BlackoutWindow
	Changes   []*engine.ChangeRequest
	Assets    []AssetConflict
	Engineers []*engine.ChangeRequest
}

// Empty reports whether nothing conflicts.
func (r *Report) Empty() bool {
	return len(r.Blackouts) == 0 && len(r.Changes) == 0 && len(r.Assets) == 0 && len(r.Engineers) == 0
}

// Items returns one human-readable line per conflict.
func (r *Report) Items() []string {
	var items []string
	for _, w := range r.Blackouts {
		items = append(items, fmt.Sprintf("blackout window %q (%s to %s)",
			w.Name, w.StartsAt.Format(time.RFC3339), w.EndsAt.Format(time.RFC3339)))
	}
	for _, c := range r.Changes {
		items = append(items, fmt.Sprintf("change %s %q for the same client", c.ID, c.Title))
	}
	for _, a := range r.Assets {
		items = append(items, fmt.Sprintf("asset %s is also touched by change %s", a.AssetID, a.Change.ID))
	}
	for _, c := range r.Engineers {
		engineer := ""
		if c.AssignedEngineerID != nil {
			engineer = *c.AssignedEngineerID
		}
		items = append(items, fmt.Sprintf("engineer %s is booked on change %s", engineer, c.ID))
	}
	return items
}

// Describe names every conflicting window, change, asset and engineer booking.
func (r *Report) Describe() string {
	items := r.Items()
	if len(items) == 0 {
		return "no conflicts"
	}
	return "scheduling conflicts: " + strings.Join(items, "; ")
}

// Detector checks proposed windows against blackouts and other active work.
// It implements engine.ConflictChecker.
type Detector struct {
	blackouts BlackoutChecker
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithMetrics records conflict counts.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithLogger sets the detector logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Detector) { d.logger = l.With().Str("component", "conflict-detector").Logger() }
}

// NewDetector creates a conflict detector.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var activeWindow = []engine.Status{engine.StatusScheduled, engine.StatusInProgress}

// Check builds the conflict report for scheduling change into [start, end).
func (d *Detector) Check(ctx context.Context, q Querier, change *engine.ChangeRequest, start, end time.Time) (*Report, error) {
	report := &Report{}

	blackouts, err := d.blackouts.FindConflicts(ctx, q, change.ClientID, start, end)
	if err != nil {
		return nil, err
	}
	report.Blackouts = blackouts

	others, err := d.overlapping(ctx, q, change, start, end)
	if err != nil {
		return nil, err
	}

	assets := make(map[string]struct{}, len(change.AssetIDs))
	for _, id := range change.AssetIDs {
		assets[id] = struct{}{}
	}

	for _, other := range others {
		if other.ClientID == change.ClientID {
			report.Changes = append(report.Changes, other)
		}
		for _, id := range other.AssetIDs {
			if _, ok := assets[id]; ok {
				report.Assets = append(report.Assets, AssetConflict{AssetID: id, Change: other})
			}
		}
		if change.AssignedEngineerID != nil && other.AssignedEngineerID != nil &&
			*other.AssignedEngineerID == *change.AssignedEngineerID {
			report.Engineers = append(report.Engineers, other)
		}
	}

	return report, nil
}

// CheckSchedule returns a conflict error when the window collides with anything.
func (d *Detector) CheckSchedule(ctx context.Context, tx engine.Tx, change *engine.ChangeRequest, start, end time.Time) error {
	report, err := d.Check(ctx, tx, change, start, end)
	if err != nil {
		return err
	}
	d.record(report)
	if report.Empty() {
		return nil
	}

	d.logger.Info().
		Str("change_id", change.ID).
		Int("blackouts", len(report.Blackouts)).
		Int("changes", len(report.Changes)).
		Int("assets", len(report.Assets)).
		Int("engineers", len(report.Engineers)).
		Msg("Schedule rejected by conflicts")

	return engine.NewConflictError(report.Describe(), report.Items()).WithChange(change.ID)
}

// CheckEngineer returns a conflict error when engineerID is already booked on
// another active change overlapping the change's scheduled window.
func (d *Detector) CheckEngineer(ctx context.Context, tx engine.Tx, change *engine.ChangeRequest, engineerID string) error {
	if !change.HasSchedule() {
		return nil
	}

	others, err := tx.ListChanges(ctx, engine.ChangeFilter{
		Statuses:   activeWindow,
		EngineerID: engineerID,
		ExcludeID:  change.ID,
	})
	if err != nil {
		return err
	}

	report := &Report{}
	for _, other := range others {
		if other.HasSchedule() && Overlaps(*change.ScheduledStart, *change.ScheduledEnd, *other.ScheduledStart, *other.ScheduledEnd) {
			report.Engineers = append(report.Engineers, other)
		}
	}
	d.record(report)
	if report.Empty() {
		return nil
	}
	return engine.NewConflictError(report.Describe(), report.Items()).WithChange(change.ID)
}

// overlapping lists other active-window changes whose schedule intersects [start, end).
func (d *Detector) overlapping(ctx context.Context, q Querier, change *engine.ChangeRequest, start, end time.Time) ([]*engine.ChangeRequest, error) {
	candidates, err := q.ListChanges(ctx, engine.ChangeFilter{
		Statuses:  activeWindow,
		ExcludeID: change.ID,
	})
	if err != nil {
		return nil, err
	}

	var out []*engine.ChangeRequest
	for _, c := range candidates {
		if c.HasSchedule() && Overlaps(start, end, *c.ScheduledStart, *c.ScheduledEnd) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *Detector) record(r *Report) {
	d.metrics.RecordConflict("blackout", len(r.Blackouts))
	d.metrics.RecordConflict("change", len(r.Changes))
	d.metrics.RecordConflict("asset", len(r.Assets))
	d.metrics.RecordConflict("engineer", len(r.Engineers))
}
