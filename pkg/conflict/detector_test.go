package conflict

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/stores"
)

var day = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

func at(hour int) time.Time { return day.Add(time.Duration(hour) * time.Hour) }

func setupStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type changeSpec struct {
	id, client, engineer string
	status               engine.Status
	start, end           int
	assets               []string
}

func seed(t *testing.T, store *stores.SQLiteStore, specs ...changeSpec) {
	t.Helper()
	err := store.RunInTx(context.Background(), func(tx engine.Tx) error {
		for _, s := range specs {
			c := &engine.ChangeRequest{
				ID: s.id, Title: "Change " + s.id, ClientID: s.client, RequesterID: "alice",
				Status: s.status, Priority: engine.PriorityMedium, ChangeType: engine.ChangeTypeNormal,
				RiskLevel: engine.RiskLevelMedium, AssetIDs: s.assets, Revision: 1,
				CreatedAt: day, UpdatedAt: day,
			}
			if s.engineer != "" {
				eng := s.engineer
				c.AssignedEngineerID = &eng
			}
			if s.end > s.start {
				start, end := at(s.start), at(s.end)
				c.ScheduledStart, c.ScheduledEnd = &start, &end
			}
			if err := tx.CreateChange(context.Background(), c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed changes: %v", err)
	}
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name                       string
		aStart, aEnd, bStart, bEnd int
		want                       bool
	}{
		{name: "disjoint", aStart: 0, aEnd: 2, bStart: 3, bEnd: 5, want: false},
		{name: "touching end to start", aStart: 0, aEnd: 2, bStart: 2, bEnd: 4, want: false},
		{name: "touching start to end", aStart: 2, aEnd: 4, bStart: 0, bEnd: 2, want: false},
		{name: "partial overlap", aStart: 0, aEnd: 3, bStart: 2, bEnd: 5, want: true},
		{name: "a contains b", aStart: 0, aEnd: 10, bStart: 2, bEnd: 3, want: true},
		{name: "b contains a", aStart: 2, aEnd: 3, bStart: 0, bEnd: 10, want: true},
		{name: "identical", aStart: 1, aEnd: 4, bStart: 1, bEnd: 4, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Overlaps(at(tt.aStart), at(tt.aEnd), at(tt.bStart), at(tt.bEnd))
			if got != tt.want {
				t.Errorf("Overlaps() = %v, want %v", got, tt.want)
			}
			if rev := Overlaps(at(tt.bStart), at(tt.bEnd), at(tt.aStart), at(tt.aEnd)); rev != got {
				t.Errorf("Overlaps() is not symmetric")
			}
		})
	}
}

func TestBlackoutFindConflicts(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	acme := "acme"
	globex := "globex"

	err := store.RunInTx(ctx, func(tx engine.Tx) error {
		windows := []*engine.BlackoutWindow{
			{ID: "freeze", Name: "Global freeze", StartsAt: at(10), EndsAt: at(12), Active: true},
			{ID: "acme-close", Name: "Acme close", ClientID: &acme, StartsAt: at(20), EndsAt: at(22), Active: true},
			{ID: "globex-close", Name: "Globex close", ClientID: &globex, StartsAt: at(0), EndsAt: at(48), Active: true},
		}
		for _, w := range windows {
			if err := tx.CreateBlackout(ctx, w); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed blackouts: %v", err)
	}

	tests := []struct {
		name       string
		start, end int
		want       []string
	}{
		{name: "clear", start: 13, end: 19, want: nil},
		{name: "ends when freeze starts", start: 8, end: 10, want: nil},
		{name: "inside global freeze", start: 10, end: 11, want: []string{"freeze"}},
		{name: "spans both", start: 11, end: 21, want: []string{"freeze", "acme-close"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.RunInTx(ctx, func(tx engine.Tx) error {
				got, err := BlackoutChecker{}.FindConflicts(ctx, tx, acme, at(tt.start), at(tt.end))
				if err != nil {
					return err
				}
				if len(got) != len(tt.want) {
					t.Errorf("expected %d windows, got %d", len(tt.want), len(got))
					return nil
				}
				for i := range got {
					if got[i].ID != tt.want[i] {
						t.Errorf("window %d: expected %s, got %s", i, tt.want[i], got[i].ID)
					}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("FindConflicts failed: %v", err)
			}
		})
	}
}

func TestDetectorCheck(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seed(t, store,
		changeSpec{id: "same-client", client: "acme", status: engine.StatusScheduled, start: 9, end: 11},
		changeSpec{id: "shared-asset", client: "globex", status: engine.StatusInProgress, start: 10, end: 12, assets: []string{"db-1", "web-1"}},
		changeSpec{id: "same-engineer", client: "initech", engineer: "erin", status: engine.StatusScheduled, start: 8, end: 10},
		changeSpec{id: "touching", client: "acme", status: engine.StatusScheduled, start: 12, end: 14},
		changeSpec{id: "done", client: "acme", status: engine.StatusCompleted, start: 9, end: 11},
		changeSpec{id: "unscheduled", client: "acme", status: engine.StatusApproved},
	)

	engineer := "erin"
	target := &engine.ChangeRequest{
		ID: "target", ClientID: "acme", AssignedEngineerID: &engineer, AssetIDs: []string{"db-1", "web-1"},
	}

	detector := NewDetector()
	_ = store.RunInTx(ctx, func(tx engine.Tx) error {
		report, err := detector.Check(ctx, tx, target, at(9), at(12))
		if err != nil {
			t.Errorf("Check failed: %v", err)
			return err
		}

		if len(report.Changes) != 1 || report.Changes[0].ID != "same-client" {
			t.Errorf("unexpected change conflicts: %v", ids(report.Changes))
		}
		if len(report.Assets) != 2 {
			t.Errorf("expected one entry per shared asset, got %d", len(report.Assets))
		}
		if len(report.Engineers) != 1 || report.Engineers[0].ID != "same-engineer" {
			t.Errorf("unexpected engineer conflicts: %v", ids(report.Engineers))
		}
		if report.Empty() {
			t.Error("report should not be empty")
		}

		desc := report.Describe()
		for _, want := range []string{"same-client", "db-1", "web-1", "erin"} {
			if !strings.Contains(desc, want) {
				t.Errorf("description %q does not name %s", desc, want)
			}
		}
		return nil
	})
}

func TestDetectorExcludesItself(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seed(t, store, changeSpec{id: "self", client: "acme", status: engine.StatusScheduled, start: 9, end: 11, assets: []string{"db-1"}})

	_ = store.RunInTx(ctx, func(tx engine.Tx) error {
		self, err := tx.GetChange(ctx, "self")
		if err != nil {
			t.Errorf("GetChange failed: %v", err)
			return err
		}
		if err := NewDetector().CheckSchedule(ctx, tx, self, at(10), at(12)); err != nil {
			t.Errorf("rescheduling over its own window should not conflict: %v", err)
		}
		return nil
	})
}

func TestCheckScheduleReturnsConflictError(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seed(t, store, changeSpec{id: "busy", client: "acme", status: engine.StatusScheduled, start: 9, end: 11})

	target := &engine.ChangeRequest{ID: "target", ClientID: "acme"}
	_ = store.RunInTx(ctx, func(tx engine.Tx) error {
		err := NewDetector().CheckSchedule(ctx, tx, target, at(10), at(12))
		var ee *engine.EngineError
		if !errors.As(err, &ee) || !engine.IsConflict(err) {
			t.Errorf("expected conflict error, got %v", err)
			return nil
		}
		if len(ee.Conflicts) != 1 || !strings.Contains(ee.Conflicts[0], "busy") {
			t.Errorf("conflict list should name busy: %v", ee.Conflicts)
		}

		if err := NewDetector().CheckSchedule(ctx, tx, target, at(11), at(13)); err != nil {
			t.Errorf("touching windows should not conflict: %v", err)
		}
		return nil
	})
}

func TestCheckEngineer(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seed(t, store,
		changeSpec{id: "booked", client: "globex", engineer: "erin", status: engine.StatusInProgress, start: 9, end: 11},
		changeSpec{id: "later", client: "globex", engineer: "frank", status: engine.StatusScheduled, start: 20, end: 22},
	)

	start, end := at(10), at(12)
	target := &engine.ChangeRequest{ID: "target", ClientID: "acme", ScheduledStart: &start, ScheduledEnd: &end}
	unscheduled := &engine.ChangeRequest{ID: "target", ClientID: "acme"}

	tests := []struct {
		name         string
		change       *engine.ChangeRequest
		engineer     string
		wantConflict bool
	}{
		{name: "overlapping booking", change: target, engineer: "erin", wantConflict: true},
		{name: "free engineer", change: target, engineer: "frank", wantConflict: false},
		{name: "unknown engineer", change: target, engineer: "gina", wantConflict: false},
		{name: "no schedule", change: unscheduled, engineer: "erin", wantConflict: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_ = store.RunInTx(ctx, func(tx engine.Tx) error {
				err := NewDetector().CheckEngineer(ctx, tx, tt.change, tt.engineer)
				if tt.wantConflict && !engine.IsConflict(err) {
					t.Errorf("expected conflict, got %v", err)
				}
				if !tt.wantConflict && err != nil {
					t.Errorf("expected no conflict, got %v", err)
				}
				return nil
			})
		})
	}
}

func ids(changes []*engine.ChangeRequest) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.ID)
	}
	return out
}
