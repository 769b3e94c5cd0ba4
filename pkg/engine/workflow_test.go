package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/changegov/pkg/conflict"
	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/stores"
)

type fixture struct {
	store *stores.SQLiteStore
	wf    *engine.Workflow
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	f.wf = engine.NewWorkflow(store, store, conflict.NewDetector(),
		engine.WithClock(func() time.Time { return f.now }),
		engine.WithAudit(store),
	)
	return f
}

func (f *fixture) create(t *testing.T, mutate func(c *engine.ChangeRequest)) *engine.ChangeRequest {
	t.Helper()
	c := &engine.ChangeRequest{
		Title:       "Rotate TLS certificates",
		ClientID:    "acme",
		RequesterID: "alice",
		Priority:    engine.PriorityMedium,
		ChangeType:  engine.ChangeTypeNormal,
		RiskLevel:   engine.RiskLevelMedium,
	}
	if mutate != nil {
		mutate(c)
	}
	created, err := f.wf.Create(context.Background(), c, "alice")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return created
}

// approved drives a fresh change to approved through the plain transition path.
func (f *fixture) approved(t *testing.T, mutate func(c *engine.ChangeRequest)) *engine.ChangeRequest {
	t.Helper()
	c := f.create(t, mutate)
	for _, to := range []engine.Status{engine.StatusSubmitted, engine.StatusApproved} {
		var err error
		if c, err = f.wf.Transition(context.Background(), c.ID, to, "manager", ""); err != nil {
			t.Fatalf("transition to %s failed: %v", to, err)
		}
	}
	return c
}

func (f *fixture) update(t *testing.T, id string, fn func(c *engine.ChangeRequest)) {
	t.Helper()
	ctx := context.Background()
	err := f.store.RunInTx(ctx, func(tx engine.Tx) error {
		c, err := tx.GetChange(ctx, id)
		if err != nil {
			return err
		}
		fn(c)
		return tx.UpdateChange(ctx, c)
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	c := f.create(t, func(c *engine.ChangeRequest) {
		c.Status = engine.StatusApproved
		c.Revision = 7
		c.RiskScore = 99
		c.AssetIDs = []string{"db-1", "db-2", "db-1"}
	})

	if c.ID == "" {
		t.Error("expected an id to be assigned")
	}
	if c.Status != engine.StatusDraft {
		t.Errorf("Status = %s, want draft", c.Status)
	}
	if c.Revision != 1 {
		t.Errorf("Revision = %d, want 1", c.Revision)
	}
	if c.RiskScore != 0 {
		t.Errorf("RiskScore = %d, want 0 before evaluation", c.RiskScore)
	}
	if len(c.AssetIDs) != 2 {
		t.Errorf("AssetIDs = %v, want duplicates removed", c.AssetIDs)
	}
	if !c.CreatedAt.Equal(f.now) {
		t.Errorf("CreatedAt = %v, want %v", c.CreatedAt, f.now)
	}

	loaded, err := f.wf.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.Title != c.Title || loaded.Status != engine.StatusDraft {
		t.Errorf("loaded change does not match: %+v", loaded)
	}
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *engine.ChangeRequest)
	}{
		{"missing title", func(c *engine.ChangeRequest) { c.Title = "" }},
		{"long title", func(c *engine.ChangeRequest) { c.Title = strings.Repeat("x", 256) }},
		{"missing client", func(c *engine.ChangeRequest) { c.ClientID = "" }},
		{"missing requester", func(c *engine.ChangeRequest) { c.RequesterID = "" }},
		{"bad priority", func(c *engine.ChangeRequest) { c.Priority = "urgent" }},
		{"bad change type", func(c *engine.ChangeRequest) { c.ChangeType = "minor" }},
		{"bad risk level", func(c *engine.ChangeRequest) { c.RiskLevel = "extreme" }},
		{"empty asset id", func(c *engine.ChangeRequest) { c.AssetIDs = []string{""} }},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &engine.ChangeRequest{
				Title:       "Patch",
				ClientID:    "acme",
				RequesterID: "alice",
				Priority:    engine.PriorityLow,
				ChangeType:  engine.ChangeTypeStandard,
				RiskLevel:   engine.RiskLevelLow,
			}
			tt.mutate(c)
			_, err := f.wf.Create(context.Background(), c, "alice")
			if !engine.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestGetMissingChange(t *testing.T) {
	f := newFixture(t)
	if _, err := f.wf.Get(context.Background(), "nope"); !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransitionSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.approved(t, nil)
	if c.ApprovedAt == nil || !c.ApprovedAt.Equal(f.now) {
		t.Errorf("ApprovedAt = %v, want %v", c.ApprovedAt, f.now)
	}
	if c.ApprovedBy == nil || *c.ApprovedBy != "manager" {
		t.Errorf("ApprovedBy = %v, want manager", c.ApprovedBy)
	}

	start := f.now.Add(24 * time.Hour)
	if _, err := f.wf.Schedule(ctx, c.ID, start, start.Add(2*time.Hour), "manager"); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	f.now = start
	c, err := f.wf.Transition(ctx, c.ID, engine.StatusInProgress, "bob", "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if c.ActualStart == nil || !c.ActualStart.Equal(start) {
		t.Errorf("ActualStart = %v, want %v", c.ActualStart, start)
	}

	f.now = start.Add(90 * time.Minute)
	c, err = f.wf.Transition(ctx, c.ID, engine.StatusCompleted, "bob", "")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if c.ActualEnd == nil || !c.ActualEnd.Equal(f.now) {
		t.Errorf("ActualEnd = %v, want %v", c.ActualEnd, f.now)
	}

	if _, err := f.wf.Transition(ctx, c.ID, engine.StatusCancelled, "bob", ""); !engine.IsIllegalTransition(err) {
		t.Fatalf("expected illegal transition out of completed, got %v", err)
	}
}

func TestTransitionDefaultReasons(t *testing.T) {
	tests := []struct {
		name   string
		to     engine.Status
		actor  string
		reason string
		want   string
	}{
		{"explicit rejection reason", engine.StatusRejected, "carol", "missing backout plan", "missing backout plan"},
		{"default rejection reason", engine.StatusRejected, "carol", "", "Rejected by carol"},
		{"system cancellation", engine.StatusCancelled, "", "  ", "Cancelled by system"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			c := f.create(t, nil)
			if _, err := f.wf.Transition(ctx, c.ID, engine.StatusSubmitted, "alice", ""); err != nil {
				t.Fatalf("submit failed: %v", err)
			}

			c, err := f.wf.Transition(ctx, c.ID, tt.to, tt.actor, tt.reason)
			if err != nil {
				t.Fatalf("transition failed: %v", err)
			}
			if c.RejectionReason == nil || *c.RejectionReason != tt.want {
				t.Errorf("RejectionReason = %v, want %q", c.RejectionReason, tt.want)
			}
		})
	}
}

func TestReworkBumpsRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.create(t, nil)
	for _, to := range []engine.Status{engine.StatusSubmitted, engine.StatusRejected} {
		if _, err := f.wf.Transition(ctx, c.ID, to, "carol", ""); err != nil {
			t.Fatalf("transition to %s failed: %v", to, err)
		}
	}
	conditions := "Run in maintenance mode"
	pending := engine.ConditionsPending
	f.update(t, c.ID, func(c *engine.ChangeRequest) {
		c.CabConditions = &conditions
		c.CabConditionsStatus = &pending
	})

	c, err := f.wf.Transition(ctx, c.ID, engine.StatusDraft, "alice", "")
	if err != nil {
		t.Fatalf("rework failed: %v", err)
	}
	if c.Revision != 2 {
		t.Errorf("Revision = %d, want 2", c.Revision)
	}
	if c.RejectionReason != nil {
		t.Errorf("RejectionReason = %q, want cleared", *c.RejectionReason)
	}
	if c.CabConditions != nil || c.CabConditionsStatus != nil {
		t.Error("expected CAB conditions to be cleared on rework")
	}
}

func TestTransitionCannotRouteToCab(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.create(t, nil)
	if _, err := f.wf.Transition(ctx, c.ID, engine.StatusSubmitted, "alice", ""); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := f.wf.Transition(ctx, c.ID, engine.StatusPendingApproval, "alice", ""); !engine.IsIllegalTransition(err) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestIllegalTransitionWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.create(t, nil)
	before, err := f.wf.History(ctx, c.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}

	for _, to := range []engine.Status{engine.StatusApproved, engine.StatusCompleted, engine.StatusDraft, "bogus"} {
		_, err := f.wf.Transition(ctx, c.ID, to, "alice", "")
		if err == nil {
			t.Fatalf("transition to %s should fail", to)
		}
	}

	after, err := f.wf.History(ctx, c.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("history grew from %d to %d events", len(before), len(after))
	}
	loaded, _ := f.wf.Get(ctx, c.ID)
	if loaded.Status != engine.StatusDraft {
		t.Errorf("Status = %s, want draft", loaded.Status)
	}
}

func TestScheduleRequiresApproval(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, nil)

	start := f.now.Add(time.Hour)
	_, err := f.wf.Schedule(context.Background(), c.ID, start, start.Add(time.Hour), "manager")
	if !engine.IsIllegalTransition(err) {
		t.Fatalf("expected illegal transition for a draft change, got %v", err)
	}
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.approved(t, nil)

	start := f.now.Add(time.Hour)
	for _, end := range []time.Time{start, start.Add(-time.Minute)} {
		if _, err := f.wf.Schedule(ctx, c.ID, start, end, "manager"); !engine.IsValidation(err) {
			t.Errorf("Schedule(%v, %v) expected validation error, got %v", start, end, err)
		}
	}
}

func TestScheduleEnforcesPolicyMaxHours(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	maxHours := 4
	policy := &engine.ChangePolicy{
		ID:                     "pol-short",
		Name:                   "Short windows",
		MaxImplementationHours: &maxHours,
		Active:                 true,
		CreatedAt:              f.now,
	}
	if err := f.store.RunInTx(ctx, func(tx engine.Tx) error { return tx.CreatePolicy(ctx, policy) }); err != nil {
		t.Fatalf("CreatePolicy failed: %v", err)
	}

	c := f.approved(t, nil)
	f.update(t, c.ID, func(c *engine.ChangeRequest) { c.PolicyID = &policy.ID })

	start := f.now.Add(time.Hour)
	if _, err := f.wf.Schedule(ctx, c.ID, start, start.Add(5*time.Hour), "manager"); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for a 5h window, got %v", err)
	}
	c, err := f.wf.Schedule(ctx, c.ID, start, start.Add(4*time.Hour), "manager")
	if err != nil {
		t.Fatalf("Schedule within the limit failed: %v", err)
	}
	if c.Status != engine.StatusScheduled {
		t.Errorf("Status = %s, want scheduled", c.Status)
	}
}

func TestScheduleBlockedByPendingConditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.approved(t, nil)
	conditions := "Notify the NOC first"
	pending := engine.ConditionsPending
	f.update(t, c.ID, func(c *engine.ChangeRequest) {
		c.CabConditions = &conditions
		c.CabConditionsStatus = &pending
	})

	start := f.now.Add(time.Hour)
	_, err := f.wf.Schedule(ctx, c.ID, start, start.Add(time.Hour), "manager")
	if !engine.IsPreconditionFailed(err) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
}

func TestScheduleConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.approved(t, func(c *engine.ChangeRequest) { c.AssetIDs = []string{"lb-1"} })
	start := f.now.Add(48 * time.Hour)
	if _, err := f.wf.Schedule(ctx, first.ID, start, start.Add(2*time.Hour), "manager"); err != nil {
		t.Fatalf("first Schedule failed: %v", err)
	}

	second := f.approved(t, func(c *engine.ChangeRequest) {
		c.ClientID = "globex"
		c.AssetIDs = []string{"lb-1"}
	})
	_, err := f.wf.Schedule(ctx, second.ID, start.Add(time.Hour), start.Add(3*time.Hour), "manager")
	if !engine.IsConflict(err) {
		t.Fatalf("expected asset conflict, got %v", err)
	}

	// Back-to-back windows do not overlap.
	if _, err := f.wf.Schedule(ctx, second.ID, start.Add(2*time.Hour), start.Add(3*time.Hour), "manager"); err != nil {
		t.Fatalf("adjacent Schedule failed: %v", err)
	}
}

func TestRescheduleKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.approved(t, nil)
	start := f.now.Add(time.Hour)
	if _, err := f.wf.Schedule(ctx, c.ID, start, start.Add(time.Hour), "manager"); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	later := start.Add(24 * time.Hour)
	c, err := f.wf.Schedule(ctx, c.ID, later, later.Add(time.Hour), "manager")
	if err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}
	if c.Status != engine.StatusScheduled {
		t.Errorf("Status = %s, want scheduled", c.Status)
	}
	if !c.ScheduledStart.Equal(later) {
		t.Errorf("ScheduledStart = %v, want %v", c.ScheduledStart, later)
	}

	events, err := f.wf.History(ctx, c.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	var scheduled int
	for _, e := range events {
		if e.Type == engine.EventChangeScheduled {
			scheduled++
		}
	}
	if scheduled != 2 {
		t.Errorf("scheduled events = %d, want 2", scheduled)
	}
}

func TestAssignEngineer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.create(t, nil)
	if _, err := f.wf.AssignEngineer(ctx, c.ID, "bob", "manager"); !engine.IsPreconditionFailed(err) {
		t.Fatalf("expected missing role failure, got %v", err)
	}
	if _, err := f.wf.AssignEngineer(ctx, c.ID, " ", "manager"); !engine.IsValidation(err) {
		t.Fatalf("expected validation error for blank engineer, got %v", err)
	}

	if err := f.store.GrantRole(ctx, "bob", engine.RoleEngineer); err != nil {
		t.Fatalf("GrantRole failed: %v", err)
	}
	c, err := f.wf.AssignEngineer(ctx, c.ID, "bob", "manager")
	if err != nil {
		t.Fatalf("AssignEngineer failed: %v", err)
	}
	if c.AssignedEngineerID == nil || *c.AssignedEngineerID != "bob" {
		t.Errorf("AssignedEngineerID = %v, want bob", c.AssignedEngineerID)
	}

	if _, err := f.wf.Transition(ctx, c.ID, engine.StatusCancelled, "alice", ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := f.wf.AssignEngineer(ctx, c.ID, "bob", "manager"); !engine.IsPreconditionFailed(err) {
		t.Fatalf("expected terminal change failure, got %v", err)
	}
}

func TestAssignEngineerDoubleBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.GrantRole(ctx, "bob", engine.RoleEngineer); err != nil {
		t.Fatalf("GrantRole failed: %v", err)
	}

	start := f.now.Add(72 * time.Hour)
	first := f.approved(t, nil)
	if _, err := f.wf.AssignEngineer(ctx, first.ID, "bob", "manager"); err != nil {
		t.Fatalf("AssignEngineer failed: %v", err)
	}
	if _, err := f.wf.Schedule(ctx, first.ID, start, start.Add(4*time.Hour), "manager"); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	second := f.approved(t, func(c *engine.ChangeRequest) { c.ClientID = "globex" })
	if _, err := f.wf.Schedule(ctx, second.ID, start.Add(4*time.Hour), start.Add(6*time.Hour), "manager"); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	f.update(t, second.ID, func(c *engine.ChangeRequest) {
		s, e := start.Add(time.Hour), start.Add(2*time.Hour)
		c.ScheduledStart, c.ScheduledEnd = &s, &e
	})

	if _, err := f.wf.AssignEngineer(ctx, second.ID, "bob", "manager"); !engine.IsConflict(err) {
		t.Fatalf("expected engineer conflict, got %v", err)
	}
}

func TestHistoryRecordsActors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.create(t, nil)
	if _, err := f.wf.Transition(ctx, c.ID, engine.StatusCancelled, "", ""); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	events, err := f.wf.History(ctx, c.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Type != engine.EventChangeCreated || events[1].Type != engine.EventChangeTransitioned {
		t.Errorf("unexpected event order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].ActorID == nil || *events[1].ActorID != "system" {
		t.Errorf("ActorID = %v, want system", events[1].ActorID)
	}
	if events[1].Payload["to"] != string(engine.StatusCancelled) {
		t.Errorf("payload to = %v, want cancelled", events[1].Payload["to"])
	}

	if _, err := f.wf.History(ctx, "missing"); !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
