package stores

import (
	"context"
	"testing"
	"time"

	"github.com/openfroyo/changegov/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testChange(id string) *engine.ChangeRequest {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return &engine.ChangeRequest{
		ID:          id,
		Title:       "Patch firewall",
		ClientID:    "client-1",
		RequesterID: "alice",
		Status:      engine.StatusDraft,
		Priority:    engine.PriorityMedium,
		ChangeType:  engine.ChangeTypeNormal,
		RiskLevel:   engine.RiskLevelMedium,
		AssetIDs:    []string{"fw-1", "fw-2"},
		Revision:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func mustTx(t *testing.T, s *SQLiteStore, fn func(tx engine.Tx) error) {
	t.Helper()
	if err := s.RunInTx(context.Background(), fn); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{
		"change_requests", "change_assets", "approvals", "cab_votes", "change_policies",
		"blackout_windows", "workflow_events", "cab_meetings", "cab_meeting_changes",
		"cab_meeting_members", "client_contacts", "user_roles", "audit", "settings",
	}
	for _, table := range tables {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestChangeRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	change := testChange("chg-1")
	start := time.Date(2025, 3, 10, 22, 0, 0, 0, time.UTC)
	change.ScheduledStart = &start
	mustTx(t, store, func(tx engine.Tx) error { return tx.CreateChange(ctx, change) })

	var got *engine.ChangeRequest
	mustTx(t, store, func(tx engine.Tx) error {
		var err error
		got, err = tx.GetChange(ctx, "chg-1")
		return err
	})

	if got.Title != change.Title || got.Status != engine.StatusDraft || got.Revision != 1 {
		t.Errorf("unexpected change: %+v", got)
	}
	if !got.CreatedAt.Equal(change.CreatedAt) {
		t.Errorf("expected CreatedAt %v, got %v", change.CreatedAt, got.CreatedAt)
	}
	if got.ScheduledStart == nil || !got.ScheduledStart.Equal(start) {
		t.Errorf("expected ScheduledStart %v, got %v", start, got.ScheduledStart)
	}
	if got.ScheduledEnd != nil {
		t.Errorf("expected nil ScheduledEnd, got %v", got.ScheduledEnd)
	}
	if len(got.AssetIDs) != 2 || got.AssetIDs[0] != "fw-1" {
		t.Errorf("unexpected assets: %v", got.AssetIDs)
	}

	// Update conditions and assets.
	terms := "alice: run in maintenance window"
	pending := engine.ConditionsPending
	got.CabConditions = &terms
	got.CabConditionsStatus = &pending
	got.AssetIDs = []string{"fw-3"}
	got.Status = engine.StatusApproved
	mustTx(t, store, func(tx engine.Tx) error { return tx.UpdateChange(ctx, got) })

	mustTx(t, store, func(tx engine.Tx) error {
		reloaded, err := tx.GetChange(ctx, "chg-1")
		if err != nil {
			return err
		}
		if !reloaded.ConditionsPending() || *reloaded.CabConditions != terms {
			t.Errorf("conditions not persisted: %+v", reloaded)
		}
		if len(reloaded.AssetIDs) != 1 || reloaded.AssetIDs[0] != "fw-3" {
			t.Errorf("assets not replaced: %v", reloaded.AssetIDs)
		}
		return nil
	})
}

func TestGetChangeNotFound(t *testing.T) {
	store := setupTestStore(t)
	err := store.RunInTx(context.Background(), func(tx engine.Tx) error {
		_, err := tx.GetChange(context.Background(), "missing")
		return err
	})
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConditionsStatusRequiresConditions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	change := testChange("chg-1")
	pending := engine.ConditionsPending
	change.CabConditionsStatus = &pending

	err := store.RunInTx(ctx, func(tx engine.Tx) error { return tx.CreateChange(ctx, change) })
	if err == nil {
		t.Fatal("expected CHECK constraint violation for status without conditions")
	}
}

func TestListChangesFilter(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	mustTx(t, store, func(tx engine.Tx) error {
		for i, status := range []engine.Status{engine.StatusScheduled, engine.StatusInProgress, engine.StatusDraft} {
			c := testChange([]string{"a", "b", "c"}[i])
			c.Status = status
			c.CreatedAt = c.CreatedAt.Add(time.Duration(i) * time.Minute)
			if err := tx.CreateChange(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})

	tests := []struct {
		name   string
		filter engine.ChangeFilter
		want   []string
	}{
		{name: "all", filter: engine.ChangeFilter{}, want: []string{"a", "b", "c"}},
		{name: "active window", filter: engine.ChangeFilter{Statuses: []engine.Status{engine.StatusScheduled, engine.StatusInProgress}}, want: []string{"a", "b"}},
		{name: "exclude", filter: engine.ChangeFilter{ExcludeID: "a"}, want: []string{"b", "c"}},
		{name: "other client", filter: engine.ChangeFilter{ClientID: "client-2"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mustTx(t, store, func(tx engine.Tx) error {
				got, err := tx.ListChanges(ctx, tt.filter)
				if err != nil {
					return err
				}
				if len(got) != len(tt.want) {
					t.Fatalf("expected %d changes, got %d", len(tt.want), len(got))
				}
				for i := range got {
					if got[i].ID != tt.want[i] {
						t.Errorf("position %d: expected %s, got %s", i, tt.want[i], got[i].ID)
					}
				}
				return nil
			})
		})
	}
}

func TestApprovalUniqueness(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustTx(t, store, func(tx engine.Tx) error { return tx.CreateChange(ctx, testChange("chg-1")) })

	cab := func(id string, revision int) *engine.Approval {
		return &engine.Approval{
			ID: id, ChangeID: "chg-1", Revision: revision, Target: engine.CabTarget{},
			Status: engine.ApprovalPending, NotificationStatus: engine.NotificationPending,
			CreatedAt: now, UpdatedAt: now,
		}
	}

	mustTx(t, store, func(tx engine.Tx) error { return tx.CreateApproval(ctx, cab("cab-1", 1)) })

	err := store.RunInTx(ctx, func(tx engine.Tx) error { return tx.CreateApproval(ctx, cab("cab-2", 1)) })
	if err == nil {
		t.Fatal("expected second CAB tracker for the same revision to be rejected")
	}

	// A new revision gets its own tracker.
	mustTx(t, store, func(tx engine.Tx) error { return tx.CreateApproval(ctx, cab("cab-3", 2)) })

	mustTx(t, store, func(tx engine.Tx) error {
		got, err := tx.FindCabApproval(ctx, "chg-1", 1)
		if err != nil {
			return err
		}
		if got.ID != "cab-1" || got.Type() != engine.ApprovalTypeCab {
			t.Errorf("unexpected tracker: %+v", got)
		}
		return nil
	})
}

func TestClientApprovalRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	due := now.Add(24 * time.Hour)

	mustTx(t, store, func(tx engine.Tx) error {
		if err := tx.CreateChange(ctx, testChange("chg-1")); err != nil {
			return err
		}
		return tx.CreateApproval(ctx, &engine.Approval{
			ID: "ap-1", ChangeID: "chg-1", Revision: 1, Target: engine.ClientTarget{ContactID: "bob"},
			Status: engine.ApprovalPending, DueAt: &due, NotificationStatus: engine.NotificationSent,
			CreatedAt: now, UpdatedAt: now,
		})
	})

	mustTx(t, store, func(tx engine.Tx) error {
		got, err := tx.FindClientApproval(ctx, "chg-1", 1, "bob")
		if err != nil {
			return err
		}
		contact, ok := got.ContactID()
		if !ok || contact != "bob" {
			t.Errorf("expected client target for bob, got %+v", got.Target)
		}
		if got.DueAt == nil || !got.DueAt.Equal(due) {
			t.Errorf("expected due %v, got %v", due, got.DueAt)
		}

		if _, err := tx.FindClientApproval(ctx, "chg-1", 1, "carol"); !engine.IsNotFound(err) {
			t.Errorf("expected not found for carol, got %v", err)
		}
		return nil
	})
}

func TestConditionalSweepUpdates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustTx(t, store, func(tx engine.Tx) error {
		c := testChange("chg-1")
		c.Status = engine.StatusSubmitted
		if err := tx.CreateChange(ctx, c); err != nil {
			return err
		}
		return tx.CreateApproval(ctx, &engine.Approval{
			ID: "ap-1", ChangeID: "chg-1", Revision: 1, Target: engine.ClientTarget{ContactID: "bob"},
			Status: engine.ApprovalPending, NotificationStatus: engine.NotificationSent,
			CreatedAt: now, UpdatedAt: now,
		})
	})

	mustTx(t, store, func(tx engine.Tx) error {
		ok, err := tx.MarkReminderSent(ctx, "ap-1", now)
		if err != nil || !ok {
			t.Fatalf("first reminder: ok=%v err=%v", ok, err)
		}
		ok, err = tx.MarkReminderSent(ctx, "ap-1", now)
		if err != nil || ok {
			t.Fatalf("second reminder should not apply: ok=%v err=%v", ok, err)
		}

		ok, err = tx.MarkEscalated(ctx, "ap-1", 0, now)
		if err != nil || !ok {
			t.Fatalf("first escalation: ok=%v err=%v", ok, err)
		}
		ok, err = tx.MarkEscalated(ctx, "ap-1", 0, now)
		if err != nil || ok {
			t.Fatalf("stale escalation should not apply: ok=%v err=%v", ok, err)
		}

		got, err := tx.GetApproval(ctx, "ap-1")
		if err != nil {
			return err
		}
		if got.EscalationLevel != 1 || got.NotificationStatus != engine.NotificationEscalated {
			t.Errorf("unexpected approval after sweep updates: %+v", got)
		}

		pending, err := tx.ListPendingApprovals(ctx, []engine.Status{engine.StatusSubmitted, engine.StatusPendingApproval})
		if err != nil {
			return err
		}
		if len(pending) != 1 {
			t.Errorf("expected 1 pending approval, got %d", len(pending))
		}
		return nil
	})
}

func TestVoteUpsertKeepsOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	vote := func(id, voter string, value engine.VoteValue, at time.Time) *engine.CabVote {
		return &engine.CabVote{ID: id, ChangeID: "chg-1", Revision: 1, VoterID: voter, Vote: value, CreatedAt: at, UpdatedAt: at}
	}

	mustTx(t, store, func(tx engine.Tx) error {
		if err := tx.CreateChange(ctx, testChange("chg-1")); err != nil {
			return err
		}
		if err := tx.UpsertVote(ctx, vote("v1", "alice", engine.VoteApprove, base)); err != nil {
			return err
		}
		if err := tx.UpsertVote(ctx, vote("v2", "bob", engine.VoteReject, base.Add(time.Minute))); err != nil {
			return err
		}
		// alice changes her mind later; her ballot keeps its original position.
		revote := vote("v3", "alice", engine.VoteReject, base.Add(2*time.Minute))
		if err := tx.UpsertVote(ctx, revote); err != nil {
			return err
		}
		if revote.ID != "v1" {
			t.Errorf("expected re-vote to keep id v1, got %s", revote.ID)
		}
		return nil
	})

	mustTx(t, store, func(tx engine.Tx) error {
		votes, err := tx.ListVotes(ctx, "chg-1", 1)
		if err != nil {
			return err
		}
		if len(votes) != 2 {
			t.Fatalf("expected 2 votes, got %d", len(votes))
		}
		if votes[0].VoterID != "alice" || votes[0].Vote != engine.VoteReject {
			t.Errorf("unexpected first vote: %+v", votes[0])
		}
		if votes[1].VoterID != "bob" {
			t.Errorf("unexpected second vote: %+v", votes[1])
		}
		return nil
	})
}

func TestWorkflowEventsAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	actor := "alice"

	mustTx(t, store, func(tx engine.Tx) error {
		if err := tx.CreateChange(ctx, testChange("chg-1")); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &engine.WorkflowEvent{
			ChangeID:  "chg-1",
			Type:      engine.EventChangeCreated,
			Payload:   map[string]interface{}{"title": "Patch firewall"},
			ActorID:   &actor,
			CreatedAt: time.Now(),
		})
	})

	if _, err := store.db.ExecContext(ctx, `UPDATE workflow_events SET event_type = 'tampered'`); err == nil {
		t.Error("expected UPDATE on workflow_events to be aborted")
	}
	if _, err := store.db.ExecContext(ctx, `DELETE FROM workflow_events`); err == nil {
		t.Error("expected DELETE on workflow_events to be aborted")
	}

	mustTx(t, store, func(tx engine.Tx) error {
		events, err := tx.ListEvents(ctx, "chg-1")
		if err != nil {
			return err
		}
		if len(events) != 1 || events[0].Type != engine.EventChangeCreated {
			t.Fatalf("unexpected events: %+v", events)
		}
		if events[0].Payload["title"] != "Patch firewall" {
			t.Errorf("payload not decoded: %v", events[0].Payload)
		}
		return nil
	})
}

func TestPoliciesInCreationOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	emergency := engine.ChangeTypeEmergency
	hours := 4

	mustTx(t, store, func(tx engine.Tx) error {
		for i, name := range []string{"first", "second", "inactive"} {
			p := &engine.ChangePolicy{
				ID:        name,
				Name:      name,
				Active:    name != "inactive",
				CreatedAt: base.Add(time.Duration(i) * time.Hour),
			}
			if name == "second" {
				p.ChangeType = &emergency
				p.MaxImplementationHours = &hours
			}
			if err := tx.CreatePolicy(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})

	mustTx(t, store, func(tx engine.Tx) error {
		policies, err := tx.ListActivePolicies(ctx)
		if err != nil {
			return err
		}
		if len(policies) != 2 || policies[0].ID != "first" || policies[1].ID != "second" {
			t.Fatalf("unexpected policies: %+v", policies)
		}
		if policies[1].ChangeType == nil || *policies[1].ChangeType != emergency {
			t.Errorf("change type filter not persisted")
		}
		if policies[1].MaxImplementationHours == nil || *policies[1].MaxImplementationHours != 4 {
			t.Errorf("max hours not persisted")
		}
		return nil
	})
}

func TestBlackoutScoping(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 12, 20, 0, 0, 0, 0, time.UTC)
	other := "client-2"
	mine := "client-1"

	mustTx(t, store, func(tx engine.Tx) error {
		windows := []*engine.BlackoutWindow{
			{ID: "global", Name: "Holidays", StartsAt: start, EndsAt: start.Add(72 * time.Hour), Active: true},
			{ID: "mine", Name: "Quarter close", ClientID: &mine, StartsAt: start, EndsAt: start.Add(time.Hour), Active: true},
			{ID: "other", Name: "Other", ClientID: &other, StartsAt: start, EndsAt: start.Add(time.Hour), Active: true},
			{ID: "off", Name: "Disabled", StartsAt: start, EndsAt: start.Add(time.Hour), Active: false},
		}
		for _, w := range windows {
			if err := tx.CreateBlackout(ctx, w); err != nil {
				return err
			}
		}
		return nil
	})

	mustTx(t, store, func(tx engine.Tx) error {
		got, err := tx.ListActiveBlackouts(ctx, "client-1")
		if err != nil {
			return err
		}
		if len(got) != 2 {
			t.Fatalf("expected global and client windows, got %d", len(got))
		}
		return nil
	})

	err := store.RunInTx(ctx, func(tx engine.Tx) error {
		return tx.CreateBlackout(ctx, &engine.BlackoutWindow{ID: "bad", Name: "Bad", StartsAt: start, EndsAt: start})
	})
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error for empty window, got %v", err)
	}
}

func TestMeetingAgenda(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustTx(t, store, func(tx engine.Tx) error {
		if err := tx.CreateChange(ctx, testChange("chg-1")); err != nil {
			return err
		}
		if err := tx.CreateChange(ctx, testChange("chg-2")); err != nil {
			return err
		}
		return tx.CreateMeeting(ctx, &engine.CabMeeting{
			ID:          "m-1",
			MeetingDate: now.Add(48 * time.Hour),
			Status:      engine.MeetingPlanned,
			MemberIDs:   []string{"carol", "dave"},
			Agenda:      []engine.AgendaItem{{ChangeID: "chg-1", AddedAt: now}},
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})

	mustTx(t, store, func(tx engine.Tx) error {
		if err := tx.AddAgendaItem(ctx, "m-1", engine.AgendaItem{ChangeID: "chg-2", AddedAt: now.Add(time.Second)}); err != nil {
			return err
		}
		if err := tx.SetAgendaDecision(ctx, "m-1", "chg-1", "approved"); err != nil {
			return err
		}
		return tx.RemoveAgendaItem(ctx, "m-1", "chg-2")
	})

	mustTx(t, store, func(tx engine.Tx) error {
		m, err := tx.GetMeeting(ctx, "m-1")
		if err != nil {
			return err
		}
		if len(m.MemberIDs) != 2 {
			t.Errorf("expected 2 members, got %v", m.MemberIDs)
		}
		if len(m.Agenda) != 1 || m.Agenda[0].Decision == nil || *m.Agenda[0].Decision != "approved" {
			t.Errorf("unexpected agenda: %+v", m.Agenda)
		}
		return nil
	})
}

func TestDirectoryAuditAndSettings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.GrantRole(ctx, "carol", engine.RoleCabMember); err != nil {
		t.Fatalf("failed to grant role: %v", err)
	}
	if err := store.GrantRole(ctx, "carol", engine.RoleCabMember); err != nil {
		t.Fatalf("re-granting should be a no-op: %v", err)
	}

	ok, err := store.HasRole(ctx, "carol", engine.RoleCabMember)
	if err != nil || !ok {
		t.Fatalf("expected carol to be a CAB member: ok=%v err=%v", ok, err)
	}
	ok, _ = store.HasRole(ctx, "carol", engine.RoleEngineer)
	if ok {
		t.Error("carol should not be an engineer")
	}

	target := "chg-1"
	if err := store.Record(ctx, engine.AuditEntry{
		Action: "approval.escalated", Actor: "system", TargetID: &target,
		Details: map[string]interface{}{"level": 1},
	}); err != nil {
		t.Fatalf("failed to record audit entry: %v", err)
	}
	action := "approval.escalated"
	entries, err := store.ListAuditEntries(ctx, &action, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one audit entry: %v %v", entries, err)
	}

	if _, found, _ := store.GetSetting(ctx, "cab.quorum"); found {
		t.Error("expected no setting before it is set")
	}
	if err := store.SetSetting(ctx, "cab.quorum", "5"); err != nil {
		t.Fatalf("failed to set setting: %v", err)
	}
	if v, found, err := store.GetSetting(ctx, "cab.quorum"); err != nil || !found || v != "5" {
		t.Errorf("unexpected setting: %q %v %v", v, found, err)
	}
}

func TestRunInTxRollsBackAndSkipsHooks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	hookRan := false

	err := store.RunInTx(ctx, func(tx engine.Tx) error {
		tx.AfterCommit(func(context.Context) { hookRan = true })
		if err := tx.CreateChange(ctx, testChange("chg-1")); err != nil {
			return err
		}
		return engine.NewValidationError("abort", nil)
	})
	if !engine.IsValidation(err) {
		t.Fatalf("expected the callback error, got %v", err)
	}
	if hookRan {
		t.Error("after-commit hook ran on rollback")
	}

	err = store.RunInTx(ctx, func(tx engine.Tx) error {
		_, err := tx.GetChange(ctx, "chg-1")
		return err
	})
	if !engine.IsNotFound(err) {
		t.Fatalf("expected change to be rolled back, got %v", err)
	}

	mustTx(t, store, func(tx engine.Tx) error {
		tx.AfterCommit(func(context.Context) { hookRan = true })
		return nil
	})
	if !hookRan {
		t.Error("after-commit hook did not run on commit")
	}
}
