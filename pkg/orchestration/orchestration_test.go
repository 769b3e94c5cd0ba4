package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/changegov/pkg/conflict"
	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/stores"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []engine.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n engine.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) all() []engine.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Notification(nil), r.sent...)
}

type fixture struct {
	store    *stores.SQLiteStore
	wf       *engine.Workflow
	sweeper  *Sweeper
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := stores.Open(context.Background(), stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:    store,
		notifier: &recordingNotifier{},
		now:      time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.wf = engine.NewWorkflow(store, store, conflict.NewDetector(),
		engine.WithClock(func() time.Time { return f.now }),
		engine.WithNotifier(f.notifier),
		engine.WithAudit(store),
	)
	f.sweeper = NewSweeper(f.wf)
	return f
}

// seedChange stores a change in the given status with one contact "bob".
func (f *fixture) seedChange(t *testing.T, id string, status engine.Status) {
	t.Helper()
	err := f.store.RunInTx(context.Background(), func(tx engine.Tx) error {
		if _, err := tx.GetContact(context.Background(), "bob"); engine.IsNotFound(err) {
			if err := tx.CreateContact(context.Background(), &engine.Contact{
				ID: "bob", ClientID: "acme", Name: "Bob", Email: "bob@acme.test",
				IsApprover: true, Active: true, CreatedAt: f.now,
			}); err != nil {
				return err
			}
		}
		return tx.CreateChange(context.Background(), &engine.ChangeRequest{
			ID: id, Title: "Change " + id, ClientID: "acme", RequesterID: "alice",
			Status: status, Priority: engine.PriorityMedium, ChangeType: engine.ChangeTypeNormal,
			RiskLevel: engine.RiskLevelMedium, Revision: 1, CreatedAt: f.now, UpdatedAt: f.now,
		})
	})
	require.NoError(t, err)
}

type approvalSpec struct {
	id, change string
	target     engine.ApprovalTarget
	due        time.Duration
	reminded   bool
	escalated  *time.Duration
	level      int
}

func (f *fixture) seedApproval(t *testing.T, s approvalSpec) {
	t.Helper()
	due := f.now.Add(s.due)
	a := &engine.Approval{
		ID: s.id, ChangeID: s.change, Revision: 1, Target: s.target,
		Status: engine.ApprovalPending, DueAt: &due, EscalationLevel: s.level,
		NotificationStatus: engine.NotificationSent,
		CreatedAt:          f.now.Add(-24 * time.Hour), UpdatedAt: f.now.Add(-24 * time.Hour),
	}
	if s.reminded {
		at := f.now.Add(-time.Hour)
		a.ReminderSentAt = &at
	}
	if s.escalated != nil {
		at := f.now.Add(*s.escalated)
		a.EscalatedAt = &at
	}
	err := f.store.RunInTx(context.Background(), func(tx engine.Tx) error {
		return tx.CreateApproval(context.Background(), a)
	})
	require.NoError(t, err)
}

func (f *fixture) approval(t *testing.T, id string) *engine.Approval {
	t.Helper()
	var a *engine.Approval
	err := f.store.RunInTx(context.Background(), func(tx engine.Tx) error {
		var err error
		a, err = tx.GetApproval(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) audit(t *testing.T, action string) []*engine.AuditEntry {
	t.Helper()
	entries, err := f.store.ListAuditEntries(context.Background(), &action, 0)
	require.NoError(t, err)
	return entries
}

func hours(h int) *time.Duration {
	d := time.Duration(h) * time.Hour
	return &d
}

func TestInitializeApprovalSla(t *testing.T) {
	now := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		hours int
		want  time.Time
	}{
		{name: "configured hours", hours: 48, want: now.Add(48 * time.Hour)},
		{name: "zero uses default", hours: 0, want: now.Add(24 * time.Hour)},
		{name: "negative uses default", hours: -5, want: now.Add(24 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &engine.Approval{NotificationStatus: engine.NotificationPending}
			InitializeApprovalSla(a, tt.hours, now)
			require.NotNil(t, a.DueAt)
			assert.True(t, a.DueAt.Equal(tt.want))
			assert.Equal(t, engine.NotificationSent, a.NotificationStatus)
		})
	}
}

func TestSendDueSoonReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := engine.ClientTarget{ContactID: "bob"}

	f.seedChange(t, "c1", engine.StatusSubmitted)
	f.seedChange(t, "c2", engine.StatusPendingApproval)
	f.seedChange(t, "done", engine.StatusApproved)

	f.seedApproval(t, approvalSpec{id: "due-soon", change: "c1", target: client, due: 2 * time.Hour})
	f.seedApproval(t, approvalSpec{id: "at-threshold", change: "c2", target: engine.CabTarget{}, due: 4 * time.Hour})
	f.seedApproval(t, approvalSpec{id: "far", change: "c1", target: client, due: 10 * time.Hour})
	f.seedApproval(t, approvalSpec{id: "overdue", change: "c1", target: client, due: -time.Hour})
	f.seedApproval(t, approvalSpec{id: "approved-change", change: "done", target: client, due: time.Hour})

	// Reminders already sent are never repeated.
	f.seedChange(t, "c3", engine.StatusSubmitted)
	f.seedApproval(t, approvalSpec{id: "reminded", change: "c3", target: client, due: time.Hour, reminded: true})

	result, err := f.sweeper.SendDueSoonReminders(ctx, engine.GovernanceConfig{})
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Examined: 2, Processed: 2}, result)

	got := f.approval(t, "due-soon")
	require.NotNil(t, got.ReminderSentAt)
	assert.True(t, got.ReminderSentAt.Equal(f.now))
	assert.Equal(t, engine.NotificationReminderSent, got.NotificationStatus)
	assert.Nil(t, f.approval(t, "far").ReminderSentAt)

	notes := f.notifier.all()
	require.Len(t, notes, 1, "only client approvals notify a contact")
	assert.Equal(t, engine.NotifyApprovalReminder, notes[0].Kind)
	assert.Equal(t, "bob", notes[0].Recipient)
	assert.Equal(t, "bob@acme.test", notes[0].Address)
	assert.Equal(t, "due-soon", notes[0].ApprovalID)

	entries := f.audit(t, AuditReminderSent)
	assert.Len(t, entries, 2)

	again, err := f.sweeper.SendDueSoonReminders(ctx, engine.GovernanceConfig{})
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, again)
	assert.Len(t, f.notifier.all(), 1)
}

func TestReminderThresholdIsConfigurable(t *testing.T) {
	f := newFixture(t)
	f.seedChange(t, "c1", engine.StatusSubmitted)
	f.seedApproval(t, approvalSpec{id: "a1", change: "c1", target: engine.ClientTarget{ContactID: "bob"}, due: 10 * time.Hour})

	result, err := f.sweeper.SendDueSoonReminders(context.Background(), engine.GovernanceConfig{ReminderThresholdHours: 12})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
}

func TestEscalateOverdueApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := engine.ClientTarget{ContactID: "bob"}

	f.seedChange(t, "c1", engine.StatusSubmitted)
	f.seedApproval(t, approvalSpec{id: "overdue", change: "c1", target: client, due: -2 * time.Hour})
	f.seedApproval(t, approvalSpec{id: "recently-escalated", change: "c1", target: client, due: -30 * time.Hour, escalated: hours(-3), level: 1})
	f.seedApproval(t, approvalSpec{id: "stale-escalation", change: "c1", target: client, due: -72 * time.Hour, escalated: hours(-25), level: 2})
	f.seedApproval(t, approvalSpec{id: "not-due", change: "c1", target: client, due: time.Hour})

	result, err := f.sweeper.EscalateOverdueApprovals(ctx, engine.GovernanceConfig{})
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Examined: 2, Processed: 2}, result)

	overdue := f.approval(t, "overdue")
	assert.Equal(t, 1, overdue.EscalationLevel)
	assert.Equal(t, engine.NotificationEscalated, overdue.NotificationStatus)
	require.NotNil(t, overdue.EscalatedAt)
	assert.True(t, overdue.EscalatedAt.Equal(f.now))
	assert.Equal(t, 3, f.approval(t, "stale-escalation").EscalationLevel)
	assert.Equal(t, 1, f.approval(t, "recently-escalated").EscalationLevel)

	notes := f.notifier.all()
	require.Len(t, notes, 2)
	for _, n := range notes {
		assert.Equal(t, engine.NotifyApprovalEscalated, n.Kind)
		assert.Equal(t, "alice", n.Recipient, "escalations go to the requester")
	}
	assert.Len(t, f.audit(t, AuditEscalated), 2)

	// Nothing is escalated twice within the interval.
	again, err := f.sweeper.EscalateOverdueApprovals(ctx, engine.GovernanceConfig{})
	require.NoError(t, err)
	assert.Zero(t, again.Processed)

	// After the interval the overdue approvals escalate again.
	f.now = f.now.Add(25 * time.Hour)
	later, err := f.sweeper.EscalateOverdueApprovals(ctx, engine.GovernanceConfig{})
	require.NoError(t, err)
	assert.Equal(t, 4, later.Processed)
	assert.Equal(t, 2, f.approval(t, "overdue").EscalationLevel)
}

func TestEscalationSkipsStaleSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedChange(t, "c1", engine.StatusSubmitted)
	f.seedApproval(t, approvalSpec{id: "a1", change: "c1", target: engine.CabTarget{}, due: -time.Hour})
	snapshot := f.approval(t, "a1")

	done, err := f.sweeper.escalate(ctx, snapshot, f.now)
	require.NoError(t, err)
	assert.True(t, done)

	// A concurrent sweep holding the same snapshot loses the conditional update.
	done, err = f.sweeper.escalate(ctx, snapshot, f.now)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, f.approval(t, "a1").EscalationLevel)
	assert.Len(t, f.audit(t, AuditEscalated), 1)
}

func TestResolvedApprovalsAreIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedChange(t, "c1", engine.StatusSubmitted)
	f.seedApproval(t, approvalSpec{id: "a1", change: "c1", target: engine.ClientTarget{ContactID: "bob"}, due: -time.Hour})

	err := f.store.RunInTx(ctx, func(tx engine.Tx) error {
		a, err := tx.GetApproval(ctx, "a1")
		if err != nil {
			return err
		}
		a.Resolve(engine.ApprovalApproved, nil, f.now)
		return tx.UpdateApproval(ctx, a)
	})
	require.NoError(t, err)

	result, err := f.sweeper.EscalateOverdueApprovals(ctx, engine.GovernanceConfig{})
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
	assert.Empty(t, f.notifier.all())
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisLocker(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	locker := NewRedisLocker(rdb, time.Minute)

	release, ok, err := locker.TryLock(ctx, SweepReminders)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(lockPrefix+SweepReminders))

	_, ok, err = locker.TryLock(ctx, SweepReminders)
	require.NoError(t, err)
	assert.False(t, ok, "a held lock cannot be acquired twice")

	_, ok, err = locker.TryLock(ctx, SweepEscalations)
	require.NoError(t, err)
	assert.True(t, ok, "locks are per sweep")

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists(lockPrefix+SweepReminders))

	_, ok, err = locker.TryLock(ctx, SweepReminders)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerReleaseKeepsNewHolder(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	locker := NewRedisLocker(rdb, time.Minute)

	releaseOld, ok, err := locker.TryLock(ctx, SweepEscalations)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	_, ok, err = locker.TryLock(ctx, SweepEscalations)
	require.NoError(t, err)
	require.True(t, ok, "an expired lock can be taken over")

	require.NoError(t, releaseOld(ctx))
	assert.True(t, mr.Exists(lockPrefix+SweepEscalations), "releasing an expired lock must not drop the new holder's key")
}

func staticConfig(cfg engine.GovernanceConfig) ConfigSource {
	return func(context.Context) (engine.GovernanceConfig, error) { return cfg, nil }
}

func TestNewRunnerRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	_, err := NewRunner(f.sweeper, staticConfig(engine.GovernanceConfig{}), RunnerConfig{ReminderSpec: "every tuesday"})
	assert.Error(t, err)
}

func TestRunnerRunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, rdb := newRedis(t)
	locker := NewRedisLocker(rdb, time.Minute)

	f.seedChange(t, "c1", engine.StatusSubmitted)
	f.seedApproval(t, approvalSpec{id: "a1", change: "c1", target: engine.ClientTarget{ContactID: "bob"}, due: -time.Hour})

	runner, err := NewRunner(f.sweeper, staticConfig(engine.GovernanceConfig{}), RunnerConfig{}, WithLocker(locker))
	require.NoError(t, err)

	// Another instance holds the escalation lock.
	release, ok, err := locker.TryLock(ctx, SweepEscalations)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = runner.RunOnce(ctx, SweepEscalations)
	assert.ErrorIs(t, err, ErrSweepLocked)
	assert.Equal(t, 0, f.approval(t, "a1").EscalationLevel)

	require.NoError(t, release(ctx))

	result, err := runner.RunOnce(ctx, SweepEscalations)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	_, err = runner.RunOnce(ctx, "vacuum")
	assert.Error(t, err)

	runner.Start()
	require.NoError(t, runner.Stop(ctx))
}
