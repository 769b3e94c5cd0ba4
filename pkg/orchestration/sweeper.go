package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/telemetry"
)

// Sweep names, used for locks, metrics and spans.
const (
	SweepReminders   = "reminders"
	SweepEscalations = "escalations"
)

// Audit actions recorded by the sweeps.
const (
	AuditReminderSent = "approval.reminder_sent"
	AuditEscalated    = "approval.escalated"
)

// awaitingStatuses are the change statuses whose approvals are still meaningful.
var awaitingStatuses = []engine.Status{engine.StatusSubmitted, engine.StatusPendingApproval}

// SweepResult summarises one sweep run. Examined counts the eligible approvals;
// each of them ends up in exactly one of Processed, Skipped or Failed.
type SweepResult struct {
	Examined  int `json:"examined"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Sweeper sends SLA reminders and escalations for pending approvals.
type Sweeper struct {
	wf     *engine.Workflow
	logger zerolog.Logger
}

// NewSweeper creates a sweeper on top of the workflow engine.
func NewSweeper(wf *engine.Workflow) *Sweeper {
	return &Sweeper{
		wf:     wf,
		logger: wf.Logger("orchestration"),
	}
}

// SendDueSoonReminders reminds approvers whose approval falls due within the
// reminder threshold and who have not been reminded yet.
func (s *Sweeper) SendDueSoonReminders(ctx context.Context, cfg engine.GovernanceConfig) (SweepResult, error) {
	cfg = cfg.WithDefaults()
	now := s.wf.Now()
	horizon := now.Add(cfg.ReminderThreshold())

	eligible := func(a *engine.Approval) bool {
		return a.DueAt != nil && a.ReminderSentAt == nil &&
			a.DueAt.After(now) && !a.DueAt.After(horizon)
	}
	return s.sweep(ctx, SweepReminders, eligible, func(ctx context.Context, a *engine.Approval) (bool, error) {
		return s.remind(ctx, a, now)
	})
}

// EscalateOverdueApprovals escalates overdue approvals that were never
// escalated or whose last escalation is older than the escalation interval.
func (s *Sweeper) EscalateOverdueApprovals(ctx context.Context, cfg engine.GovernanceConfig) (SweepResult, error) {
	cfg = cfg.WithDefaults()
	now := s.wf.Now()
	cutoff := now.Add(-cfg.EscalationInterval())

	eligible := func(a *engine.Approval) bool {
		if a.DueAt == nil || !a.DueAt.Before(now) {
			return false
		}
		return a.EscalatedAt == nil || a.EscalatedAt.Before(cutoff)
	}
	return s.sweep(ctx, SweepEscalations, eligible, func(ctx context.Context, a *engine.Approval) (bool, error) {
		return s.escalate(ctx, a, now)
	})
}

// sweep loads the pending approvals once and processes every eligible record
// in its own transaction. A failing record is logged and counted.
func (s *Sweeper) sweep(
	ctx context.Context,
	name string,
	eligible func(*engine.Approval) bool,
	process func(context.Context, *engine.Approval) (bool, error),
) (SweepResult, error) {
	tel := s.wf.Telemetry()
	var span trace.Span
	if tel != nil && tel.Tracer != nil {
		ctx, span = tel.Tracer.StartSweepSpan(ctx, name)
		defer span.End()
	}
	timer := telemetry.NewTimer()

	var pending []*engine.Approval
	err := s.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		var err error
		pending, err = tx.ListPendingApprovals(ctx, awaitingStatuses)
		return err
	})
	if err != nil {
		if span != nil {
			telemetry.RecordError(span, err)
		}
		return SweepResult{}, fmt.Errorf("failed to list pending approvals: %w", err)
	}

	var result SweepResult
	for _, a := range pending {
		if !eligible(a) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		result.Examined++

		done, err := process(ctx, a)
		switch {
		case err != nil:
			result.Failed++
			s.logger.Error().Err(err).
				Str("sweep", name).
				Str("approval_id", a.ID).
				Str("change_id", a.ChangeID).
				Msg("Failed to process approval")
		case done:
			result.Processed++
		default:
			result.Skipped++
		}
	}

	if tel != nil {
		tel.Metrics.RecordSweep(name, result.Processed, result.Skipped, result.Failed, timer.Duration())
	}
	if span != nil {
		telemetry.SetAttributes(span,
			telemetry.AttrSweep.String(name),
		)
		telemetry.RecordSuccess(span)
	}

	s.logger.Info().
		Str("sweep", name).
		Int("examined", result.Examined).
		Int("processed", result.Processed).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Dur("duration", timer.Duration()).
		Msg("Sweep finished")

	return result, ctx.Err()
}

// remind stamps the reminder and notifies the contact of a client approval.
// It reports false when another writer already handled the record.
func (s *Sweeper) remind(ctx context.Context, a *engine.Approval, now time.Time) (bool, error) {
	var done bool
	err := s.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		ok, err := tx.MarkReminderSent(ctx, a.ID, now)
		if err != nil || !ok {
			return err
		}
		done = true

		change, err := tx.GetChange(ctx, a.ChangeID)
		if err != nil {
			return err
		}

		var contact *engine.Contact
		if contactID, isClient := a.ContactID(); isClient {
			contact, err = tx.GetContact(ctx, contactID)
			if err != nil && !engine.IsNotFound(err) {
				return err
			}
		}

		approvalID := a.ID
		due := *a.DueAt
		tx.AfterCommit(func(ctx context.Context) {
			s.wf.Audit(ctx, engine.AuditEntry{
				Action:   AuditReminderSent,
				Actor:    engine.ActorName(""),
				TargetID: &approvalID,
				Details: map[string]interface{}{
					"change_id":     change.ID,
					"approval_type": string(a.Type()),
					"due_at":        due.Format(time.RFC3339),
				},
			})
			if contact != nil {
				s.wf.Notify(ctx, engine.Notification{
					Kind:       engine.NotifyApprovalReminder,
					ChangeID:   change.ID,
					ApprovalID: approvalID,
					Recipient:  contact.ID,
					Address:    contact.Email,
					Subject:    fmt.Sprintf("Reminder: approval for change %q is due %s", change.Title, due.Format(time.RFC1123)),
					Data:       map[string]interface{}{"due_at": due},
				})
			}
		})
		return nil
	})
	if err != nil {
		return false, err
	}
	return done, nil
}

// escalate raises the escalation level and notifies the change requester.
// It reports false when another writer already escalated the record.
func (s *Sweeper) escalate(ctx context.Context, a *engine.Approval, now time.Time) (bool, error) {
	var done bool
	level := a.EscalationLevel + 1
	err := s.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		ok, err := tx.MarkEscalated(ctx, a.ID, a.EscalationLevel, now)
		if err != nil || !ok {
			return err
		}
		done = true

		change, err := tx.GetChange(ctx, a.ChangeID)
		if err != nil {
			return err
		}

		approvalID := a.ID
		due := *a.DueAt
		tx.AfterCommit(func(ctx context.Context) {
			s.wf.Audit(ctx, engine.AuditEntry{
				Action:   AuditEscalated,
				Actor:    engine.ActorName(""),
				TargetID: &approvalID,
				Details: map[string]interface{}{
					"change_id":        change.ID,
					"approval_type":    string(a.Type()),
					"escalation_level": level,
					"due_at":           due.Format(time.RFC3339),
				},
			})
			s.wf.Notify(ctx, engine.Notification{
				Kind:       engine.NotifyApprovalEscalated,
				ChangeID:   change.ID,
				ApprovalID: approvalID,
				Recipient:  change.RequesterID,
				Subject:    fmt.Sprintf("Approval for change %q is overdue (level %d)", change.Title, level),
				Data: map[string]interface{}{
					"due_at":           due,
					"escalation_level": level,
					"approval_type":    string(a.Type()),
				},
			})
			s.logger.Warn().
				Str("change_id", change.ID).
				Str("approval_id", approvalID).
				Int("level", level).
				Msg("Approval escalated")
		})
		return nil
	})
	if err != nil {
		return false, err
	}
	return done, nil
}
