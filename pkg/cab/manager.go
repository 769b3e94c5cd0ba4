package cab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changegov/pkg/engine"
)

// ErrCodeMeetingClosed is returned when a completed or cancelled meeting is modified.
const ErrCodeMeetingClosed = "MEETING_CLOSED"

// Decision is the committee outcome recorded against an agenda entry.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionDeferred Decision = "deferred"
)

// Validate checks if the decision is known.
func (d Decision) Validate() error {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionDeferred:
		return nil
	default:
		return fmt.Errorf("invalid decision: %q (must be approved, rejected or deferred)", d)
	}
}

// RefreshResult reports how an agenda refresh changed a meeting.
type RefreshResult struct {
	MeetingID string `json:"meeting_id"`
	Updated   bool   `json:"updated"`
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
}

// Manager keeps CAB meetings and their agendas in line with the review queue.
type Manager struct {
	wf       *engine.Workflow
	logger   zerolog.Logger
	validate *validator.Validate
}

// NewManager creates a meeting manager.
func NewManager(wf *engine.Workflow) *Manager {
	return &Manager{
		wf:       wf,
		logger:   wf.Logger("cab"),
		validate: validator.New(),
	}
}

// GetPendingCabReview lists the changes awaiting a committee decision: changes
// in pending_approval that require CAB approval or hold a pending CAB tracker.
func (m *Manager) GetPendingCabReview(ctx context.Context) ([]*engine.ChangeRequest, error) {
	var changes []*engine.ChangeRequest
	err := m.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		var err error
		changes, err = pendingReview(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func pendingReview(ctx context.Context, tx engine.Tx) ([]*engine.ChangeRequest, error) {
	candidates, err := tx.ListChanges(ctx, engine.ChangeFilter{
		Statuses: []engine.Status{engine.StatusPendingApproval},
	})
	if err != nil {
		return nil, err
	}

	var out []*engine.ChangeRequest
	for _, c := range candidates {
		if c.RequiresCabApproval {
			out = append(out, c)
			continue
		}
		tracker, err := tx.FindCabApproval(ctx, c.ID, c.Revision)
		switch {
		case engine.IsNotFound(err):
		case err != nil:
			return nil, err
		case tracker.IsPending():
			out = append(out, c)
		}
	}
	return out, nil
}

// RefreshCabMeetingAgenda makes the agenda of a planned meeting match the
// pending review queue. Decisions on entries that stay are kept. Meetings that
// are no longer planned are left untouched.
func (m *Manager) RefreshCabMeetingAgenda(ctx context.Context, meetingID string) (*RefreshResult, error) {
	op := m.wf.Telemetry().StartOperation(ctx, "cab.refresh_agenda")
	ctx = op.Ctx

	result := &RefreshResult{MeetingID: meetingID}
	err := m.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		meeting, err := tx.GetMeeting(ctx, meetingID)
		if err != nil {
			return err
		}
		if meeting.Status != engine.MeetingPlanned {
			return nil
		}

		pending, err := pendingReview(ctx, tx)
		if err != nil {
			return err
		}

		want := make(map[string]struct{}, len(pending))
		for _, c := range pending {
			want[c.ID] = struct{}{}
		}
		have := make(map[string]struct{}, len(meeting.Agenda))
		for _, item := range meeting.Agenda {
			have[item.ChangeID] = struct{}{}
			if _, ok := want[item.ChangeID]; ok {
				continue
			}
			if err := tx.RemoveAgendaItem(ctx, meetingID, item.ChangeID); err != nil {
				return err
			}
			result.Removed++
		}

		now := m.wf.Now()
		for _, c := range pending {
			if _, ok := have[c.ID]; ok {
				continue
			}
			if err := tx.AddAgendaItem(ctx, meetingID, engine.AgendaItem{ChangeID: c.ID, AddedAt: now}); err != nil {
				return err
			}
			result.Added++
		}

		meeting.UpdatedAt = now
		if err := tx.UpdateMeeting(ctx, meeting); err != nil {
			return err
		}
		result.Updated = true

		tx.AfterCommit(func(context.Context) {
			m.logger.Info().
				Str("meeting_id", meetingID).
				Int("added", result.Added).
				Int("removed", result.Removed).
				Msg("CAB agenda refreshed")
		})
		return nil
	})
	op.End(err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreateMeeting plans a committee meeting. Every member must hold the CAB role.
func (m *Manager) CreateMeeting(ctx context.Context, date time.Time, members []string, notes string) (*engine.CabMeeting, error) {
	now := m.wf.Now()
	meeting := &engine.CabMeeting{
		ID:          uuid.New().String(),
		MeetingDate: date.UTC(),
		Status:      engine.MeetingPlanned,
		Notes:       notes,
		MemberIDs:   dedupe(members),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.validate.Struct(meeting); err != nil {
		return nil, engine.NewValidationError("invalid meeting", err).WithOperation("create_meeting")
	}

	for _, member := range meeting.MemberIDs {
		ok, err := m.wf.Directory().HasRole(ctx, member, engine.RoleCabMember)
		if err != nil {
			return nil, engine.NewInternalError("role lookup failed", err)
		}
		if !ok {
			return nil, engine.NewPreconditionError(engine.ErrCodeMissingRole,
				fmt.Sprintf("user %s is not a CAB member", member))
		}
	}

	err := m.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		if err := tx.CreateMeeting(ctx, meeting); err != nil {
			return err
		}
		tx.AfterCommit(func(ctx context.Context) {
			id := meeting.ID
			m.wf.Audit(ctx, engine.AuditEntry{
				Action:   "cab.meeting_created",
				Actor:    engine.ActorName(""),
				TargetID: &id,
				Details: map[string]interface{}{
					"meeting_date": meeting.MeetingDate.Format(time.RFC3339),
					"members":      meeting.MemberIDs,
				},
			})
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meeting, nil
}

// GetMeeting loads a meeting with its agenda and members.
func (m *Manager) GetMeeting(ctx context.Context, meetingID string) (*engine.CabMeeting, error) {
	var meeting *engine.CabMeeting
	err := m.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		var err error
		meeting, err = tx.GetMeeting(ctx, meetingID)
		return err
	})
	return meeting, err
}

// RecordDecision records the committee outcome for a change on the agenda of a
// planned meeting. It does not move the change; votes do that.
func (m *Manager) RecordDecision(ctx context.Context, meetingID, changeID string, decision Decision) (*engine.CabMeeting, error) {
	if err := decision.Validate(); err != nil {
		return nil, engine.NewValidationError("invalid decision", err).WithChange(changeID)
	}

	var meeting *engine.CabMeeting
	err := m.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		var err error
		meeting, err = m.plannedMeeting(ctx, tx, meetingID)
		if err != nil {
			return err
		}
		if err := tx.SetAgendaDecision(ctx, meetingID, changeID, string(decision)); err != nil {
			return err
		}
		meeting, err = tx.GetMeeting(ctx, meetingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return meeting, nil
}

// CompleteMeeting closes a planned meeting with its minutes. The agenda is
// frozen afterwards.
func (m *Manager) CompleteMeeting(ctx context.Context, meetingID, minutes string) (*engine.CabMeeting, error) {
	var meeting *engine.CabMeeting
	err := m.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		var err error
		meeting, err = m.plannedMeeting(ctx, tx, meetingID)
		if err != nil {
			return err
		}

		meeting.Status = engine.MeetingCompleted
		meeting.Minutes = strings.TrimSpace(minutes)
		meeting.UpdatedAt = m.wf.Now()
		if err := tx.UpdateMeeting(ctx, meeting); err != nil {
			return err
		}

		undecided := 0
		for _, item := range meeting.Agenda {
			if item.Decision == nil {
				undecided++
			}
		}
		tx.AfterCommit(func(ctx context.Context) {
			m.wf.Audit(ctx, engine.AuditEntry{
				Action:   "cab.meeting_completed",
				Actor:    engine.ActorName(""),
				TargetID: &meetingID,
				Details: map[string]interface{}{
					"agenda_items": len(meeting.Agenda),
					"undecided":    undecided,
				},
			})
			if undecided > 0 {
				m.logger.Warn().Str("meeting_id", meetingID).Int("undecided", undecided).
					Msg("CAB meeting completed with undecided agenda items")
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meeting, nil
}

func (m *Manager) plannedMeeting(ctx context.Context, tx engine.Tx, meetingID string) (*engine.CabMeeting, error) {
	meeting, err := tx.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if meeting.Status != engine.MeetingPlanned {
		return nil, engine.NewPreconditionError(ErrCodeMeetingClosed,
			fmt.Sprintf("meeting %s is %s", meetingID, meeting.Status)).
			WithDetail("meeting_id", meetingID)
	}
	return meeting, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
