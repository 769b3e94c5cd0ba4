package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/orchestration"
	"github.com/openfroyo/changegov/pkg/telemetry"
)

// Service resolves client approvals and CAB votes on top of the workflow engine.
type Service struct {
	wf     *engine.Workflow
	logger zerolog.Logger
}

// NewService creates an approval service.
func NewService(wf *engine.Workflow) *Service {
	return &Service{
		wf:     wf,
		logger: wf.Logger("approval"),
	}
}

// ContactActor renders the actor id of a client contact.
func ContactActor(contactID string) string {
	return "contact:" + contactID
}

// CreateClientApprovals requests approval from every active approver contact
// of the change's client for the current revision.
func (s *Service) CreateClientApprovals(ctx context.Context, cfg engine.GovernanceConfig, changeID string) ([]*engine.Approval, error) {
	op := s.wf.Telemetry().StartOperation(ctx, "approval.create_client",
		telemetry.AttrChangeID.String(changeID),
	)
	ctx = op.Ctx

	var approvals []*engine.Approval
	err := s.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		change, err := tx.GetChange(ctx, changeID)
		if err != nil {
			return err
		}
		approvals, err = s.CreateClientApprovalsTx(ctx, tx, cfg, change)
		return err
	})
	op.End(err)
	if err != nil {
		return nil, err
	}
	return approvals, nil
}

// CreateClientApprovalsTx creates the missing client approvals inside the
// caller's transaction and returns all client approvals of the revision.
// Contacts that already hold an approval are skipped, so calling it twice is safe.
func (s *Service) CreateClientApprovalsTx(ctx context.Context, tx engine.Tx, cfg engine.GovernanceConfig, change *engine.ChangeRequest) ([]*engine.Approval, error) {
	contacts, err := tx.ListApproverContacts(ctx, change.ClientID)
	if err != nil {
		return nil, err
	}

	now := s.wf.Now()
	var (
		all     []*engine.Approval
		created []*engine.Approval
	)
	addresses := make(map[string]string, len(contacts))

	for _, contact := range contacts {
		existing, err := tx.FindClientApproval(ctx, change.ID, change.Revision, contact.ID)
		if err == nil {
			all = append(all, existing)
			continue
		}
		if !engine.IsNotFound(err) {
			return nil, err
		}

		a := &engine.Approval{
			ID:        uuid.New().String(),
			ChangeID:  change.ID,
			Revision:  change.Revision,
			Target:    engine.ClientTarget{ContactID: contact.ID},
			Status:    engine.ApprovalPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		orchestration.InitializeApprovalSla(a, cfg.ApprovalSLAHours, now)
		if err := tx.CreateApproval(ctx, a); err != nil {
			return nil, err
		}
		all = append(all, a)
		created = append(created, a)
		addresses[contact.ID] = contact.Email
	}

	if len(created) == 0 {
		return all, nil
	}

	ids := make([]string, 0, len(created))
	for _, a := range created {
		ids = append(ids, a.ID)
	}
	if err := s.wf.AppendEvent(ctx, tx, change.ID, engine.EventClientApprovalsCreated, "", map[string]interface{}{
		"approval_ids": ids,
		"revision":     change.Revision,
	}); err != nil {
		return nil, err
	}

	title := change.Title
	tx.AfterCommit(func(ctx context.Context) {
		for _, a := range created {
			contactID, _ := a.ContactID()
			s.wf.Notify(ctx, engine.Notification{
				Kind:       engine.NotifyApprovalRequested,
				ChangeID:   a.ChangeID,
				ApprovalID: a.ID,
				Recipient:  contactID,
				Address:    addresses[contactID],
				Subject:    fmt.Sprintf("Approval requested for change %q", title),
				Data: map[string]interface{}{
					"due_at": a.DueAt,
				},
			})
		}
		s.logger.Info().
			Str("change_id", change.ID).
			Int("created", len(created)).
			Msg("Client approvals requested")
	})

	return all, nil
}

// ClientApprove records a contact's approval. Once every client approval of
// the revision is resolved with at least one approval, a submitted change is
// routed to the CAB when it needs one, or approved otherwise.
func (s *Service) ClientApprove(ctx context.Context, cfg engine.GovernanceConfig, changeID, contactID string, comments *string) (*engine.ChangeRequest, error) {
	return s.resolveClient(ctx, cfg, changeID, contactID, engine.ApprovalApproved, comments)
}

// ClientReject records a contact's rejection and rejects the change.
func (s *Service) ClientReject(ctx context.Context, cfg engine.GovernanceConfig, changeID, contactID string, comments *string) (*engine.ChangeRequest, error) {
	return s.resolveClient(ctx, cfg, changeID, contactID, engine.ApprovalRejected, comments)
}

func (s *Service) resolveClient(ctx context.Context, cfg engine.GovernanceConfig, changeID, contactID string, status engine.ApprovalStatus, comments *string) (*engine.ChangeRequest, error) {
	actor := ContactActor(contactID)
	op := s.wf.Telemetry().StartOperation(ctx, "approval.client_"+string(status),
		telemetry.AttrChangeID.String(changeID),
		telemetry.AttrActor.String(actor),
	)
	ctx = op.Ctx

	var change *engine.ChangeRequest
	err := s.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		var err error
		change, err = tx.GetChange(ctx, changeID)
		if err != nil {
			return err
		}

		a, err := tx.FindClientApproval(ctx, change.ID, change.Revision, contactID)
		if err != nil {
			return err
		}
		if !a.IsPending() {
			return engine.NewPreconditionError(engine.ErrCodeAlreadyResolved,
				fmt.Sprintf("approval of %s is already %s", contactID, a.Status)).
				WithChange(changeID)
		}

		a.Resolve(status, comments, s.wf.Now())
		if err := tx.UpdateApproval(ctx, a); err != nil {
			return err
		}

		eventType := engine.EventClientApproved
		if status == engine.ApprovalRejected {
			eventType = engine.EventClientRejected
		}
		payload := map[string]interface{}{"approval_id": a.ID, "contact_id": contactID}
		if comments != nil {
			payload["comments"] = *comments
		}
		if err := s.wf.AppendEvent(ctx, tx, change.ID, eventType, actor, payload); err != nil {
			return err
		}

		tx.AfterCommit(func(context.Context) {
			if t := s.wf.Telemetry(); t != nil {
				t.Metrics.RecordApprovalResolved(string(engine.ApprovalTypeClient), string(status))
			}
		})

		if status == engine.ApprovalRejected {
			return s.rejectForClient(ctx, tx, change, actor, comments)
		}
		return s.checkClientApprovalsComplete(ctx, tx, cfg, change, actor)
	})
	op.End(err)
	if err != nil {
		return nil, err
	}
	return change, nil
}

// rejectForClient rejects the change after a client rejection.
func (s *Service) rejectForClient(ctx context.Context, tx engine.Tx, change *engine.ChangeRequest, actor string, comments *string) error {
	if !engine.CanTransition(change.Status, engine.StatusRejected) {
		return nil
	}
	reason := ""
	if comments != nil && strings.TrimSpace(*comments) != "" {
		reason = *comments
	}
	if err := resolveTracker(ctx, tx, change, engine.ApprovalRejected, s.wf.Now()); err != nil {
		return err
	}
	return s.wf.ApplyTransition(ctx, tx, change, engine.StatusRejected, actor, reason)
}

// checkClientApprovalsComplete advances a submitted change once no client
// approval of its revision is pending and at least one approved. When every
// client rejected, the change is left for staff to handle.
func (s *Service) checkClientApprovalsComplete(ctx context.Context, tx engine.Tx, cfg engine.GovernanceConfig, change *engine.ChangeRequest, actor string) error {
	approvals, err := tx.ListApprovals(ctx, change.ID, change.Revision)
	if err != nil {
		return err
	}

	approved := 0
	for _, a := range approvals {
		if a.Type() != engine.ApprovalTypeClient {
			continue
		}
		if a.IsPending() {
			return nil
		}
		if a.Status == engine.ApprovalApproved {
			approved++
		}
	}

	if approved == 0 || change.Status != engine.StatusSubmitted {
		return nil
	}

	if change.RequiresCabApproval {
		return s.RouteToCabTx(ctx, tx, cfg, change, actor)
	}
	return s.wf.ApplyTransition(ctx, tx, change, engine.StatusApproved, actor, "")
}

// RouteToCabTx moves a submitted change to pending_approval and makes sure
// its revision has a CAB tracker.
func (s *Service) RouteToCabTx(ctx context.Context, tx engine.Tx, cfg engine.GovernanceConfig, change *engine.ChangeRequest, actor string) error {
	if err := s.wf.RouteToCabTx(ctx, tx, change, actor); err != nil {
		return err
	}
	_, err := s.EnsureCabApprovalTx(ctx, tx, cfg, change)
	return err
}

// EnsureCabApprovalTx returns the CAB tracker of the change's current
// revision, creating it with an SLA when absent.
func (s *Service) EnsureCabApprovalTx(ctx context.Context, tx engine.Tx, cfg engine.GovernanceConfig, change *engine.ChangeRequest) (*engine.Approval, error) {
	tracker, err := tx.FindCabApproval(ctx, change.ID, change.Revision)
	if err == nil {
		return tracker, nil
	}
	if !engine.IsNotFound(err) {
		return nil, err
	}

	now := s.wf.Now()
	tracker = &engine.Approval{
		ID:        uuid.New().String(),
		ChangeID:  change.ID,
		Revision:  change.Revision,
		Target:    engine.CabTarget{},
		Status:    engine.ApprovalPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	orchestration.InitializeApprovalSla(tracker, cfg.ApprovalSLAHours, now)
	if err := tx.CreateApproval(ctx, tracker); err != nil {
		return nil, err
	}
	return tracker, nil
}

// resolveTracker resolves a pending CAB tracker of the current revision, if any.
func resolveTracker(ctx context.Context, tx engine.Tx, change *engine.ChangeRequest, status engine.ApprovalStatus, at time.Time) error {
	tracker, err := tx.FindCabApproval(ctx, change.ID, change.Revision)
	if engine.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !tracker.IsPending() {
		return nil
	}
	tracker.Resolve(status, nil, at)
	return tx.UpdateApproval(ctx, tracker)
}
