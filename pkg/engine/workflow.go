package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changegov/pkg/telemetry"
)

// Workflow owns the change lifecycle state machine.
type Workflow struct {
	store     Store
	directory Directory
	conflicts ConflictChecker
	notifier  Notifier
	audit     AuditSink
	tel       *telemetry.Telemetry
	logger    zerolog.Logger
	now       func() time.Time
	validate  *validator.Validate
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(w *Workflow) { w.notifier = n }
}

// WithAudit sets the audit sink.
func WithAudit(a AuditSink) Option {
	return func(w *Workflow) { w.audit = a }
}

// WithTelemetry enables tracing and metrics.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(w *Workflow) { w.tel = t }
}

// WithLogger sets the base logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// NewWorkflow creates a workflow engine over the given store.
func NewWorkflow(store Store, directory Directory, conflicts ConflictChecker, opts ...Option) *Workflow {
	w := &Workflow{
		store:     store,
		directory: directory,
		conflicts: conflicts,
		logger:    zerolog.Nop(),
		now:       time.Now,
		validate:  validator.New(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("component", "workflow").Logger()
	return w
}

// Now returns the current time in UTC according to the workflow clock.
func (w *Workflow) Now() time.Time {
	return w.now().UTC()
}

// Store returns the underlying store.
func (w *Workflow) Store() Store {
	return w.store
}

// Directory returns the role directory.
func (w *Workflow) Directory() Directory {
	return w.directory
}

// Telemetry returns the configured telemetry, possibly nil.
func (w *Workflow) Telemetry() *telemetry.Telemetry {
	return w.tel
}

// Logger returns a child logger for another component.
func (w *Workflow) Logger(component string) zerolog.Logger {
	return w.logger.With().Str("component", component).Logger()
}

// ActorName renders an actor id, mapping the empty actor to "system".
func ActorName(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

// Create validates and stores a new change in draft at revision 1.
func (w *Workflow) Create(ctx context.Context, change *ChangeRequest, actor string) (*ChangeRequest, error) {
	op := w.tel.StartOperation(ctx, "change.create")
	ctx = op.Ctx

	if err := w.validate.Struct(change); err != nil {
		op.End(err)
		return nil, NewValidationError("invalid change request", err).WithOperation("create")
	}

	now := w.Now()
	c := *change
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = StatusDraft
	c.Revision = 1
	c.AssetIDs = dedupe(c.AssetIDs)
	c.RiskScore = 0
	c.PolicyID = nil
	c.ApprovedAt = nil
	c.ApprovedBy = nil
	c.RejectionReason = nil
	c.ActualStart = nil
	c.ActualEnd = nil
	c.ClearConditions()
	c.CreatedAt = now
	c.UpdatedAt = now

	err := w.store.RunInTx(ctx, func(tx Tx) error {
		if err := tx.CreateChange(ctx, &c); err != nil {
			return err
		}
		return w.appendEvent(ctx, tx, c.ID, EventChangeCreated, actor, map[string]interface{}{
			"title":     c.Title,
			"client_id": c.ClientID,
		})
	})
	op.End(err)
	if err != nil {
		return nil, err
	}

	w.logger.Info().Str("change_id", c.ID).Str("actor", ActorName(actor)).Msg("Change created")
	return &c, nil
}

// Get loads a change by id.
func (w *Workflow) Get(ctx context.Context, changeID string) (*ChangeRequest, error) {
	var change *ChangeRequest
	err := w.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		change, err = tx.GetChange(ctx, changeID)
		return err
	})
	return change, err
}

// Transition moves a change to a new status in its own transaction.
func (w *Workflow) Transition(ctx context.Context, changeID string, to Status, actor, reason string) (*ChangeRequest, error) {
	op := w.tel.StartOperation(ctx, "change.transition",
		telemetry.AttrChangeID.String(changeID),
		telemetry.AttrToStatus.String(string(to)),
		telemetry.AttrActor.String(ActorName(actor)),
	)
	ctx = op.Ctx

	var change *ChangeRequest
	err := w.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		change, err = w.TransitionTx(ctx, tx, changeID, to, actor, reason)
		return err
	})
	op.End(err)
	if err != nil {
		return nil, err
	}
	return change, nil
}

// TransitionTx loads a change and transitions it inside the caller's transaction.
func (w *Workflow) TransitionTx(ctx context.Context, tx Tx, changeID string, to Status, actor, reason string) (*ChangeRequest, error) {
	change, err := tx.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if err := w.ApplyTransition(ctx, tx, change, to, actor, reason); err != nil {
		return nil, err
	}
	return change, nil
}

// ApplyTransition validates and applies a status change to an already loaded
// change, persisting it together with its side effects and event.
func (w *Workflow) ApplyTransition(ctx context.Context, tx Tx, change *ChangeRequest, to Status, actor, reason string) error {
	if err := to.Validate(); err != nil {
		return NewValidationError("unknown target status", err).WithChange(change.ID)
	}

	from := change.Status
	if !CanTransition(from, to) {
		return NewIllegalTransitionError(from, to).WithChange(change.ID).WithOperation("transition")
	}

	now := w.Now()
	who := ActorName(actor)

	switch to {
	case StatusDraft:
		change.RejectionReason = nil
		change.ApprovedAt = nil
		change.ApprovedBy = nil
		change.ClearConditions()
		change.Revision++

	case StatusApproved:
		change.ApprovedAt = &now
		change.ApprovedBy = &who
		if err := w.resolveCabTracker(ctx, tx, change, ApprovalApproved, now); err != nil {
			return err
		}

	case StatusScheduled:
		if change.ScheduledStart == nil {
			return NewPreconditionError(ErrCodeMissingSchedule, "a scheduled start is required before scheduling").
				WithChange(change.ID)
		}

	case StatusInProgress:
		change.ActualStart = &now

	case StatusCompleted:
		change.ActualEnd = &now

	case StatusRejected:
		if strings.TrimSpace(reason) == "" {
			reason = "Rejected by " + who
		}
		change.RejectionReason = &reason

	case StatusCancelled:
		if strings.TrimSpace(reason) == "" {
			reason = "Cancelled by " + who
		}
		change.RejectionReason = &reason
	}

	change.Status = to
	change.UpdatedAt = now
	if err := tx.UpdateChange(ctx, change); err != nil {
		return err
	}

	payload := map[string]interface{}{"from": string(from), "to": string(to)}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := w.appendEvent(ctx, tx, change.ID, EventChangeTransitioned, actor, payload); err != nil {
		return err
	}

	requester := change.RequesterID
	changeID := change.ID
	title := change.Title
	tx.AfterCommit(func(ctx context.Context) {
		if w.tel != nil {
			w.tel.Metrics.RecordTransition(string(from), string(to))
		}
		w.logger.Info().
			Str("change_id", changeID).
			Str("from", string(from)).
			Str("to", string(to)).
			Str("actor", who).
			Msg("Change transitioned")
		w.Audit(ctx, AuditEntry{
			Action:   EventChangeTransitioned,
			Actor:    who,
			TargetID: &changeID,
			Details:  payload,
		})
		if to == StatusApproved || to == StatusRejected || to == StatusCancelled {
			w.Notify(ctx, Notification{
				Kind:      NotifyChangeDecision,
				ChangeID:  changeID,
				Recipient: requester,
				Subject:   fmt.Sprintf("Change %q is now %s", title, to),
				Data:      payload,
			})
		}
	})

	return nil
}

// resolveCabTracker resolves a pending CAB tracker of the current revision, if any.
func (w *Workflow) resolveCabTracker(ctx context.Context, tx Tx, change *ChangeRequest, status ApprovalStatus, at time.Time) error {
	tracker, err := tx.FindCabApproval(ctx, change.ID, change.Revision)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if !tracker.IsPending() {
		return nil
	}
	tracker.Resolve(status, nil, at)
	return tx.UpdateApproval(ctx, tracker)
}

// RouteToCabTx moves a submitted change into pending_approval. It is the
// internal routing step of the approval flow and is not reachable through
// Transition.
func (w *Workflow) RouteToCabTx(ctx context.Context, tx Tx, change *ChangeRequest, actor string) error {
	if change.Status != StatusSubmitted {
		return NewIllegalTransitionError(change.Status, StatusPendingApproval).
			WithChange(change.ID).
			WithOperation("route_to_cab")
	}

	change.Status = StatusPendingApproval
	change.UpdatedAt = w.Now()
	if err := tx.UpdateChange(ctx, change); err != nil {
		return err
	}

	changeID := change.ID
	tx.AfterCommit(func(context.Context) {
		if w.tel != nil {
			w.tel.Metrics.RecordTransition(string(StatusSubmitted), string(StatusPendingApproval))
		}
		w.logger.Info().Str("change_id", changeID).Msg("Change routed to CAB")
	})

	return w.appendEvent(ctx, tx, change.ID, EventRoutedToCab, actor, map[string]interface{}{
		"from": string(StatusSubmitted),
		"to":   string(StatusPendingApproval),
	})
}

// RecordPolicyDecisionTx stores the outcome of policy evaluation on the change.
func (w *Workflow) RecordPolicyDecisionTx(ctx context.Context, tx Tx, change *ChangeRequest, decision *PolicyDecision, actor string) error {
	change.RiskScore = decision.RiskScore
	change.PolicyID = nil
	if decision.Policy != nil {
		id := decision.Policy.ID
		change.PolicyID = &id
	}
	change.RequiresClientApproval = decision.RequiresClientApproval
	change.RequiresCabApproval = decision.RequiresCabApproval
	change.RequiresSecurityReview = decision.RequiresSecurityReview
	change.UpdatedAt = w.Now()

	if err := tx.UpdateChange(ctx, change); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"risk_score":               decision.RiskScore,
		"source":                   decision.Source,
		"requires_client_approval": decision.RequiresClientApproval,
		"requires_cab_approval":    decision.RequiresCabApproval,
		"requires_security_review": decision.RequiresSecurityReview,
		"auto_approve":             decision.AutoApprove,
	}
	if change.PolicyID != nil {
		payload["policy_id"] = *change.PolicyID
	}
	return w.appendEvent(ctx, tx, change.ID, EventPolicyEvaluated, actor, payload)
}

// Schedule books an implementation window for an approved or already scheduled change.
func (w *Workflow) Schedule(ctx context.Context, changeID string, start, end time.Time, actor string) (*ChangeRequest, error) {
	op := w.tel.StartOperation(ctx, "change.schedule",
		telemetry.AttrChangeID.String(changeID),
		telemetry.AttrActor.String(ActorName(actor)),
	)
	ctx = op.Ctx

	var change *ChangeRequest
	err := w.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		change, err = w.scheduleTx(ctx, tx, changeID, start.UTC(), end.UTC(), actor)
		return err
	})
	op.End(err)
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (w *Workflow) scheduleTx(ctx context.Context, tx Tx, changeID string, start, end time.Time, actor string) (*ChangeRequest, error) {
	change, err := tx.GetChange(ctx, changeID)
	if err != nil {
		return nil, err
	}

	if change.Status != StatusApproved && change.Status != StatusScheduled {
		return nil, NewIllegalTransitionError(change.Status, StatusScheduled).
			WithChange(changeID).
			WithOperation("schedule")
	}

	if !end.After(start) {
		return nil, NewValidationError("scheduled end must be after scheduled start", nil).WithChange(changeID)
	}

	if change.PolicyID != nil {
		policy, err := tx.GetPolicy(ctx, *change.PolicyID)
		switch {
		case err != nil && !IsNotFound(err):
			return nil, err
		case err == nil && policy.MaxImplementationHours != nil:
			limit := time.Duration(*policy.MaxImplementationHours) * time.Hour
			if end.Sub(start) > limit {
				return nil, NewValidationError(
					fmt.Sprintf("window of %s exceeds the %dh limit of policy %q",
						end.Sub(start), *policy.MaxImplementationHours, policy.Name), nil).
					WithChange(changeID).
					WithDetail("max_implementation_hours", *policy.MaxImplementationHours)
			}
		}
	}

	if err := w.conflicts.CheckSchedule(ctx, tx, change, start, end); err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			ee.WithChange(changeID).WithOperation("schedule")
		}
		return nil, err
	}

	if change.ConditionsPending() {
		return nil, NewPreconditionError(ErrCodeConditionsPending, "CAB conditions must be confirmed before scheduling").
			WithChange(changeID)
	}

	change.ScheduledStart = &start
	change.ScheduledEnd = &end

	if change.Status == StatusApproved {
		if err := w.ApplyTransition(ctx, tx, change, StatusScheduled, actor, ""); err != nil {
			return nil, err
		}
	} else {
		change.UpdatedAt = w.Now()
		if err := tx.UpdateChange(ctx, change); err != nil {
			return nil, err
		}
	}

	if err := w.appendEvent(ctx, tx, changeID, EventChangeScheduled, actor, map[string]interface{}{
		"scheduled_start": start.Format(time.RFC3339),
		"scheduled_end":   end.Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}

	return change, nil
}

// AssignEngineer sets the implementing engineer of a change.
func (w *Workflow) AssignEngineer(ctx context.Context, changeID, engineerID, actor string) (*ChangeRequest, error) {
	op := w.tel.StartOperation(ctx, "change.assign_engineer",
		telemetry.AttrChangeID.String(changeID),
		telemetry.AttrActor.String(ActorName(actor)),
	)
	ctx = op.Ctx

	change, err := w.assignEngineer(ctx, changeID, engineerID, actor)
	op.End(err)
	return change, err
}

func (w *Workflow) assignEngineer(ctx context.Context, changeID, engineerID, actor string) (*ChangeRequest, error) {
	if strings.TrimSpace(engineerID) == "" {
		return nil, NewValidationError("engineer id is required", nil).WithChange(changeID)
	}

	// Role lookups may hit the database, so they run before the transaction opens.
	ok, err := w.directory.HasRole(ctx, engineerID, RoleEngineer)
	if err != nil {
		return nil, NewInternalError("role lookup failed", err).WithChange(changeID)
	}
	if !ok {
		return nil, NewPreconditionError(ErrCodeMissingRole, fmt.Sprintf("user %s does not hold the engineer role", engineerID)).
			WithChange(changeID)
	}

	var change *ChangeRequest
	err = w.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		change, err = tx.GetChange(ctx, changeID)
		if err != nil {
			return err
		}
		if change.Status.IsTerminal() {
			return NewPreconditionError(ErrCodeTerminalChange, fmt.Sprintf("cannot assign an engineer to a %s change", change.Status)).
				WithChange(changeID)
		}
		if change.HasSchedule() {
			if err := w.conflicts.CheckEngineer(ctx, tx, change, engineerID); err != nil {
				return err
			}
		}

		payload := map[string]interface{}{"engineer_id": engineerID}
		if change.AssignedEngineerID != nil {
			payload["previous_engineer_id"] = *change.AssignedEngineerID
		}

		change.AssignedEngineerID = &engineerID
		change.UpdatedAt = w.Now()
		if err := tx.UpdateChange(ctx, change); err != nil {
			return err
		}
		return w.appendEvent(ctx, tx, changeID, EventEngineerAssigned, actor, payload)
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// History returns the workflow events of a change in append order.
func (w *Workflow) History(ctx context.Context, changeID string) ([]*WorkflowEvent, error) {
	var events []*WorkflowEvent
	err := w.store.RunInTx(ctx, func(tx Tx) error {
		if _, err := tx.GetChange(ctx, changeID); err != nil {
			return err
		}
		var err error
		events, err = tx.ListEvents(ctx, changeID)
		return err
	})
	return events, err
}

// AppendEvent records a workflow event inside the caller's transaction.
func (w *Workflow) AppendEvent(ctx context.Context, tx Tx, changeID, eventType, actor string, payload map[string]interface{}) error {
	return w.appendEvent(ctx, tx, changeID, eventType, actor, payload)
}

func (w *Workflow) appendEvent(ctx context.Context, tx Tx, changeID, eventType, actor string, payload map[string]interface{}) error {
	who := ActorName(actor)
	return tx.AppendEvent(ctx, &WorkflowEvent{
		ChangeID:  changeID,
		Type:      eventType,
		Payload:   payload,
		ActorID:   &who,
		CreatedAt: w.Now(),
	})
}

// Notify hands a notification to the sink, logging failures.
func (w *Workflow) Notify(ctx context.Context, n Notification) {
	if w.notifier == nil {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = w.Now()
	}
	err := w.notifier.Notify(ctx, n)
	if w.tel != nil {
		w.tel.Metrics.RecordNotification(string(n.Kind), err)
	}
	if err != nil {
		w.logger.Warn().Err(err).
			Str("change_id", n.ChangeID).
			Str("kind", string(n.Kind)).
			Msg("Notification delivery failed")
	}
}

// Audit hands an entry to the audit sink, logging failures.
func (w *Workflow) Audit(ctx context.Context, entry AuditEntry) {
	if w.audit == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = w.Now()
	}
	if err := w.audit.Record(ctx, entry); err != nil {
		w.logger.Warn().Err(err).Str("action", entry.Action).Msg("Audit record failed")
	}
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
