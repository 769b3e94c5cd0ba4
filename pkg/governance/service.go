package governance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changegov/pkg/approval"
	"github.com/openfroyo/changegov/pkg/cab"
	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/openfroyo/changegov/pkg/orchestration"
	"github.com/openfroyo/changegov/pkg/telemetry"
)

// Setting keys that override the file configuration.
const (
	SettingCabQuorum               = "cab.quorum"
	SettingApprovalSLAHours        = "approval.sla_hours"
	SettingReminderThresholdHours  = "approval.reminder_threshold_hours"
	SettingEscalationIntervalHours = "approval.escalation_interval_hours"
)

// SettingKeys lists the recognised setting keys.
var SettingKeys = []string{
	SettingCabQuorum,
	SettingApprovalSLAHours,
	SettingReminderThresholdHours,
	SettingEscalationIntervalHours,
}

// Settings reads and writes the mutable key-value settings.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// SubmitResult describes what Submit did with a change.
type SubmitResult struct {
	Change          *engine.ChangeRequest  `json:"change"`
	Decision        *engine.PolicyDecision `json:"decision"`
	ClientApprovals []*engine.Approval     `json:"client_approvals,omitempty"`
	AutoApproved    bool                   `json:"auto_approved"`
	RoutedToCab     bool                   `json:"routed_to_cab"`
}

// Service is the external surface of change governance. It resolves the
// governance configuration per call and delegates to the workflow, approval,
// orchestration and CAB components.
type Service struct {
	wf        *engine.Workflow
	policies  engine.PolicyEvaluator
	settings  Settings
	approvals *approval.Service
	sweeper   *orchestration.Sweeper
	cab       *cab.Manager
	base      engine.GovernanceConfig
	validate  *validator.Validate
	logger    zerolog.Logger
}

// NewService creates the governance facade. base is the file configuration;
// settings may be nil.
func NewService(wf *engine.Workflow, policies engine.PolicyEvaluator, settings Settings, base engine.GovernanceConfig) *Service {
	return &Service{
		wf:        wf,
		policies:  policies,
		settings:  settings,
		approvals: approval.NewService(wf),
		sweeper:   orchestration.NewSweeper(wf),
		cab:       cab.NewManager(wf),
		base:      base.WithDefaults(),
		validate:  validator.New(),
		logger:    wf.Logger("governance"),
	}
}

// Workflow returns the underlying workflow engine.
func (s *Service) Workflow() *engine.Workflow {
	return s.wf
}

// Sweeper returns the SLA sweeper, for wiring into a Runner.
func (s *Service) Sweeper() *orchestration.Sweeper {
	return s.sweeper
}

// CAB returns the meeting manager.
func (s *Service) CAB() *cab.Manager {
	return s.cab
}

// GovernanceConfig returns the file configuration overridden by any stored settings.
func (s *Service) GovernanceConfig(ctx context.Context) (engine.GovernanceConfig, error) {
	cfg := s.base
	if s.settings == nil {
		return cfg, nil
	}

	fields := map[string]*int{
		SettingCabQuorum:               &cfg.CabQuorum,
		SettingApprovalSLAHours:        &cfg.ApprovalSLAHours,
		SettingReminderThresholdHours:  &cfg.ReminderThresholdHours,
		SettingEscalationIntervalHours: &cfg.EscalationIntervalHours,
	}
	for _, key := range SettingKeys {
		raw, ok, err := s.settings.GetSetting(ctx, key)
		if err != nil {
			return cfg, engine.NewInternalError("failed to read settings", err)
		}
		if !ok {
			continue
		}
		n, err := parseSetting(key, raw)
		if err != nil {
			return cfg, err
		}
		*fields[key] = n
	}
	return cfg.WithDefaults(), nil
}

// SetSetting stores a governance override. Values must be positive integers.
func (s *Service) SetSetting(ctx context.Context, key, value string) error {
	if s.settings == nil {
		return engine.NewInternalError("settings are not available", nil)
	}
	known := false
	for _, k := range SettingKeys {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		return engine.NewValidationError(fmt.Sprintf("unknown setting %q", key), nil)
	}
	n, err := parseSetting(key, value)
	if err != nil {
		return err
	}
	if err := s.settings.SetSetting(ctx, key, strconv.Itoa(n)); err != nil {
		return engine.NewInternalError("failed to store setting", err)
	}
	s.wf.Audit(ctx, engine.AuditEntry{
		Action:  "settings.updated",
		Actor:   engine.ActorName(""),
		Details: map[string]interface{}{"key": key, "value": n},
	})
	return nil
}

func parseSetting(key, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, engine.NewValidationError(fmt.Sprintf("setting %s must be a positive integer, got %q", key, raw), err)
	}
	return n, nil
}

// CreateChange stores a new draft change.
func (s *Service) CreateChange(ctx context.Context, change *engine.ChangeRequest, actor string) (*engine.ChangeRequest, error) {
	return s.wf.Create(ctx, change, actor)
}

// GetChange loads a change.
func (s *Service) GetChange(ctx context.Context, changeID string) (*engine.ChangeRequest, error) {
	return s.wf.Get(ctx, changeID)
}

// History returns the workflow events of a change, oldest first.
func (s *Service) History(ctx context.Context, changeID string) ([]*engine.WorkflowEvent, error) {
	return s.wf.History(ctx, changeID)
}

// CreatePolicy validates and stores a change policy.
func (s *Service) CreatePolicy(ctx context.Context, p *engine.ChangePolicy) (*engine.ChangePolicy, error) {
	if err := s.validate.Struct(p); err != nil {
		return nil, engine.NewValidationError("invalid change policy", err).WithOperation("create_policy")
	}
	if p.MinRiskScore != nil && p.MaxRiskScore != nil && *p.MinRiskScore > *p.MaxRiskScore {
		return nil, engine.NewValidationError("min_risk_score exceeds max_risk_score", nil).WithOperation("create_policy")
	}

	created := *p
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	created.CreatedAt = s.wf.Now()
	err := s.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		return tx.CreatePolicy(ctx, &created)
	})
	if err != nil {
		return nil, err
	}
	s.wf.Audit(ctx, engine.AuditEntry{
		Action:   "policy.created",
		Actor:    engine.ActorName(""),
		TargetID: &created.ID,
		Details:  map[string]interface{}{"name": created.Name},
	})
	return &created, nil
}

// CreateBlackout validates and stores a blackout window.
func (s *Service) CreateBlackout(ctx context.Context, w *engine.BlackoutWindow) (*engine.BlackoutWindow, error) {
	if err := s.validate.Struct(w); err != nil {
		return nil, engine.NewValidationError("invalid blackout window", err).WithOperation("create_blackout")
	}

	created := *w
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	if created.Timezone == "" {
		created.Timezone = "UTC"
	}
	created.StartsAt = created.StartsAt.UTC()
	created.EndsAt = created.EndsAt.UTC()
	created.CreatedAt = s.wf.Now()
	err := s.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		return tx.CreateBlackout(ctx, &created)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// EvaluatePolicy computes the decision for a set of attributes without
// touching any change.
func (s *Service) EvaluatePolicy(ctx context.Context, attrs engine.ChangeAttributes) (*engine.PolicyDecision, error) {
	var policies []*engine.ChangePolicy
	err := s.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		var err error
		policies, err = tx.ListActivePolicies(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	decision, err := s.policies.Evaluate(ctx, attrs, policies)
	if err != nil {
		return nil, engine.NewInternalError("policy evaluation failed", err)
	}
	return decision, nil
}

// Submit evaluates policy for a draft change, submits it and applies the
// resulting gates in one transaction: auto-approval when allowed, client
// approval requests when required, then CAB routing. A change that needs
// none of these stays submitted for staff to approve or reject.
func (s *Service) Submit(ctx context.Context, changeID, actor string) (*SubmitResult, error) {
	op := s.wf.Telemetry().StartOperation(ctx, "change.submit",
		telemetry.AttrChangeID.String(changeID),
		telemetry.AttrActor.String(engine.ActorName(actor)),
	)
	ctx = op.Ctx

	cfg, err := s.GovernanceConfig(ctx)
	if err != nil {
		op.End(err)
		return nil, err
	}

	result := &SubmitResult{}
	err = s.wf.Store().RunInTx(ctx, func(tx engine.Tx) error {
		change, err := tx.GetChange(ctx, changeID)
		if err != nil {
			return err
		}
		if change.Status != engine.StatusDraft {
			return engine.NewIllegalTransitionError(change.Status, engine.StatusSubmitted).
				WithChange(changeID).
				WithOperation("submit")
		}

		policies, err := tx.ListActivePolicies(ctx)
		if err != nil {
			return err
		}
		decision, err := s.policies.Evaluate(ctx, change.Attributes(), policies)
		if err != nil {
			return engine.NewInternalError("policy evaluation failed", err).WithChange(changeID)
		}
		result.Decision = decision

		if err := s.wf.RecordPolicyDecisionTx(ctx, tx, change, decision, actor); err != nil {
			return err
		}
		if err := s.wf.ApplyTransition(ctx, tx, change, engine.StatusSubmitted, actor, ""); err != nil {
			return err
		}
		result.Change = change

		if decision.AutoApprove && !decision.RequiresCabApproval {
			if err := s.wf.ApplyTransition(ctx, tx, change, engine.StatusApproved, actor, "Auto-approved by policy"); err != nil {
				return err
			}
			result.AutoApproved = true
			return s.wf.AppendEvent(ctx, tx, changeID, engine.EventAutoApproved, actor, map[string]interface{}{
				"source":     decision.Source,
				"risk_score": decision.RiskScore,
			})
		}

		if decision.RequiresClientApproval {
			approvals, err := s.approvals.CreateClientApprovalsTx(ctx, tx, cfg, change)
			if err != nil {
				return err
			}
			if len(approvals) > 0 {
				result.ClientApprovals = approvals
				return nil
			}
			s.logger.Warn().
				Str("change_id", changeID).
				Str("client_id", change.ClientID).
				Msg("Client has no approver contacts, skipping client approval")
		}

		if decision.RequiresCabApproval {
			if err := s.approvals.RouteToCabTx(ctx, tx, cfg, change, actor); err != nil {
				return err
			}
			result.RoutedToCab = true
		}
		return nil
	})
	op.End(err)
	if err != nil {
		return nil, err
	}

	if tel := s.wf.Telemetry(); tel != nil {
		d := result.Decision
		tel.Metrics.RecordPolicyDecision(d.Source, d.RequiresCabApproval, d.AutoApprove, d.RiskScore)
	}
	s.logger.Info().
		Str("change_id", changeID).
		Str("status", string(result.Change.Status)).
		Int("risk_score", result.Decision.RiskScore).
		Str("source", result.Decision.Source).
		Msg("Change submitted")
	return result, nil
}

// Transition moves a change to another status.
func (s *Service) Transition(ctx context.Context, changeID string, to engine.Status, actor, reason string) (*engine.ChangeRequest, error) {
	return s.wf.Transition(ctx, changeID, to, actor, reason)
}

// Schedule books the implementation window of an approved change.
func (s *Service) Schedule(ctx context.Context, changeID string, start, end time.Time, actor string) (*engine.ChangeRequest, error) {
	return s.wf.Schedule(ctx, changeID, start, end, actor)
}

// AssignEngineer assigns the implementing engineer.
func (s *Service) AssignEngineer(ctx context.Context, changeID, engineerID, actor string) (*engine.ChangeRequest, error) {
	return s.wf.AssignEngineer(ctx, changeID, engineerID, actor)
}

// CreateClientApprovals requests approval from the client's approver contacts.
func (s *Service) CreateClientApprovals(ctx context.Context, changeID string) ([]*engine.Approval, error) {
	cfg, err := s.GovernanceConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s.approvals.CreateClientApprovals(ctx, cfg, changeID)
}

// ClientApprove records a contact's approval.
func (s *Service) ClientApprove(ctx context.Context, changeID, contactID string, comments *string) (*engine.ChangeRequest, error) {
	cfg, err := s.GovernanceConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s.approvals.ClientApprove(ctx, cfg, changeID, contactID, comments)
}

// ClientReject records a contact's rejection, which rejects the change.
func (s *Service) ClientReject(ctx context.Context, changeID, contactID string, comments *string) (*engine.ChangeRequest, error) {
	cfg, err := s.GovernanceConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s.approvals.ClientReject(ctx, cfg, changeID, contactID, comments)
}

// CastCabVote records a committee ballot and re-evaluates the quorum.
func (s *Service) CastCabVote(ctx context.Context, v approval.CastVote) (*approval.VoteResult, error) {
	cfg, err := s.GovernanceConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s.approvals.CastCabVote(ctx, cfg, v)
}

// ConfirmCabConditions acknowledges pending CAB conditions.
func (s *Service) ConfirmCabConditions(ctx context.Context, changeID, userID string) (*engine.ChangeRequest, error) {
	return s.approvals.ConfirmCabConditions(ctx, changeID, userID)
}

// OrchestrateReminders sends due-soon reminders.
func (s *Service) OrchestrateReminders(ctx context.Context) (orchestration.SweepResult, error) {
	cfg, err := s.GovernanceConfig(ctx)
	if err != nil {
		return orchestration.SweepResult{}, err
	}
	return s.sweeper.SendDueSoonReminders(ctx, cfg)
}

// OrchestrateEscalations escalates overdue approvals.
func (s *Service) OrchestrateEscalations(ctx context.Context) (orchestration.SweepResult, error) {
	cfg, err := s.GovernanceConfig(ctx)
	if err != nil {
		return orchestration.SweepResult{}, err
	}
	return s.sweeper.EscalateOverdueApprovals(ctx, cfg)
}

// PendingCabReview lists the changes awaiting the committee.
func (s *Service) PendingCabReview(ctx context.Context) ([]*engine.ChangeRequest, error) {
	return s.cab.GetPendingCabReview(ctx)
}

// RefreshCabMeetingAgenda syncs a planned meeting's agenda with the pending review set.
func (s *Service) RefreshCabMeetingAgenda(ctx context.Context, meetingID string) (*cab.RefreshResult, error) {
	return s.cab.RefreshCabMeetingAgenda(ctx, meetingID)
}

// RunnerConfigSource adapts GovernanceConfig for orchestration.NewRunner.
func (s *Service) RunnerConfigSource() orchestration.ConfigSource {
	return s.GovernanceConfig
}
