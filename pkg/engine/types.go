package engine

import (
	"encoding/json"
	"strings"
	"time"
)

// ChangeRequest is a unit of proposed work moving through the governance lifecycle.
type ChangeRequest struct {
	// ID is the unique identifier of the change.
	ID string `json:"id"`

	// Title is a short summary of the change.
	Title string `json:"title" validate:"required,max=255"`

	// Description describes the work in detail.
	Description string `json:"description,omitempty"`

	// ClientID is the managed client the change is performed for.
	ClientID string `json:"client_id" validate:"required"`

	// RequesterID is the user who raised the change.
	RequesterID string `json:"requester_id" validate:"required"`

	// AssignedEngineerID is the engineer implementing the change.
	AssignedEngineerID *string `json:"assigned_engineer_id,omitempty"`

	Status     Status     `json:"status"`
	Priority   Priority   `json:"priority" validate:"required,oneof=low medium high critical"`
	ChangeType ChangeType `json:"change_type" validate:"required,oneof=standard normal emergency"`
	RiskLevel  RiskLevel  `json:"risk_level" validate:"required,oneof=low medium high"`

	// RiskScore is the 0-100 score computed at submission.
	RiskScore int `json:"risk_score"`

	// PolicyID is the governing policy recorded at submission, nil for default gates.
	PolicyID *string `json:"policy_id,omitempty"`

	RequiresClientApproval bool `json:"requires_client_approval"`
	RequiresCabApproval    bool `json:"requires_cab_approval"`
	RequiresSecurityReview bool `json:"requires_security_review"`

	ImplementationPlan string `json:"implementation_plan,omitempty"`
	BackoutPlan        string `json:"backout_plan,omitempty"`
	TestPlan           string `json:"test_plan,omitempty"`

	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
	ActualStart    *time.Time `json:"actual_start,omitempty"`
	ActualEnd      *time.Time `json:"actual_end,omitempty"`

	ApprovedBy      *string    `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`

	// CabConditions holds the aggregated conditional terms of approving CAB votes.
	CabConditions            *string           `json:"cab_conditions,omitempty"`
	CabConditionsStatus      *ConditionsStatus `json:"cab_conditions_status,omitempty"`
	CabConditionsConfirmedBy *string           `json:"cab_conditions_confirmed_by,omitempty"`
	CabConditionsConfirmedAt *time.Time        `json:"cab_conditions_confirmed_at,omitempty"`

	// AssetIDs lists the external assets the change touches.
	AssetIDs []string `json:"asset_ids,omitempty" validate:"dive,required"`

	// Revision increments every time a rejected change is reopened as a draft.
	Revision int `json:"revision"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasSchedule returns true if both window bounds are set.
func (c *ChangeRequest) HasSchedule() bool {
	return c.ScheduledStart != nil && c.ScheduledEnd != nil
}

// ConditionsPending returns true while CAB conditions await confirmation.
func (c *ChangeRequest) ConditionsPending() bool {
	return c.CabConditionsStatus != nil && *c.CabConditionsStatus == ConditionsPending
}

// ClearConditions drops any CAB conditions and their acknowledgement.
func (c *ChangeRequest) ClearConditions() {
	c.CabConditions = nil
	c.CabConditionsStatus = nil
	c.CabConditionsConfirmedBy = nil
	c.CabConditionsConfirmedAt = nil
}

// Attributes extracts the policy-relevant attributes of the change.
func (c *ChangeRequest) Attributes() ChangeAttributes {
	return ChangeAttributes{
		ClientID:              c.ClientID,
		Priority:              c.Priority,
		ChangeType:            c.ChangeType,
		RiskLevel:             c.RiskLevel,
		HasImplementationPlan: strings.TrimSpace(c.ImplementationPlan) != "",
		HasBackoutPlan:        strings.TrimSpace(c.BackoutPlan) != "",
		HasTestPlan:           strings.TrimSpace(c.TestPlan) != "",
	}
}

// ChangeAttributes is the input of policy evaluation.
type ChangeAttributes struct {
	ClientID              string     `json:"client_id"`
	Priority              Priority   `json:"priority"`
	ChangeType            ChangeType `json:"change_type"`
	RiskLevel             RiskLevel  `json:"risk_level"`
	HasImplementationPlan bool       `json:"has_implementation_plan"`
	HasBackoutPlan        bool       `json:"has_backout_plan"`
	HasTestPlan           bool       `json:"has_test_plan"`
}

// PolicyDecision is the outcome of policy evaluation for a change.
type PolicyDecision struct {
	// RiskScore is the clamped 0-100 risk score.
	RiskScore int `json:"risk_score"`

	// Policy is the governing policy, nil when default gates apply.
	Policy *ChangePolicy `json:"policy,omitempty"`

	RequiresClientApproval bool `json:"requires_client_approval"`
	RequiresCabApproval    bool `json:"requires_cab_approval"`
	RequiresSecurityReview bool `json:"requires_security_review"`
	AutoApprove            bool `json:"auto_approve"`

	// Source is "policy" or "default".
	Source string `json:"source"`
}

// Decision sources.
const (
	DecisionSourcePolicy  = "policy"
	DecisionSourceDefault = "default"
)

// ChangePolicy is an administrator-defined governance rule.
type ChangePolicy struct {
	ID   string `json:"id"`
	Name string `json:"name" validate:"required"`

	// Scope filters; nil matches any value.
	ClientID   *string     `json:"client_id,omitempty"`
	ChangeType *ChangeType `json:"change_type,omitempty" validate:"omitempty,oneof=standard normal emergency"`
	Priority   *Priority   `json:"priority,omitempty" validate:"omitempty,oneof=low medium high critical"`

	// Risk score bounds, inclusive; nil is unbounded.
	MinRiskScore *int `json:"min_risk_score,omitempty" validate:"omitempty,min=0,max=100"`
	MaxRiskScore *int `json:"max_risk_score,omitempty" validate:"omitempty,min=0,max=100"`

	RequiresClientApproval bool `json:"requires_client_approval"`
	RequiresCabApproval    bool `json:"requires_cab_approval"`
	RequiresSecurityReview bool `json:"requires_security_review"`
	AutoApprove            bool `json:"auto_approve"`

	MaxImplementationHours *int `json:"max_implementation_hours,omitempty" validate:"omitempty,min=1"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// BlackoutWindow is a frozen period during which nothing may be scheduled.
type BlackoutWindow struct {
	ID   string `json:"id"`
	Name string `json:"name" validate:"required"`

	// ClientID scopes the window; nil means global.
	ClientID *string `json:"client_id,omitempty"`

	StartsAt time.Time `json:"starts_at" validate:"required"`
	EndsAt   time.Time `json:"ends_at" validate:"required,gtfield=StartsAt"`
	Timezone string    `json:"timezone"`
	Reason   string    `json:"reason,omitempty"`
	Active   bool      `json:"active"`

	CreatedAt time.Time `json:"created_at"`
}

// ApprovalTarget identifies who an approval is addressed to.
// It is implemented by ClientTarget and CabTarget only.
type ApprovalTarget interface {
	Type() ApprovalType
	isApprovalTarget()
}

// ClientTarget addresses an approval to one client contact.
type ClientTarget struct {
	ContactID string `json:"contact_id"`
}

// Type implements ApprovalTarget.
func (ClientTarget) Type() ApprovalType { return ApprovalTypeClient }
func (ClientTarget) isApprovalTarget()  {}

// CabTarget is the committee tracker; there is at most one per change revision.
type CabTarget struct{}

// Type implements ApprovalTarget.
func (CabTarget) Type() ApprovalType { return ApprovalTypeCab }
func (CabTarget) isApprovalTarget()  {}

// Approval is a single decision point on a change.
type Approval struct {
	ID       string         `json:"id"`
	ChangeID string         `json:"change_id"`
	Revision int            `json:"revision"`
	Target   ApprovalTarget `json:"target"`
	Status   ApprovalStatus `json:"status"`

	DueAt           *time.Time `json:"due_at,omitempty"`
	ReminderSentAt  *time.Time `json:"reminder_sent_at,omitempty"`
	EscalatedAt     *time.Time `json:"escalated_at,omitempty"`
	EscalationLevel int        `json:"escalation_level"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
	Comments        *string    `json:"comments,omitempty"`

	NotificationStatus NotificationStatus `json:"notification_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Type returns the approval type derived from its target.
func (a *Approval) Type() ApprovalType {
	if a.Target == nil {
		return ""
	}
	return a.Target.Type()
}

// ContactID returns the addressed contact for client approvals.
func (a *Approval) ContactID() (string, bool) {
	if t, ok := a.Target.(ClientTarget); ok {
		return t.ContactID, true
	}
	return "", false
}

// IsPending returns true while the approval is unresolved.
func (a *Approval) IsPending() bool {
	return a.Status == ApprovalPending
}

// Resolve records the response on a pending approval.
func (a *Approval) Resolve(status ApprovalStatus, comments *string, at time.Time) {
	a.Status = status
	a.RespondedAt = &at
	if comments != nil {
		a.Comments = comments
	}
	a.UpdatedAt = at
}

// CabVote is one committee member's ballot.
type CabVote struct {
	ID       string    `json:"id"`
	ChangeID string    `json:"change_id"`
	Revision int       `json:"revision"`
	VoterID  string    `json:"voter_id"`
	Vote     VoteValue `json:"vote"`

	Comments         *string `json:"comments,omitempty"`
	ConditionalTerms *string `json:"conditional_terms,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasConditions returns true for approving votes carrying non-empty terms.
func (v *CabVote) HasConditions() bool {
	return v.Vote == VoteApprove && v.ConditionalTerms != nil && strings.TrimSpace(*v.ConditionalTerms) != ""
}

// WorkflowEvent is an append-only audit record of a workflow action.
type WorkflowEvent struct {
	ID        int64                  `json:"id"`
	ChangeID  string                 `json:"change_id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	ActorID   *string                `json:"actor_id,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// PayloadJSON encodes the payload for storage.
func (e *WorkflowEvent) PayloadJSON() (string, error) {
	if len(e.Payload) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(e.Payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Workflow event types.
const (
	EventChangeCreated          = "change.created"
	EventChangeTransitioned     = "change.transitioned"
	EventChangeScheduled        = "change.scheduled"
	EventEngineerAssigned       = "change.engineer_assigned"
	EventPolicyEvaluated        = "change.policy_evaluated"
	EventAutoApproved           = "change.auto_approved"
	EventRoutedToCab            = "change.routed_to_cab"
	EventCabConditionsSet       = "change.cab_conditions_set"
	EventCabConditionsConfirmed = "change.cab_conditions_confirmed"
	EventClientApprovalsCreated = "approval.client_requested"
	EventClientApproved         = "approval.client_approved"
	EventClientRejected         = "approval.client_rejected"
	EventCabVoteCast            = "cab.vote_cast"
	EventCabQuorumResolved      = "cab.quorum_resolved"
)

// CabMeeting is a scheduled committee session.
type CabMeeting struct {
	ID          string        `json:"id"`
	MeetingDate time.Time     `json:"meeting_date" validate:"required"`
	Status      MeetingStatus `json:"status"`
	Notes       string        `json:"notes,omitempty"`
	Minutes     string        `json:"minutes,omitempty"`

	Agenda    []AgendaItem `json:"agenda,omitempty"`
	MemberIDs []string     `json:"member_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgendaItem pairs a meeting with a change under review.
type AgendaItem struct {
	ChangeID string    `json:"change_id"`
	Decision *string   `json:"decision,omitempty"`
	AddedAt  time.Time `json:"added_at"`
}

// Contact is a client-side person who may approve changes.
type Contact struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id" validate:"required"`
	Name       string    `json:"name" validate:"required"`
	Email      string    `json:"email" validate:"omitempty,email"`
	IsApprover bool      `json:"is_approver"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditEntry is a record handed to the audit sink.
type AuditEntry struct {
	ID        int64                  `json:"id"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	TargetID  *string                `json:"target_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NotificationKind classifies outbound messages.
type NotificationKind string

const (
	NotifyApprovalRequested NotificationKind = "approval_requested"
	NotifyApprovalReminder  NotificationKind = "approval_reminder"
	NotifyApprovalEscalated NotificationKind = "approval_escalated"
	NotifyChangeDecision    NotificationKind = "change_decision"
)

// Notification is a fire-and-forget message for the notification sink.
type Notification struct {
	Kind       NotificationKind       `json:"kind"`
	ChangeID   string                 `json:"change_id"`
	ApprovalID string                 `json:"approval_id,omitempty"`
	Recipient  string                 `json:"recipient"`
	Address    string                 `json:"address,omitempty"`
	Subject    string                 `json:"subject"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
