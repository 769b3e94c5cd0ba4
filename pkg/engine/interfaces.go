package engine

import (
	"context"
	"time"
)

// Store runs units of work atomically against the governance state.
type Store interface {
	// RunInTx executes fn inside one transaction. The transaction commits when
	// fn returns nil and rolls back otherwise. Hooks registered through
	// Tx.AfterCommit run only after a successful commit.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of repositories available inside a transaction.
type Tx interface {
	ChangeRepository
	ApprovalRepository
	VoteRepository
	PolicyRepository
	BlackoutRepository
	EventRepository
	MeetingRepository
	ContactRepository

	// AfterCommit registers fn to run once the transaction has committed.
	AfterCommit(fn func(ctx context.Context))
}

// ChangeFilter narrows ListChanges.
type ChangeFilter struct {
	// Statuses restricts the result to these statuses; empty means all.
	Statuses []Status

	ClientID   string
	EngineerID string

	// ExcludeID drops one change from the result.
	ExcludeID string
}

// ChangeRepository persists change requests.
type ChangeRepository interface {
	CreateChange(ctx context.Context, change *ChangeRequest) error
	GetChange(ctx context.Context, id string) (*ChangeRequest, error)
	UpdateChange(ctx context.Context, change *ChangeRequest) error
	ListChanges(ctx context.Context, filter ChangeFilter) ([]*ChangeRequest, error)
}

// ApprovalRepository persists approvals.
type ApprovalRepository interface {
	CreateApproval(ctx context.Context, approval *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	UpdateApproval(ctx context.Context, approval *Approval) error

	// ListApprovals returns the approvals of one change revision in creation order.
	ListApprovals(ctx context.Context, changeID string, revision int) ([]*Approval, error)

	// FindClientApproval returns the approval addressed to contactID, or a not-found error.
	FindClientApproval(ctx context.Context, changeID string, revision int, contactID string) (*Approval, error)

	// FindCabApproval returns the CAB tracker of a revision, or a not-found error.
	FindCabApproval(ctx context.Context, changeID string, revision int) (*Approval, error)

	// ListPendingApprovals returns pending approvals of the current revision of
	// changes in any of the given statuses.
	ListPendingApprovals(ctx context.Context, statuses []Status) ([]*Approval, error)

	// MarkReminderSent stamps the reminder unless one was already recorded.
	// It reports whether the row was updated.
	MarkReminderSent(ctx context.Context, approvalID string, at time.Time) (bool, error)

	// MarkEscalated raises the escalation level from expectedLevel to
	// expectedLevel+1 while the approval is still pending. It reports whether
	// the row was updated.
	MarkEscalated(ctx context.Context, approvalID string, expectedLevel int, at time.Time) (bool, error)
}

// VoteRepository persists CAB ballots.
type VoteRepository interface {
	// UpsertVote inserts a ballot or overwrites the voter's previous one for the revision.
	UpsertVote(ctx context.Context, vote *CabVote) error

	// ListVotes returns the ballots of a revision in the order they were first cast.
	ListVotes(ctx context.Context, changeID string, revision int) ([]*CabVote, error)
}

// PolicyRepository persists change policies.
type PolicyRepository interface {
	CreatePolicy(ctx context.Context, policy *ChangePolicy) error
	GetPolicy(ctx context.Context, id string) (*ChangePolicy, error)

	// ListActivePolicies returns active policies in creation order.
	ListActivePolicies(ctx context.Context) ([]*ChangePolicy, error)
}

// BlackoutRepository persists blackout windows.
type BlackoutRepository interface {
	CreateBlackout(ctx context.Context, window *BlackoutWindow) error

	// ListActiveBlackouts returns active windows scoped to clientID or global.
	ListActiveBlackouts(ctx context.Context, clientID string) ([]*BlackoutWindow, error)
}

// EventRepository appends to and reads the workflow event log.
type EventRepository interface {
	AppendEvent(ctx context.Context, event *WorkflowEvent) error
	ListEvents(ctx context.Context, changeID string) ([]*WorkflowEvent, error)
}

// MeetingRepository persists CAB meetings and their agendas.
type MeetingRepository interface {
	CreateMeeting(ctx context.Context, meeting *CabMeeting) error

	// GetMeeting returns the meeting with its agenda and members.
	GetMeeting(ctx context.Context, id string) (*CabMeeting, error)

	// UpdateMeeting persists status, notes and minutes.
	UpdateMeeting(ctx context.Context, meeting *CabMeeting) error

	AddAgendaItem(ctx context.Context, meetingID string, item AgendaItem) error
	RemoveAgendaItem(ctx context.Context, meetingID, changeID string) error
	SetAgendaDecision(ctx context.Context, meetingID, changeID, decision string) error
}

// ContactRepository reads client contacts.
type ContactRepository interface {
	CreateContact(ctx context.Context, contact *Contact) error
	GetContact(ctx context.Context, id string) (*Contact, error)

	// ListApproverContacts returns the active approver contacts of a client.
	ListApproverContacts(ctx context.Context, clientID string) ([]*Contact, error)
}

// Directory answers role questions about users.
type Directory interface {
	HasRole(ctx context.Context, userID string, role Role) (bool, error)
}

// AuditSink records audit entries. Failures are logged by callers, never propagated.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// Notifier delivers notifications. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// PolicyEvaluator computes the governance decision for a change.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, attrs ChangeAttributes, policies []*ChangePolicy) (*PolicyDecision, error)
}

// ConflictChecker validates proposed windows and assignments against existing work.
// Both methods return a conflict-class EngineError naming the conflicts, or nil.
type ConflictChecker interface {
	CheckSchedule(ctx context.Context, tx Tx, change *ChangeRequest, start, end time.Time) error
	CheckEngineer(ctx context.Context, tx Tx, change *ChangeRequest, engineerID string) error
}

// GovernanceConfig holds the tunables consulted by approval and orchestration.
type GovernanceConfig struct {
	CabQuorum               int `json:"cab_quorum" yaml:"cab_quorum" validate:"min=0"`
	ApprovalSLAHours        int `json:"approval_sla_hours" yaml:"approval_sla_hours" validate:"min=0"`
	ReminderThresholdHours  int `json:"reminder_threshold_hours" yaml:"reminder_threshold_hours" validate:"min=0"`
	EscalationIntervalHours int `json:"escalation_interval_hours" yaml:"escalation_interval_hours" validate:"min=0"`
}

// Governance defaults.
const (
	DefaultCabQuorum               = 3
	DefaultApprovalSLAHours        = 24
	DefaultReminderThresholdHours  = 4
	DefaultEscalationIntervalHours = 24
)

// WithDefaults fills zero values with the governance defaults.
func (c GovernanceConfig) WithDefaults() GovernanceConfig {
	if c.CabQuorum <= 0 {
		c.CabQuorum = DefaultCabQuorum
	}
	if c.ApprovalSLAHours <= 0 {
		c.ApprovalSLAHours = DefaultApprovalSLAHours
	}
	if c.ReminderThresholdHours <= 0 {
		c.ReminderThresholdHours = DefaultReminderThresholdHours
	}
	if c.EscalationIntervalHours <= 0 {
		c.EscalationIntervalHours = DefaultEscalationIntervalHours
	}
	return c
}

// SLA returns the approval SLA as a duration.
func (c GovernanceConfig) SLA() time.Duration {
	return time.Duration(c.WithDefaults().ApprovalSLAHours) * time.Hour
}

// ReminderThreshold returns the reminder lead time as a duration.
func (c GovernanceConfig) ReminderThreshold() time.Duration {
	return time.Duration(c.WithDefaults().ReminderThresholdHours) * time.Hour
}

// EscalationInterval returns the re-escalation interval as a duration.
func (c GovernanceConfig) EscalationInterval() time.Duration {
	return time.Duration(c.WithDefaults().EscalationIntervalHours) * time.Hour
}
