package engine

import (
	"fmt"
)

// Status represents the lifecycle state of a change request.
type Status string

const (
	// StatusDraft indicates the change is being prepared by its requester.
	StatusDraft Status = "draft"

	// StatusSubmitted indicates the change has been submitted for approval.
	StatusSubmitted Status = "submitted"

	// StatusPendingApproval indicates the change is awaiting a CAB decision.
	StatusPendingApproval Status = "pending_approval"

	// StatusApproved indicates all approval gates have been satisfied.
	StatusApproved Status = "approved"

	// StatusScheduled indicates an implementation window has been booked.
	StatusScheduled Status = "scheduled"

	// StatusInProgress indicates implementation has started.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates implementation has finished.
	StatusCompleted Status = "completed"

	// StatusCancelled indicates the change was withdrawn.
	StatusCancelled Status = "cancelled"

	// StatusRejected indicates an approver turned the change down.
	StatusRejected Status = "rejected"
)

// AllStatuses lists every member of the state set in lifecycle order.
var AllStatuses = []Status{
	StatusDraft,
	StatusSubmitted,
	StatusPendingApproval,
	StatusApproved,
	StatusScheduled,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
	StatusRejected,
}

// legalTransitions is the authoritative transition table.
var legalTransitions = map[Status][]Status{
	StatusDraft:           {StatusSubmitted, StatusCancelled},
	StatusSubmitted:       {StatusApproved, StatusRejected, StatusCancelled},
	StatusPendingApproval: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:        {StatusScheduled, StatusCancelled},
	StatusScheduled:       {StatusInProgress, StatusCancelled},
	StatusInProgress:      {StatusCompleted, StatusCancelled},
	StatusCompleted:       {},
	StatusCancelled:       {},
	StatusRejected:        {StatusDraft},
}

// Validate checks if the status is a member of the state set.
func (s Status) Validate() error {
	if _, ok := legalTransitions[s]; !ok {
		return fmt.Errorf("invalid change status: %s", s)
	}
	return nil
}

// IsTerminal returns true if no transition leaves the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsAwaitingApproval returns true while approvals for the change are still meaningful.
func (s Status) IsAwaitingApproval() bool {
	return s == StatusSubmitted || s == StatusPendingApproval
}

// IsActiveWindow returns true if the change occupies its scheduled window.
func (s Status) IsActiveWindow() bool {
	return s == StatusScheduled || s == StatusInProgress
}

// AllowedTransitions returns the statuses reachable from s.
func (s Status) AllowedTransitions() []Status {
	next := legalTransitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, candidate := range legalTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Priority is the business priority of a change.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ChangeType is the ITIL change classification.
type ChangeType string

const (
	// ChangeTypeStandard is a pre-authorised, low-risk change.
	ChangeTypeStandard ChangeType = "standard"

	// ChangeTypeNormal follows the full assessment process.
	ChangeTypeNormal ChangeType = "normal"

	// ChangeTypeEmergency must be implemented as soon as possible.
	ChangeTypeEmergency ChangeType = "emergency"
)

// RiskLevel is the requester's own risk assessment.
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

// ConditionsStatus tracks acknowledgement of CAB conditions.
type ConditionsStatus string

const (
	ConditionsPending   ConditionsStatus = "pending"
	ConditionsConfirmed ConditionsStatus = "confirmed"
)

// ApprovalType distinguishes client approvals from the CAB tracker.
type ApprovalType string

const (
	ApprovalTypeClient ApprovalType = "client"
	ApprovalTypeCab    ApprovalType = "cab"
)

// ApprovalStatus is the resolution state of an approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// NotificationStatus records the last notification sent for an approval.
type NotificationStatus string

const (
	NotificationPending      NotificationStatus = "pending"
	NotificationSent         NotificationStatus = "sent"
	NotificationReminderSent NotificationStatus = "reminder_sent"
	NotificationEscalated    NotificationStatus = "escalated"
)

// VoteValue is a CAB member's ballot.
type VoteValue string

const (
	VoteApprove VoteValue = "approve"
	VoteReject  VoteValue = "reject"
	VoteAbstain VoteValue = "abstain"
)

// Validate checks if the vote value is known.
func (v VoteValue) Validate() error {
	switch v {
	case VoteApprove, VoteReject, VoteAbstain:
		return nil
	default:
		return fmt.Errorf("invalid vote: %q (must be approve, reject or abstain)", v)
	}
}

// MeetingStatus is the lifecycle of a CAB meeting.
type MeetingStatus string

const (
	MeetingPlanned   MeetingStatus = "planned"
	MeetingCompleted MeetingStatus = "completed"
	MeetingCancelled MeetingStatus = "cancelled"
)

// Role is a capability held by a user in the directory.
type Role string

const (
	RoleEngineer      Role = "engineer"
	RoleCabMember     Role = "cab_member"
	RoleChangeManager Role = "change_manager"
)
