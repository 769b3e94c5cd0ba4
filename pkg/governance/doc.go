// Package governance is the entry point for change governance.
//
// Service ties the workflow engine, the policy engine, the approval
// subsystem, SLA orchestration and CAB meetings together behind the
// operations exposed to users and schedulers. Each call resolves the
// governance configuration from the file configuration overridden by the
// stored settings:
//
//	cab.quorum
//	approval.sla_hours
//	approval.reminder_threshold_hours
//	approval.escalation_interval_hours
//
// Submit is the only operation composing several components in one
// transaction. It records the policy decision, submits the draft and then
// applies the gates:
//
//	auto_approve without CAB  -> approved
//	requires_client_approval  -> client approvals requested
//	requires_cab_approval     -> pending_approval with a CAB tracker
//
// A change that needs none of these stays submitted for staff to decide.
package governance
