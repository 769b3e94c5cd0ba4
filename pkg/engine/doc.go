// Package engine provides the core types and the change lifecycle state machine
// of the change-governance service.
//
// # Overview
//
// A change request moves through a fixed set of statuses:
//
//	draft → submitted → (pending_approval) → approved → scheduled → in_progress → completed
//
// with cancellation possible from every non-terminal status and rejection from
// the two approval statuses. A rejected change can be reworked by returning it
// to draft, which bumps its revision and invalidates every approval and vote of
// the previous revision.
//
// The transition table lives in status.go and is the only authority on what is
// legal. The pending_approval status is reached exclusively through
// Workflow.RouteToCabTx, never through Transition.
//
// # Core Domain Types
//
//   - ChangeRequest: the governed unit of work
//   - ChangePolicy: a rule mapping change attributes to approval gates
//   - PolicyDecision: the outcome of evaluating policies for one change
//   - BlackoutWindow: a period in which nothing may be scheduled
//   - Approval: a client or CAB approval tracker for one revision
//   - CabVote: one CAB member's vote on one revision
//   - WorkflowEvent: an append-only history entry
//   - CabMeeting: a scheduled CAB session with an agenda
//
// # Workflow
//
// Workflow owns every status change. Each operation runs in a single store
// transaction; notifications, audit entries and metrics are deferred with
// Tx.AfterCommit so nothing leaks when a transaction rolls back.
//
//	wf := engine.NewWorkflow(store, store, detector,
//	    engine.WithNotifier(notifier),
//	    engine.WithAudit(store),
//	    engine.WithTelemetry(tel),
//	)
//	change, err := wf.Transition(ctx, id, engine.StatusCancelled, "alice", "")
//
// # Errors
//
// Every failure is an *EngineError classified as validation, illegal
// transition, precondition, conflict, not found or internal. Use the Is*
// helpers to branch on the class:
//
//	if engine.IsConflict(err) {
//	    // offer another window
//	}
package engine
