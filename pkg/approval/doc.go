// Package approval implements client approvals and CAB voting.
//
// Client approvals are created per approver contact of the change's client
// and keyed by change revision. When every client approval of a revision is
// resolved with at least one approval, a submitted change moves on: to the
// CAB when it requires one, otherwise straight to approved. A single client
// rejection rejects the change.
//
// CAB ballots are upserted per (change, revision, voter). Each ballot
// re-evaluates the quorum inside the same transaction, so the tally and the
// resulting transition are serialised with every other writer. Approving
// ballots may carry conditional terms; when the CAB approves with terms the
// change is approved with pending conditions that must be confirmed before it
// can be scheduled.
package approval
