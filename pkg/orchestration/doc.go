// Package orchestration drives approval SLAs: due dates on new approvals,
// due-soon reminders and escalation of overdue approvals.
//
// Sweeps examine pending approvals of changes that are still awaiting a
// decision and process each record in its own transaction with a conditional
// update, so a sweep racing with a user action or with another sweep never
// applies the same reminder or escalation twice. The Runner schedules both
// sweeps with cron and can guard each run with a redis lock when several
// instances share one database.
package orchestration
