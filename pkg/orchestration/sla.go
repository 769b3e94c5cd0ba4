package orchestration

import (
	"time"

	"github.com/openfroyo/changegov/pkg/engine"
)

// InitializeApprovalSla stamps the due date of a new approval and marks the
// request notification as sent. A non-positive hours value uses the default SLA.
func InitializeApprovalSla(a *engine.Approval, hours int, now time.Time) {
	if hours <= 0 {
		hours = engine.DefaultApprovalSLAHours
	}
	due := now.Add(time.Duration(hours) * time.Hour)
	a.DueAt = &due
	a.NotificationStatus = engine.NotificationSent
}
