package policy

import (
	"time"

	"github.com/openfroyo/changegov/pkg/engine"
)

// Module is a Rego module evaluated for default gates.
type Module struct {
	// Name identifies the module in OPA compiler errors.
	Name string `json:"name"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Source is the file the module was loaded from, empty for the built-in module.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the module was compiled.
	LoadedAt time.Time `json:"loaded_at"`
}

// GateInput is the input document handed to the default-gates module.
type GateInput struct {
	RiskScore             int               `json:"risk_score"`
	ClientID              string            `json:"client_id"`
	Priority              engine.Priority   `json:"priority"`
	ChangeType            engine.ChangeType `json:"change_type"`
	RiskLevel             engine.RiskLevel  `json:"risk_level"`
	HasImplementationPlan bool              `json:"has_implementation_plan"`
	HasBackoutPlan        bool              `json:"has_backout_plan"`
	HasTestPlan           bool              `json:"has_test_plan"`
}

// NewGateInput builds the gate input for a scored change.
func NewGateInput(attrs engine.ChangeAttributes, score int) GateInput {
	return GateInput{
		RiskScore:             score,
		ClientID:              attrs.ClientID,
		Priority:              attrs.Priority,
		ChangeType:            attrs.ChangeType,
		RiskLevel:             attrs.RiskLevel,
		HasImplementationPlan: attrs.HasImplementationPlan,
		HasBackoutPlan:        attrs.HasBackoutPlan,
		HasTestPlan:           attrs.HasTestPlan,
	}
}

// Gates are the approval requirements produced by the default-gates module.
type Gates struct {
	RequiresClientApproval bool `json:"requires_client_approval"`
	RequiresCabApproval    bool `json:"requires_cab_approval"`
	RequiresSecurityReview bool `json:"requires_security_review"`
	AutoApprove            bool `json:"auto_approve"`
}
