package policy

// GatesPackage is the Rego package every default-gates module must declare.
const GatesPackage = "changegov.gates"

// GatesQuery evaluates the whole gates package to a single object.
const GatesQuery = "data." + GatesPackage

// BuiltinGatesName is the module name of the built-in default gates.
const BuiltinGatesName = "builtin-default-gates"

// BuiltinGatesRego applies when no change policy matches:
// CAB review for high risk or emergency work, auto-approval for
// low-risk standard changes, client approval always and security
// review for the riskiest changes.
const BuiltinGatesRego = `package changegov.gates

import rego.v1

default requires_client_approval := true

default requires_cab_approval := false

default requires_security_review := false

default auto_approve := false

requires_cab_approval if input.risk_score >= 70

requires_cab_approval if input.change_type == "emergency"

auto_approve if {
	input.change_type == "standard"
	input.risk_score <= 30
}

requires_security_review if input.risk_score >= 80
`

// BuiltinGates returns the built-in default-gates module.
func BuiltinGates() Module {
	return Module{
		Name: BuiltinGatesName,
		Rego: BuiltinGatesRego,
	}
}
