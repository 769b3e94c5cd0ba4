// Package policy provides risk scoring and change-policy evaluation backed by
// Open Policy Agent (OPA).
//
// # Architecture
//
// The policy system consists of three parts:
//
//  1. Scoring - ComputeRiskScore derives a 0-100 score from change attributes
//  2. Matching - SelectPolicy picks the most specific active ChangePolicy
//  3. Default gates - a Rego module (package changegov.gates) decides the gates
//     when no policy matches
//
// # Usage
//
// Creating a policy engine:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	decision, err := eng.Evaluate(ctx, change.Attributes(), policies)
//
// Replacing the default gates with an operator module, reloaded on change:
//
//	loader := policy.NewLoader(eng, logger)
//	if err := loader.Watch(ctx, "/etc/changegov/gates.rego"); err != nil {
//	    log.Fatal(err)
//	}
//
// A replacement module must declare package changegov.gates and may define
// any of requires_client_approval, requires_cab_approval,
// requires_security_review and auto_approve. Undefined rules evaluate to
// false. The input document carries risk_score, client_id, priority,
// change_type, risk_level and the has_*_plan flags.
//
// A module that fails to parse or compile is rejected and the previously
// active module keeps serving evaluations.
package policy
