package policy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/openfroyo/changegov/pkg/engine"
	"github.com/rs/zerolog"
)

// Engine scores changes, selects the governing policy and falls back to
// Rego default gates. It implements engine.PolicyEvaluator.
type Engine struct {
	mu     sync.RWMutex
	gates  *compiledModule
	logger zerolog.Logger
	now    func() time.Time
}

// compiledModule represents a prepared default-gates module.
type compiledModule struct {
	module Module
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in default gates.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger: logger.With().Str("component", "policy-engine").Logger(),
		now:    time.Now,
	}

	if err := e.SetDefaults(context.Background(), BuiltinGates()); err != nil {
		return nil, fmt.Errorf("failed to load built-in gates: %w", err)
	}

	return e, nil
}

// ComputeRiskScore derives the 0-100 risk score of a change.
func ComputeRiskScore(attrs engine.ChangeAttributes) int {
	score := 45
	switch attrs.RiskLevel {
	case engine.RiskLevelLow:
		score = 20
	case engine.RiskLevelHigh:
		score = 70
	}

	switch attrs.Priority {
	case engine.PriorityLow:
	case engine.PriorityHigh:
		score += 15
	case engine.PriorityCritical:
		score += 25
	default:
		score += 5
	}

	switch attrs.ChangeType {
	case engine.ChangeTypeStandard:
		score -= 10
	case engine.ChangeTypeEmergency:
		score += 25
	default:
		score += 5
	}

	if !attrs.HasBackoutPlan {
		score += 15
	}
	if !attrs.HasTestPlan {
		score += 10
	}
	if !attrs.HasImplementationPlan {
		score += 10
	}

	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}

// Matches reports whether a policy applies to the attributes at the given score.
func Matches(p *engine.ChangePolicy, attrs engine.ChangeAttributes, score int) bool {
	if !p.Active {
		return false
	}
	if p.ClientID != nil && *p.ClientID != attrs.ClientID {
		return false
	}
	if p.ChangeType != nil && *p.ChangeType != attrs.ChangeType {
		return false
	}
	if p.Priority != nil && *p.Priority != attrs.Priority {
		return false
	}
	if p.MinRiskScore != nil && score < *p.MinRiskScore {
		return false
	}
	if p.MaxRiskScore != nil && score > *p.MaxRiskScore {
		return false
	}
	return true
}

// Specificity ranks a matching policy: client scope outweighs change type,
// which outweighs priority.
func Specificity(p *engine.ChangePolicy) int {
	s := 0
	if p.ClientID != nil {
		s += 100
	}
	if p.ChangeType != nil {
		s += 10
	}
	if p.Priority != nil {
		s += 5
	}
	return s
}

// SelectPolicy returns the most specific matching policy. Policies must be in
// creation order; a later policy only wins when strictly more specific.
func SelectPolicy(attrs engine.ChangeAttributes, score int, policies []*engine.ChangePolicy) *engine.ChangePolicy {
	var (
		best      *engine.ChangePolicy
		bestScore = -1
	)
	for _, p := range policies {
		if !Matches(p, attrs, score) {
			continue
		}
		if s := Specificity(p); s > bestScore {
			best, bestScore = p, s
		}
	}
	return best
}

// Evaluate computes the policy decision for a change.
func (e *Engine) Evaluate(ctx context.Context, attrs engine.ChangeAttributes, policies []*engine.ChangePolicy) (*engine.PolicyDecision, error) {
	startTime := e.now()
	score := ComputeRiskScore(attrs)

	if p := SelectPolicy(attrs, score, policies); p != nil {
		e.logger.Debug().
			Str("policy_id", p.ID).
			Int("risk_score", score).
			Msg("Governing policy selected")

		return &engine.PolicyDecision{
			RiskScore:              score,
			Policy:                 p,
			RequiresClientApproval: p.RequiresClientApproval,
			RequiresCabApproval:    p.RequiresCabApproval,
			RequiresSecurityReview: p.RequiresSecurityReview,
			AutoApprove:            p.AutoApprove,
			Source:                 engine.DecisionSourcePolicy,
		}, nil
	}

	gates, err := e.EvaluateGates(ctx, NewGateInput(attrs, score))
	if err != nil {
		return nil, err
	}

	e.logger.Debug().
		Int("risk_score", score).
		Bool("cab", gates.RequiresCabApproval).
		Bool("auto_approve", gates.AutoApprove).
		Dur("duration", e.now().Sub(startTime)).
		Msg("Default gates evaluated")

	return &engine.PolicyDecision{
		RiskScore:              score,
		RequiresClientApproval: gates.RequiresClientApproval,
		RequiresCabApproval:    gates.RequiresCabApproval,
		RequiresSecurityReview: gates.RequiresSecurityReview,
		AutoApprove:            gates.AutoApprove,
		Source:                 engine.DecisionSourceDefault,
	}, nil
}

// EvaluateGates runs the active default-gates module against an input.
func (e *Engine) EvaluateGates(ctx context.Context, input GateInput) (Gates, error) {
	e.mu.RLock()
	cm := e.gates
	e.mu.RUnlock()

	results, err := cm.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Gates{}, engine.NewInternalError("default gates evaluation failed", err).
			WithDetail("module", cm.module.Name)
	}

	var gates Gates
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return gates, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Gates{}, engine.NewInternalError(
			fmt.Sprintf("default gates returned %T, expected an object", results[0].Expressions[0].Value), nil)
	}

	gates.RequiresClientApproval = boolField(doc, "requires_client_approval")
	gates.RequiresCabApproval = boolField(doc, "requires_cab_approval")
	gates.RequiresSecurityReview = boolField(doc, "requires_security_review")
	gates.AutoApprove = boolField(doc, "auto_approve")
	return gates, nil
}

func boolField(doc map[string]interface{}, key string) bool {
	v, ok := doc[key].(bool)
	return ok && v
}

// SetDefaults compiles a default-gates module and swaps it in.
// On failure the previous module stays in force.
func (e *Engine) SetDefaults(ctx context.Context, module Module) error {
	cm, err := compileModule(ctx, module)
	if err != nil {
		e.logger.Error().Err(err).
			Str("module", module.Name).
			Msg("Failed to compile default gates")
		return err
	}
	cm.module.LoadedAt = e.now()

	e.mu.Lock()
	e.gates = cm
	e.mu.Unlock()

	e.logger.Info().
		Str("module", module.Name).
		Str("source", module.Source).
		Msg("Default gates loaded")

	return nil
}

// LoadDefaults replaces the default gates with the Rego file at path.
func (e *Engine) LoadDefaults(ctx context.Context, path string) error {
	module, err := readModule(path)
	if err != nil {
		return err
	}
	return e.SetDefaults(ctx, module)
}

// ResetDefaults restores the built-in default gates.
func (e *Engine) ResetDefaults(ctx context.Context) error {
	return e.SetDefaults(ctx, BuiltinGates())
}

// Defaults returns the active default-gates module.
func (e *Engine) Defaults() Module {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gates.module
}

// compileModule parses, checks the package and prepares the gates query.
func compileModule(ctx context.Context, module Module) (*compiledModule, error) {
	parsed, err := ast.ParseModule(module.Name, module.Rego)
	if err != nil {
		return nil, engine.NewValidationError("failed to parse gates module", err).
			WithDetail("module", module.Name)
	}
	if got := parsed.Package.Path.String(); got != GatesQuery {
		return nil, engine.NewValidationError(
			fmt.Sprintf("gates module must declare package %s, got %s", GatesPackage, got), nil).
			WithDetail("module", module.Name)
	}

	query, err := rego.New(
		rego.Module(module.Name, module.Rego),
		rego.Query(GatesQuery),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, engine.NewValidationError("failed to compile gates module", err).
			WithDetail("module", module.Name)
	}

	return &compiledModule{module: module, query: query}, nil
}

func readModule(path string) (Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Module{}, engine.NewValidationError("failed to read gates module", err).
			WithDetail("path", path)
	}
	return Module{
		Name:   path,
		Rego:   string(data),
		Source: path,
	}, nil
}
