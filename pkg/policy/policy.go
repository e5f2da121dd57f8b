// Package policy evaluates deployment-configured CEL rules against
// plan creation parameters. Core validation decides whether params are
// well-formed; the gate decides whether this deployment accepts them,
// such as floors on heartbeat intervals or guardian counts.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/bequest-labs/bequest/pkg/plan"
)

// ErrRejected is returned when a creation request fails a policy rule.
// Evaluation errors also reject: the gate fails closed.
var ErrRejected = errors.New("policy: creation rejected")

// Rule is a named CEL expression over the creation input. It must
// evaluate to a boolean; false rejects the creation.
//
// The input variable exposes:
//
//	input.executor           string
//	input.beneficiary_count  int
//	input.guardian_count     int
//	input.threshold          int
//	input.heartbeat_interval int (seconds)
//	input.metadata_uri       string
type Rule struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

type compiledRule struct {
	name string
	prg  cel.Program
}

// CreationGate holds compiled rules. It satisfies the store's creation
// gate interface.
type CreationGate struct {
	rules []compiledRule
}

// NewCreationGate compiles the rules. A bad expression fails here, at
// startup, rather than on every create.
func NewCreationGate(rules []Rule) (*CreationGate, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: creating CEL environment: %w", err)
	}

	g := &CreationGate{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r.Name == "" || r.Expr == "" {
			return nil, fmt.Errorf("policy: rule needs both name and expr")
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: compiling rule %q: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("policy: building rule %q: %w", r.Name, err)
		}
		g.rules = append(g.rules, compiledRule{name: r.Name, prg: prg})
	}
	return g, nil
}

// CheckCreate evaluates every rule against the creation params. The
// first rule that is false, errors, or yields a non-boolean rejects
// the creation, naming the rule.
func (g *CreationGate) CheckCreate(ctx context.Context, params plan.Params) error {
	input := map[string]any{
		"executor":           string(params.Executor),
		"beneficiary_count":  int64(len(params.Beneficiaries)),
		"guardian_count":     int64(len(params.Guardians)),
		"threshold":          int64(params.Threshold),
		"heartbeat_interval": params.HeartbeatInterval,
		"metadata_uri":       params.MetadataURI,
	}

	for _, r := range g.rules {
		out, _, err := r.prg.ContextEval(ctx, map[string]any{"input": input})
		if err != nil {
			return fmt.Errorf("%w: rule %q: %v", ErrRejected, r.name, err)
		}
		verdict, ok := out.Value().(bool)
		if !ok {
			return fmt.Errorf("%w: rule %q did not yield a boolean", ErrRejected, r.name)
		}
		if !verdict {
			return fmt.Errorf("%w: rule %q", ErrRejected, r.name)
		}
	}
	return nil
}
