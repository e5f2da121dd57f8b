package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bequest-labs/bequest/pkg/plan"
)

func gateParams() plan.Params {
	return plan.Params{
		Executor:          "executor-svc",
		Beneficiaries:     []plan.Identity{"bob", "carol"},
		SharesBps:         []uint32{6000, 4000},
		Guardians:         []plan.Identity{"g1", "g2", "g3"},
		Threshold:         2,
		HeartbeatInterval: 86400,
	}
}

func TestGateAdmitsWhenAllRulesPass(t *testing.T) {
	gate, err := NewCreationGate([]Rule{
		{Name: "min-guardians", Expr: "input.guardian_count >= 2"},
		{Name: "daily-heartbeat-floor", Expr: "input.heartbeat_interval >= 3600"},
		{Name: "executor-present", Expr: `input.executor != ""`},
	})
	require.NoError(t, err)

	require.NoError(t, gate.CheckCreate(context.Background(), gateParams()))
}

func TestGateRejectsFailingRule(t *testing.T) {
	gate, err := NewCreationGate([]Rule{
		{Name: "min-guardians", Expr: "input.guardian_count >= 5"},
	})
	require.NoError(t, err)

	err = gate.CheckCreate(context.Background(), gateParams())
	require.ErrorIs(t, err, ErrRejected)
	require.True(t, strings.Contains(err.Error(), "min-guardians"), "rejection should name the rule: %v", err)
}

func TestGateFailsClosedOnEvalError(t *testing.T) {
	gate, err := NewCreationGate([]Rule{
		{Name: "phantom-field", Expr: "input.no_such_field > 0"},
	})
	require.NoError(t, err)

	err = gate.CheckCreate(context.Background(), gateParams())
	require.ErrorIs(t, err, ErrRejected)
}

func TestGateRejectsNonBooleanRule(t *testing.T) {
	gate, err := NewCreationGate([]Rule{
		{Name: "not-a-predicate", Expr: "input.threshold"},
	})
	require.NoError(t, err)

	err = gate.CheckCreate(context.Background(), gateParams())
	require.ErrorIs(t, err, ErrRejected)
}

func TestNewCreationGateRejectsBadExpression(t *testing.T) {
	_, err := NewCreationGate([]Rule{
		{Name: "broken", Expr: "input.threshold >"},
	})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrRejected), "compile failures are configuration errors, not rejections")
}

func TestNewCreationGateRequiresNameAndExpr(t *testing.T) {
	_, err := NewCreationGate([]Rule{{Expr: "true"}})
	require.Error(t, err)

	_, err = NewCreationGate([]Rule{{Name: "unnamed"}})
	require.Error(t, err)
}

func TestGateInputVocabulary(t *testing.T) {
	gate, err := NewCreationGate([]Rule{
		{Name: "full-shape", Expr: "input.guardian_count == 3 && input.threshold == 2 && " +
			`input.beneficiary_count == 2 && input.executor == "executor-svc" && ` +
			`input.heartbeat_interval == 86400 && input.metadata_uri == ""`},
	})
	require.NoError(t, err)

	require.NoError(t, gate.CheckCreate(context.Background(), gateParams()))

	p := gateParams()
	p.Threshold = 3
	require.ErrorIs(t, gate.CheckCreate(context.Background(), p), ErrRejected)
}

func TestEmptyGateAdmitsEverything(t *testing.T) {
	gate, err := NewCreationGate(nil)
	require.NoError(t, err)
	require.NoError(t, gate.CheckCreate(context.Background(), gateParams()))
}
