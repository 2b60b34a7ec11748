package policy

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jamie-anson/gazorpazorp/internal/kv"
	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(kv.NewRedisStore(client), zerolog.Nop())
}

func baseEvalContext() *gazmodels.EvaluationContext {
	return &gazmodels.EvaluationContext{
		Agent: &gazmodels.AgentIdentity{
			ID:          "agent_1",
			Reputation:  70,
			Permissions: gazmodels.DefaultPermissions(),
		},
		SignedPayload: &gazmodels.SignedRequest{Method: "GET", Path: "/api/users"},
		Analysis:      &gazmodels.AnalysisResult{RiskScore: 10},
	}
}

func TestEvaluate_DefaultAllowWhenNoRuleMatches(t *testing.T) {
	e := newTestEngine(t)
	decision, err := e.Evaluate(context.Background(), baseEvalContext())
	require.NoError(t, err)
	require.Equal(t, gazmodels.ActionAllow, decision.Action)
	require.Empty(t, decision.PolicyID)
}

func TestEvaluate_BlockHighRisk(t *testing.T) {
	e := newTestEngine(t)
	ec := baseEvalContext()
	ec.Analysis.RiskScore = 95
	decision, err := e.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	require.Equal(t, gazmodels.ActionDeny, decision.Action)
	require.Equal(t, "block_high_risk", decision.PolicyID)
}

func TestEvaluate_ProtectAdminBlocksUnprivilegedAgent(t *testing.T) {
	e := newTestEngine(t)
	ec := baseEvalContext()
	ec.SignedPayload.Path = "/api/admin/export"
	ec.Agent.Permissions.SensitiveDataAccess = false
	decision, err := e.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	require.Equal(t, gazmodels.ActionDeny, decision.Action)
	require.Equal(t, "protect_admin", decision.PolicyID)
}

func TestEvaluate_ProtectAdminAllowsPrivilegedAgent(t *testing.T) {
	e := newTestEngine(t)
	ec := baseEvalContext()
	ec.SignedPayload.Path = "/api/admin/export"
	ec.Agent.Permissions.SensitiveDataAccess = true
	decision, err := e.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	require.Equal(t, gazmodels.ActionAllow, decision.Action)
}

func TestEvaluate_RateLimitsUntrustedAgent(t *testing.T) {
	e := newTestEngine(t)
	ec := baseEvalContext()
	ec.Agent.Reputation = 15
	decision, err := e.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	require.Equal(t, gazmodels.ActionRateLimit, decision.Action)
	require.Equal(t, "rate_limit_untrusted", decision.PolicyID)
	require.Equal(t, 10, decision.Params["maxRequests"])
	require.Equal(t, 60, decision.Params["windowSeconds"])
}

func TestEvaluate_ChallengesMidRangeRisk(t *testing.T) {
	e := newTestEngine(t)
	ec := baseEvalContext()
	ec.Analysis.RiskScore = 75
	decision, err := e.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	require.Equal(t, gazmodels.ActionChallenge, decision.Action)
	require.Equal(t, "challenge_suspicious", decision.PolicyID)
}

func TestEvaluate_PriorityOrderBlockBeforeChallenge(t *testing.T) {
	e := newTestEngine(t)
	rules := DefaultRuleset()
	for i := range rules {
		if rules[i].ID == "challenge_suspicious" {
			rules[i].Conditions[1].Value = 100.0 // widen the band to (50,100)
		}
	}
	e.SetRules(rules)
	ec := baseEvalContext()
	ec.Analysis.RiskScore = 95 // matches both block_high_risk (>90) and the widened challenge band, block wins on priority
	decision, err := e.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	require.Equal(t, "block_high_risk", decision.PolicyID)
}

func TestEvaluate_DisabledRuleIsSkipped(t *testing.T) {
	e := newTestEngine(t)
	rules := DefaultRuleset()
	for i := range rules {
		if rules[i].ID == "block_high_risk" {
			rules[i].Enabled = false
		}
	}
	e.SetRules(rules)

	ec := baseEvalContext()
	ec.Analysis.RiskScore = 95
	decision, err := e.Evaluate(context.Background(), ec)
	require.NoError(t, err)
	require.NotEqual(t, "block_high_risk", decision.PolicyID)
}

func TestEvaluate_MatchedDecisionIsAppendedToAuditLog(t *testing.T) {
	e := newTestEngine(t)
	ec := baseEvalContext()
	ec.Analysis.RiskScore = 95
	_, err := e.Evaluate(context.Background(), ec)
	require.NoError(t, err)

	entries, err := e.kv.ListRange(context.Background(), "gazorpazorp:audit_log", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestMatchCondition_OperatorsCoverage(t *testing.T) {
	data := map[string]interface{}{
		"tags": []interface{}{"a", "b", "c"},
		"name": "hello world",
		"n":    float64(5),
	}

	require.True(t, matchCondition(true, data["n"], gazmodels.Condition{Operator: gazmodels.OpEq, Value: 5.0}))
	require.True(t, matchCondition(true, data["n"], gazmodels.Condition{Operator: gazmodels.OpNeq, Value: 6.0}))
	require.True(t, matchCondition(true, data["n"], gazmodels.Condition{Operator: gazmodels.OpGt, Value: 1.0}))
	require.True(t, matchCondition(true, data["n"], gazmodels.Condition{Operator: gazmodels.OpLt, Value: 10.0}))
	require.True(t, matchCondition(true, data["name"], gazmodels.Condition{Operator: gazmodels.OpContains, Value: "world"}))
	require.True(t, matchCondition(true, data["name"], gazmodels.Condition{Operator: gazmodels.OpMatches, Value: "^hello"}))
	require.True(t, matchCondition(true, data["tags"], gazmodels.Condition{Operator: gazmodels.OpContains, Value: "b"}))
	require.True(t, matchCondition(true, "b", gazmodels.Condition{Operator: gazmodels.OpIn, Value: []interface{}{"a", "b"}}))
	require.False(t, matchCondition(false, nil, gazmodels.Condition{Operator: gazmodels.OpEq, Value: "x"}))
}
