// Package policy implements the PolicyEngine: an ordered, priority-based
// rule set evaluated against a per-request EvaluationContext. Grounded
// in the teacher's internal/negotiation.OfferFilter, which generalizes
// the same shape (ordered tiers, first match wins, default fallthrough)
// from region-matching offers to arbitrary dotted-field-path conditions.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jamie-anson/gazorpazorp/internal/apperrors"
	"github.com/jamie-anson/gazorpazorp/internal/kv"
	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
)

const auditLogCap = 100000

// Engine is the PolicyEngine component from spec §4.6.
type Engine struct {
	mu     sync.RWMutex
	rules  []gazmodels.PolicyRule
	kv     kv.Store
	logger zerolog.Logger
}

// New wires an Engine to the shared KV store (for the bounded audit
// log) and seeds it with the default ruleset spec §4.6 requires to ship.
func New(store kv.Store, logger zerolog.Logger) *Engine {
	return &Engine{
		rules:  DefaultRuleset(),
		kv:     store,
		logger: logger.With().Str("component", "policy").Logger(),
	}
}

// DefaultRuleset is the ruleset spec §4.6 mandates every deployment ship
// with, in no particular slice order (Evaluate sorts by priority).
func DefaultRuleset() []gazmodels.PolicyRule {
	return []gazmodels.PolicyRule{
		{
			ID: "block_high_risk", Name: "Block high risk", Priority: 1, Enabled: true,
			Conditions: []gazmodels.Condition{
				{Field: "analysis.riskScore", Operator: gazmodels.OpGt, Value: 90.0},
			},
			ActionSpec: gazmodels.PolicyAction{Type: gazmodels.ActionDeny},
		},
		{
			ID: "protect_admin", Name: "Protect admin endpoints", Priority: 5, Enabled: true,
			Conditions: []gazmodels.Condition{
				{Field: "request.path", Operator: gazmodels.OpMatches, Value: "^/api/admin"},
				{Field: "agent.permissions.sensitiveDataAccess", Operator: gazmodels.OpEq, Value: false},
			},
			ActionSpec: gazmodels.PolicyAction{Type: gazmodels.ActionDeny},
		},
		{
			ID: "rate_limit_untrusted", Name: "Rate limit untrusted agents", Priority: 10, Enabled: true,
			Conditions: []gazmodels.Condition{
				{Field: "agent.reputation", Operator: gazmodels.OpLt, Value: 30.0},
			},
			ActionSpec: gazmodels.PolicyAction{
				Type:   gazmodels.ActionRateLimit,
				Params: map[string]interface{}{"maxRequests": 10, "windowSeconds": 60},
			},
		},
		{
			ID: "challenge_suspicious", Name: "Challenge suspicious requests", Priority: 20, Enabled: true,
			Conditions: []gazmodels.Condition{
				{Field: "analysis.riskScore", Operator: gazmodels.OpGt, Value: 50.0},
				{Field: "analysis.riskScore", Operator: gazmodels.OpLt, Value: 90.0},
			},
			ActionSpec: gazmodels.PolicyAction{Type: gazmodels.ActionChallenge},
		},
	}
}

// SetRules replaces the active ruleset wholesale. The admin CLI's
// "rules validate" checks a ruleset file but does not apply it here.
func (e *Engine) SetRules(rules []gazmodels.PolicyRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// Rules returns a copy of the active ruleset.
func (e *Engine) Rules() []gazmodels.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]gazmodels.PolicyRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate runs the ordered ruleset against ctx and returns the first
// matching rule's decision, or the default allow if nothing matched.
func (e *Engine) Evaluate(ctx context.Context, evalCtx *gazmodels.EvaluationContext) (*gazmodels.Decision, error) {
	e.mu.RLock()
	rules := make([]gazmodels.PolicyRule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	data := buildEvalMap(evalCtx)

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if allConditionsMatch(rule.Conditions, data) {
			decision := &gazmodels.Decision{
				Action:   rule.ActionSpec.Type,
				PolicyID: rule.ID,
				Reason:   rule.Name,
				Params:   rule.ActionSpec.Params,
			}
			if err := e.appendAudit(ctx, decision); err != nil {
				e.logger.Warn().Err(err).Str("policy_id", rule.ID).Msg("failed to append policy audit entry")
			}
			return decision, nil
		}
	}

	return &gazmodels.Decision{Action: gazmodels.ActionAllow}, nil
}

func (e *Engine) appendAudit(ctx context.Context, decision *gazmodels.Decision) error {
	if e.kv == nil {
		return nil
	}
	raw, err := json.Marshal(decision)
	if err != nil {
		return apperrors.Wrap(err, apperrors.InternalError, "encode policy decision")
	}
	if err := e.kv.ListPush(ctx, "gazorpazorp:audit_log", raw, auditLogCap); err != nil {
		return apperrors.Wrap(err, apperrors.DatabaseError, "append policy audit log")
	}
	return nil
}

// buildEvalMap projects an EvaluationContext into the generic
// dot-addressable shape the default ruleset's field paths name
// ("agent.reputation", "request.path", "analysis.riskScore", ...),
// independent of the Go struct's own JSON tags.
func buildEvalMap(ctx *gazmodels.EvaluationContext) map[string]interface{} {
	data := map[string]interface{}{}

	if ctx.Agent != nil {
		data["agent"] = map[string]interface{}{
			"id":          ctx.Agent.ID,
			"fingerprint": ctx.Agent.Fingerprint,
			"reputation":  ctx.Agent.Reputation,
			"permissions": map[string]interface{}{
				"sensitiveDataAccess":  ctx.Agent.Permissions.SensitiveDataAccess,
				"maxRequestsPerMinute": ctx.Agent.Permissions.MaxRequestsPerMinute,
				"maxPayloadSize":       ctx.Agent.Permissions.MaxPayloadSize,
				"allowedEndpoints":     toInterfaceSlice(ctx.Agent.Permissions.AllowedEndpoints),
				"deniedEndpoints":      toInterfaceSlice(ctx.Agent.Permissions.DeniedEndpoints),
				"allowedMethods":       toInterfaceSlice(ctx.Agent.Permissions.AllowedMethods),
			},
		}
	}
	if ctx.SignedPayload != nil {
		data["request"] = map[string]interface{}{
			"method": ctx.SignedPayload.Method,
			"path":   ctx.SignedPayload.Path,
			"body":   ctx.SignedPayload.Body,
		}
	}
	if ctx.Analysis != nil {
		data["analysis"] = map[string]interface{}{
			"isMalicious":     ctx.Analysis.IsMalicious,
			"confidence":      ctx.Analysis.Confidence,
			"threatType":      string(ctx.Analysis.ThreatType),
			"riskScore":       ctx.Analysis.RiskScore,
			"suggestedAction": string(ctx.Analysis.SuggestedAction),
		}
	}
	data["clientIp"] = ctx.ClientIP
	return data
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func allConditionsMatch(conditions []gazmodels.Condition, data map[string]interface{}) bool {
	for _, c := range conditions {
		value, ok := fieldValue(data, c.Field)
		if !matchCondition(ok, value, c) {
			return false
		}
	}
	return true
}

func fieldValue(data map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func matchCondition(fieldPresent bool, value interface{}, c gazmodels.Condition) bool {
	switch c.Operator {
	case gazmodels.OpEq:
		return fieldPresent && valuesEqual(value, c.Value)
	case gazmodels.OpNeq:
		return !fieldPresent || !valuesEqual(value, c.Value)
	case gazmodels.OpGt:
		a, aok := toFloat64(value)
		b, bok := toFloat64(c.Value)
		return fieldPresent && aok && bok && a > b
	case gazmodels.OpLt:
		a, aok := toFloat64(value)
		b, bok := toFloat64(c.Value)
		return fieldPresent && aok && bok && a < b
	case gazmodels.OpContains:
		return fieldPresent && containsOp(value, c.Value)
	case gazmodels.OpMatches:
		s, ok := value.(string)
		pattern, pok := c.Value.(string)
		if !fieldPresent || !ok || !pok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case gazmodels.OpIn:
		list, ok := c.Value.([]interface{})
		if !ok || !fieldPresent {
			return false
		}
		for _, item := range list {
			if valuesEqual(value, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func valuesEqual(a, b interface{}) bool {
	if af, aok := toFloat64(a); aok {
		if bf, bok := toFloat64(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func containsOp(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []interface{}:
		for _, item := range h {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
