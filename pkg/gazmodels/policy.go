package gazmodels

// ConditionOperator is the closed set of comparisons a PolicyRule
// condition may use against a dotted EvaluationContext field path.
type ConditionOperator string

const (
	OpEq       ConditionOperator = "eq"
	OpNeq      ConditionOperator = "neq"
	OpGt       ConditionOperator = "gt"
	OpLt       ConditionOperator = "lt"
	OpContains ConditionOperator = "contains"
	OpMatches  ConditionOperator = "matches"
	OpIn       ConditionOperator = "in"
)

// Condition is one leaf test in a PolicyRule; all conditions in a rule
// must match for the rule to fire.
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    interface{}       `json:"value"`
}

// PolicyAction is the action a matched rule produces.
type PolicyAction struct {
	Type   Action                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// PolicyRule is one entry in the PolicyEngine's ordered rule set.
// Priority is ascending: priority 1 is evaluated, and wins, before
// priority 20.
type PolicyRule struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Priority   int           `json:"priority"`
	Conditions []Condition   `json:"conditions"`
	ActionSpec PolicyAction  `json:"action"`
	Enabled    bool          `json:"enabled"`
}

// ChallengeType is the closed set of escalation mechanisms the
// ChallengeService can issue.
type ChallengeType string

const (
	ChallengeProofOfWork       ChallengeType = "proof_of_work"
	ChallengeSignatureRefresh  ChallengeType = "signature_refresh"
	ChallengeRateDelay         ChallengeType = "rate_delay"
)

// Challenge is a short-lived work item an agent must solve before the
// gateway forwards its (re-submitted) request.
type Challenge struct {
	ID         string        `json:"id"`
	AgentID    string        `json:"agent_id"`
	Type       ChallengeType `json:"type"`
	CreatedAt  int64         `json:"created_at"` // unix ms
	ExpiresAt  int64         `json:"expires_at"` // unix ms
	Difficulty int           `json:"difficulty,omitempty"`
	Nonce      string        `json:"nonce,omitempty"`
	Completed  bool          `json:"completed"`
}
