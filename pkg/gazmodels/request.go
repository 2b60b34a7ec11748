package gazmodels

import "time"

// SignedRequest is the payload an agent signs. The signature covers the
// canonical serialization of every field here; changing any field
// invalidates it.
type SignedRequest struct {
	Method    string      `json:"method"`
	Path      string      `json:"path"`
	Body      interface{} `json:"body"`
	Timestamp int64       `json:"timestamp"` // ms since epoch
	Nonce     string      `json:"nonce"`     // hex, >=128 bits of entropy
}

// ThreatType is the closed set of semantic threat classifications an
// analysis may report.
type ThreatType string

const (
	ThreatPromptInjection     ThreatType = "prompt_injection"
	ThreatJailbreakAttempt    ThreatType = "jailbreak_attempt"
	ThreatDataExfiltration    ThreatType = "data_exfiltration"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatDenialOfService     ThreatType = "denial_of_service"
	ThreatSQLInjection        ThreatType = "sql_injection"
	ThreatCommandInjection    ThreatType = "command_injection"
	ThreatSocialEngineering   ThreatType = "social_engineering"
	ThreatNone                ThreatType = "none"
)

// Action is a policy/analysis disposition.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionBlock      Action = "block"
	ActionDeny       Action = "deny" // PolicyEngine's terminal equivalent of block
	ActionChallenge  Action = "challenge"
	ActionRateLimit  Action = "rate_limit"
)

// AnalysisResult is the semantic verdict produced by the IntentAnalyzer.
type AnalysisResult struct {
	IsMalicious     bool       `json:"is_malicious"`
	Confidence      float64    `json:"confidence"` // [0,1]
	ThreatType      ThreatType `json:"threat_type,omitempty"`
	Explanation     string     `json:"explanation"`
	SuggestedAction Action     `json:"suggested_action"`
	RiskScore       float64    `json:"risk_score"` // [0,100]
}

// ClampRisk returns risk clamped to [0,100].
func ClampRisk(risk float64) float64 {
	if risk < 0 {
		return 0
	}
	if risk > 100 {
		return 100
	}
	return risk
}

// ClampConfidence returns confidence clamped to [0,1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Decision is populated by the PolicyEngine and acted on by the Pipeline.
type Decision struct {
	Action   Action                 `json:"action"`
	PolicyID string                 `json:"policy_id,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// EvaluationContext is the per-request record threaded through pipeline
// stages. It is never shared across requests.
type EvaluationContext struct {
	Agent         *AgentIdentity  `json:"agent"`
	SignedPayload *SignedRequest  `json:"signed_payload"`
	Analysis      *AnalysisResult `json:"analysis,omitempty"`
	Decision      *Decision       `json:"decision,omitempty"`

	// ClientIP and ReceivedAt are request metadata used by the anomaly
	// detector and rate limiter; they are not part of the signed payload.
	ClientIP   string    `json:"client_ip,omitempty"`
	ReceivedAt time.Time `json:"received_at"`

	// ChallengeShortCircuit is set when a completed X-Challenge-Id was
	// presented; it clamps the eventual risk score per spec §4.7.
	ChallengeShortCircuit bool `json:"challenge_short_circuit,omitempty"`
}
