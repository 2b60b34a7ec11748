// Package pipeline wires the gateway's nine components into the
// request path spec §4.8 describes: extract the signed-request
// headers, verify the signature, classify intent, fold in behavioral
// anomaly, evaluate policy, then act on the decision. Grounded in the
// teacher's internal/recovery middleware shape (PanicRecoveryMiddleware,
// TimeoutMiddleware, ErrorHandlingMiddleware) generalized from a
// generic error-to-status mapper into this specific multi-stage
// security pipeline, and in internal/metrics' GinMiddleware idiom for
// recording outcomes.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jamie-anson/gazorpazorp/internal/anomaly"
	"github.com/jamie-anson/gazorpazorp/internal/apperrors"
	"github.com/jamie-anson/gazorpazorp/internal/challenge"
	"github.com/jamie-anson/gazorpazorp/internal/cryptoverify"
	"github.com/jamie-anson/gazorpazorp/internal/identity"
	"github.com/jamie-anson/gazorpazorp/internal/intent"
	"github.com/jamie-anson/gazorpazorp/internal/kv"
	"github.com/jamie-anson/gazorpazorp/internal/policy"
	"github.com/jamie-anson/gazorpazorp/internal/telemetry"
	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
)

const (
	securityEventsList = "gazorpazorp:security_events"
	threatsChannel     = "gazorpazorp:threats"
	anomalyRiskWeight  = 20.0
)

var tracer trace.Tracer = otel.Tracer("github.com/jamie-anson/gazorpazorp/internal/pipeline")

// Pipeline is the orchestrator component from spec §4.8, composing
// every other component into a single gin.HandlerFunc.
type Pipeline struct {
	kv         kv.Store
	identities *identity.Store
	verifier   *cryptoverify.Verifier
	intent     *intent.Analyzer
	anomaly    *anomaly.Detector
	policy     *policy.Engine
	challenges *challenge.Service
	upstream   *httputil.ReverseProxy
	verifyURL  string
	logger     zerolog.Logger
}

// Config gathers the dependencies New wires together.
type Config struct {
	KV          kv.Store
	Identities  *identity.Store
	Verifier    *cryptoverify.Verifier
	Intent      *intent.Analyzer
	Anomaly     *anomaly.Detector
	Policy      *policy.Engine
	Challenges  *challenge.Service
	UpstreamURL string
	VerifyURL   string
	Logger      zerolog.Logger
}

// New builds a Pipeline. upstreamURL is the protected origin allowed
// requests are forwarded to.
func New(cfg Config) (*Pipeline, error) {
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ValidationError, "parse upstream url")
	}
	return &Pipeline{
		kv:         cfg.KV,
		identities: cfg.Identities,
		verifier:   cfg.Verifier,
		intent:     cfg.Intent,
		anomaly:    cfg.Anomaly,
		policy:     cfg.Policy,
		challenges: cfg.Challenges,
		upstream:   httputil.NewSingleHostReverseProxy(target),
		verifyURL:  cfg.VerifyURL,
		logger:     cfg.Logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// RegisterRoutes mounts the proxy catch-all and the challenge
// verification endpoint on router.
func (p *Pipeline) RegisterRoutes(router *gin.Engine) {
	router.Use(telemetry.GinMiddleware())
	router.POST("/api/challenge/verify", p.handleChallengeVerify)
	router.NoRoute(p.handleProxy)
}

// handleProxy implements the full §4.8 control flow.
func (p *Pipeline) handleProxy(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "pipeline.handleProxy")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	signatureHex := c.GetHeader("X-Agent-Signature")
	publicKeyEncoded := c.GetHeader("X-Agent-Pubkey")
	signedPayloadB64 := c.GetHeader("X-Signed-Payload")
	challengeID := c.GetHeader("X-Challenge-Id")

	if signatureHex == "" || publicKeyEncoded == "" || signedPayloadB64 == "" {
		c.Set("decision", "missing_auth")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing required authentication headers"})
		c.Abort()
		return
	}

	rawPayload, err := base64.StdEncoding.DecodeString(signedPayloadB64)
	if err != nil {
		c.Set("decision", "malformed_auth")
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Signed-Payload is not valid base64"})
		c.Abort()
		return
	}

	verifyCtx, verifySpan := tracer.Start(ctx, "pipeline.verify")
	agent, signed, err := p.verifier.Verify(verifyCtx, rawPayload, signatureHex, publicKeyEncoded)
	verifySpan.End()
	if err != nil {
		p.recordSecurityEvent(ctx, "signature_verification_failed", "", err)
		telemetry.SignatureVerificationsTotal.WithLabelValues("failure").Inc()
		c.Set("decision", "crypto_block")
		status := apperrors.HTTPStatus(apperrors.GetType(err))
		c.JSON(status, gin.H{"error": "signature verification failed"})
		c.Abort()
		return
	}
	telemetry.SignatureVerificationsTotal.WithLabelValues("success").Inc()
	telemetry.ReputationGauge.WithLabelValues(agent.ID).Set(agent.Reputation)

	shortCircuit := false
	if challengeID != "" {
		fresh, err := p.challenges.IsCompletedAndFresh(ctx, challengeID)
		if err == nil && fresh {
			shortCircuit = true
		}
	}

	bodyStr := bodyToString(signed.Body)
	intentCtx, intentSpan := tracer.Start(ctx, "pipeline.intent_analyze")
	analysis, err := p.intent.Analyze(intentCtx, signed.Method, signed.Path, bodyStr, intent.AgentContext{Reputation: agent.Reputation})
	intentSpan.End()
	if err != nil {
		c.Set("decision", "internal_error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis failed"})
		c.Abort()
		return
	}

	anomalyCtx, anomalySpan := tracer.Start(ctx, "pipeline.anomaly_detect")
	sample := anomaly.RequestSample{Timestamp: time.Now().UTC(), Path: signed.Path, Method: signed.Method, PayloadSize: int64(len(bodyStr))}
	anomalyResult, err := p.anomaly.DetectAnomaly(anomalyCtx, agent.ID, sample)
	if err != nil {
		p.logger.Warn().Err(err).Msg("anomaly detection failed, proceeding without it")
		anomalyResult = &gazmodels.AnomalyResult{}
	}
	if err := p.anomaly.UpdateProfile(anomalyCtx, agent.ID, sample); err != nil {
		p.logger.Warn().Err(err).Msg("failed to update anomaly profile")
	}
	anomalySpan.End()
	telemetry.AnomalyScoreObserved.Observe(anomalyResult.Score)

	analysis.RiskScore = math.Min(analysis.RiskScore+anomalyRiskWeight*anomalyResult.Score, 100)

	if shortCircuit {
		analysis.RiskScore = math.Min(analysis.RiskScore, challenge.ShortCircuitRisk)
	}

	evalCtx := &gazmodels.EvaluationContext{
		Agent:                 agent,
		SignedPayload:         signed,
		Analysis:              analysis,
		ClientIP:              c.ClientIP(),
		ReceivedAt:            time.Now().UTC(),
		ChallengeShortCircuit: shortCircuit,
	}

	policyCtx, policySpan := tracer.Start(ctx, "pipeline.policy_evaluate")
	decision, err := p.policy.Evaluate(policyCtx, evalCtx)
	policySpan.End()
	if err != nil {
		c.Set("decision", "internal_error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "policy evaluation failed"})
		c.Abort()
		return
	}
	if decision.PolicyID != "" {
		telemetry.PolicyDecisionsTotal.WithLabelValues(decision.PolicyID, string(decision.Action)).Inc()
	}

	actCtx, actSpan := tracer.Start(ctx, "pipeline.act")
	c.Request = c.Request.WithContext(actCtx)
	p.act(c, agent, analysis, decision)
	actSpan.End()
}

func (p *Pipeline) act(c *gin.Context, agent *gazmodels.AgentIdentity, analysis *gazmodels.AnalysisResult, decision *gazmodels.Decision) {
	ctx := c.Request.Context()

	switch decision.Action {
	case gazmodels.ActionAllow:
		c.Set("decision", "allow")
		c.Request.Header.Set("X-Verified-Agent-Id", agent.ID)
		c.Request.Header.Set("X-Risk-Score", strconv.FormatFloat(analysis.RiskScore, 'f', 2, 64))
		c.Request.Header.Set("X-Verified", "true")
		p.upstream.ServeHTTP(c.Writer, c.Request)

	case gazmodels.ActionDeny:
		c.Set("decision", "deny")
		p.recordSecurityEvent(ctx, "policy_deny", agent.ID, nil)
		p.publishThreat(ctx, agent.ID, decision)
		c.JSON(http.StatusForbidden, gin.H{"reason": decision.Reason, "policyId": decision.PolicyID})

	case gazmodels.ActionRateLimit:
		p.handleRateLimit(c, agent, decision)

	case gazmodels.ActionChallenge:
		p.handleChallenge(c, agent, analysis)

	default:
		c.Set("decision", "deny")
		c.JSON(http.StatusForbidden, gin.H{"reason": "unrecognized policy action"})
	}
}

func (p *Pipeline) handleRateLimit(c *gin.Context, agent *gazmodels.AgentIdentity, decision *gazmodels.Decision) {
	ctx := c.Request.Context()
	maxRequests := 60
	windowSeconds := 60
	if v, ok := decision.Params["maxRequests"]; ok {
		if n, ok := toInt(v); ok {
			maxRequests = n
		}
	}
	if v, ok := decision.Params["windowSeconds"]; ok {
		if n, ok := toInt(v); ok {
			windowSeconds = n
		}
	}
	window := time.Duration(windowSeconds) * time.Second

	count, err := p.kv.Incr(ctx, "ratelimit:"+agent.ID, window)
	if err != nil {
		c.Set("decision", "internal_error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limit check failed"})
		return
	}
	if int(count) > maxRequests {
		c.Set("decision", "rate_limited")
		c.JSON(http.StatusTooManyRequests, gin.H{
			"retryAfter": windowSeconds,
			"remaining":  0,
		})
		return
	}

	c.Set("decision", "allow")
	c.Request.Header.Set("X-Verified-Agent-Id", agent.ID)
	c.Request.Header.Set("X-Risk-Score", "0")
	c.Request.Header.Set("X-Verified", "true")
	p.upstream.ServeHTTP(c.Writer, c.Request)
}

func (p *Pipeline) handleChallenge(c *gin.Context, agent *gazmodels.AgentIdentity, analysis *gazmodels.AnalysisResult) {
	ctx := c.Request.Context()
	ch, err := p.challenges.Issue(ctx, agent.ID, analysis.RiskScore)
	if err != nil {
		if errors.Is(err, challenge.ErrTooManyPending) {
			c.Set("decision", "too_many_challenges")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many pending challenges"})
			return
		}
		c.Set("decision", "internal_error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue challenge"})
		return
	}

	telemetry.ChallengesIssuedTotal.WithLabelValues(string(ch.Type)).Inc()
	p.recordSecurityEvent(ctx, "challenge_issued", agent.ID, nil)
	p.publishThreat(ctx, agent.ID, &gazmodels.Decision{Action: gazmodels.ActionChallenge, Reason: "semantic risk requires escalation"})

	c.Set("decision", "challenge")
	c.JSON(http.StatusUnauthorized, gin.H{
		"status":    "challenge_required",
		"challenge": ch,
		"verifyUrl": p.verifyURL,
	})
}

type verifyRequest struct {
	ChallengeID string `json:"challengeId"`
	Solution    string `json:"solution"`
}

func (p *Pipeline) handleChallengeVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "failed", "error": "malformed request body"})
		return
	}

	result, err := p.challenges.Verify(c.Request.Context(), req.ChallengeID, req.Solution)
	if err != nil {
		telemetry.ChallengesVerifiedTotal.WithLabelValues("not_found").Inc()
		if errors.Is(err, challenge.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"status": "failed", "error": "challenge not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"status": "failed", "error": "verification failed"})
		return
	}

	if !result.Verified {
		telemetry.ChallengesVerifiedTotal.WithLabelValues("failed").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "failed", "error": result.Error})
		return
	}

	telemetry.ChallengesVerifiedTotal.WithLabelValues("verified").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "verified"})
}

type securityEvent struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// recordSecurityEvent appends a bounded audit record to the
// gazorpazorp:security_events list so operators can replay what the
// gateway blocked or escalated and why.
func (p *Pipeline) recordSecurityEvent(ctx context.Context, eventType, agentID string, cause error) {
	evt := securityEvent{Type: eventType, AgentID: agentID, Timestamp: time.Now().UTC()}
	if cause != nil {
		evt.Cause = cause.Error()
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to encode security event")
		return
	}
	if err := p.kv.ListPush(ctx, securityEventsList, raw, 10000); err != nil {
		p.logger.Warn().Err(err).Msg("failed to record security event")
	}
}

// publishThreat notifies subscribers of the gazorpazorp:threats channel
// about a deny or challenge decision in real time.
func (p *Pipeline) publishThreat(ctx context.Context, agentID string, decision *gazmodels.Decision) {
	raw, err := json.Marshal(struct {
		AgentID   string             `json:"agent_id"`
		Decision  *gazmodels.Decision `json:"decision"`
		Timestamp time.Time          `json:"timestamp"`
	}{AgentID: agentID, Decision: decision, Timestamp: time.Now().UTC()})
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to encode threat notification")
		return
	}
	if err := p.kv.Publish(ctx, threatsChannel, raw); err != nil {
		p.logger.Warn().Err(err).Msg("failed to publish threat notification")
	}
}

func bodyToString(body interface{}) string {
	if s, ok := body.(string); ok {
		return s
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return string(raw)
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
