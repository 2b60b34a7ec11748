// Package telemetry is the gateway's Prometheus metrics facade: a set
// of package-level vectors registered once at init, plus a gin
// middleware that records latency/outcome for every proxied request.
// Grounded in the teacher's internal/metrics package (same
// vars-plus-RegisterAll-plus-GinMiddleware shape), re-pointed from job
// queue/runner metrics to gateway pipeline stages.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gazorpazorp_requests_total", Help: "Total proxied requests by final decision."},
		[]string{"decision", "status"},
	)

	RequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gazorpazorp_request_duration_seconds",
			Help:    "End-to-end pipeline latency per request.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"decision"},
	)

	SignatureVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gazorpazorp_signature_verifications_total", Help: "Signature verification outcomes."},
		[]string{"result"},
	)

	ReplayRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "gazorpazorp_replay_rejections_total", Help: "Requests rejected for nonce replay."},
	)

	AnalysisCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "gazorpazorp_analysis_cache_hits_total", Help: "IntentAnalyzer cache hits."},
	)
	AnalysisCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "gazorpazorp_analysis_cache_misses_total", Help: "IntentAnalyzer cache misses."},
	)

	LLMCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gazorpazorp_llm_call_duration_seconds",
			Help:    "Latency of LLM completion calls by model tier.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	LLMFailSafeTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "gazorpazorp_llm_failsafe_total", Help: "Times the IntentAnalyzer fell back to the fail-safe ladder."},
	)

	AnomalyScoreObserved = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gazorpazorp_anomaly_score",
			Help:    "Distribution of AnomalyDetector scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gazorpazorp_policy_decisions_total", Help: "PolicyEngine decisions by rule id and action."},
		[]string{"policy_id", "action"},
	)

	ChallengesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gazorpazorp_challenges_issued_total", Help: "Challenges issued by type."},
		[]string{"type"},
	)
	ChallengesVerifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gazorpazorp_challenges_verified_total", Help: "Challenge verification outcomes."},
		[]string{"result"},
	)

	ReputationGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "gazorpazorp_agent_reputation", Help: "Current reputation score per agent."},
		[]string{"agent_id"},
	)
)

func init() { RegisterAll() }

// RegisterAll registers every metric on the default Prometheus
// registry. Tests that swap in a fresh registry should call this again.
func RegisterAll() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDurationSeconds,
		SignatureVerificationsTotal,
		ReplayRejectionsTotal,
		AnalysisCacheHitsTotal,
		AnalysisCacheMissesTotal,
		LLMCallDurationSeconds,
		LLMFailSafeTotal,
		AnomalyScoreObserved,
		PolicyDecisionsTotal,
		ChallengesIssuedTotal,
		ChallengesVerifiedTotal,
		ReputationGauge,
	)
}

// GinMiddleware records total requests and latency by final decision,
// which the pipeline stores on the gin context under "decision".
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		decision, ok := c.Get("decision")
		decisionStr := "unknown"
		if ok {
			if s, ok := decision.(string); ok {
				decisionStr = s
			}
		}

		RequestsTotal.WithLabelValues(decisionStr, strconv.Itoa(c.Writer.Status())).Inc()
		RequestDurationSeconds.WithLabelValues(decisionStr).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the /metrics scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }
