package gazmodels

import "time"

// AgentProfile is the behavioral baseline the AnomalyDetector maintains
// per agent, one profile per agent id.
type AgentProfile struct {
	AgentID             string         `json:"agent_id"`
	TypicalActiveHours  map[int]bool   `json:"typical_active_hours"` // key: 0..23
	CommonPaths         map[string]int `json:"common_paths"`
	RequestMethods      map[string]int `json:"request_methods"`
	AvgPayloadSize      float64        `json:"avg_payload_size"`
	StdPayloadSize      float64        `json:"std_payload_size"`
	// WelfordM2 is Welford's running sum-of-squared-deviations, carried
	// alongside AvgPayloadSize/count to keep StdPayloadSize exact without
	// replaying history (see spec Design Note on the un-specified std).
	WelfordM2           float64        `json:"welford_m2"`
	SampleCount         int64          `json:"sample_count"`
	AvgRequestsPerHour  float64        `json:"avg_requests_per_hour"`
	AvgTimeBetweenReqs  time.Duration  `json:"avg_time_between_requests"`
	LastRequestAt       time.Time      `json:"last_request_at"`
	LastUpdated         time.Time      `json:"last_updated"`
}

// NewAgentProfile returns a zeroed profile ready for UpdateProfile.
func NewAgentProfile(agentID string) *AgentProfile {
	return &AgentProfile{
		AgentID:            agentID,
		TypicalActiveHours: make(map[int]bool),
		CommonPaths:        make(map[string]int),
		RequestMethods:     make(map[string]int),
	}
}

// AnomalySignal is one fired detector rule with its contribution to the
// overall anomaly score.
type AnomalySignal struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// AnomalyResult is returned by AnomalyDetector.DetectAnomaly.
type AnomalyResult struct {
	IsAnomalous bool     `json:"is_anomalous"`
	Score       float64  `json:"score"` // [0,1]
	Reasons     []string `json:"reasons"`
}
