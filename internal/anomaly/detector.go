// Package anomaly implements the AnomalyDetector: a per-agent behavioral
// baseline (active hours, path/method frequency, payload-size
// statistics) and a scoring function that flags requests drifting from
// it. Grounded in the teacher's internal/security rate-window idiom
// (a capped Redis counter keyed per agent) generalized from a hard rate
// limit into a soft "how far from normal" signal, and in Welford's
// algorithm for the running payload-size variance gazmodels.AgentProfile
// already carries a WelfordM2 field for.
package anomaly

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/jamie-anson/gazorpazorp/internal/apperrors"
	"github.com/jamie-anson/gazorpazorp/internal/kv"
	"github.com/jamie-anson/gazorpazorp/pkg/gazmodels"
)

const (
	profileTTL     = 30 * 24 * time.Hour
	rateWindow     = 5 * time.Minute
	rareThreshold  = 0.05
	rareMethodPct  = 0.10
	outlierZScore  = 3.0
)

func profileKey(agentID string) string  { return "profile:" + agentID }
func rateKey(agentID string) string     { return "anomaly:rate5m:" + agentID }

// RequestSample is the observation both UpdateProfile and DetectAnomaly
// score against.
type RequestSample struct {
	Timestamp   time.Time
	Path        string
	Method      string
	PayloadSize int64
}

// Detector is the AnomalyDetector component from spec §4.5.
type Detector struct {
	kv kv.Store
}

// New wires a Detector to the shared KV store.
func New(store kv.Store) *Detector {
	return &Detector{kv: store}
}

// UpdateProfile folds one observed request into the agent's baseline.
// Every observed request must call this exactly once.
func (d *Detector) UpdateProfile(ctx context.Context, agentID string, sample RequestSample) error {
	profile, _, err := d.load(ctx, agentID)
	if err != nil {
		return err
	}
	if profile == nil {
		profile = gazmodels.NewAgentProfile(agentID)
	}

	hour := sample.Timestamp.Hour()
	profile.TypicalActiveHours[hour] = true
	profile.CommonPaths[sample.Path]++
	profile.RequestMethods[sample.Method]++

	// Welford's online algorithm for the running mean/variance of
	// payload size, avoiding a full history replay to recompute stddev.
	n := profile.SampleCount + 1
	size := float64(sample.PayloadSize)
	delta := size - profile.AvgPayloadSize
	profile.AvgPayloadSize += delta / float64(n)
	delta2 := size - profile.AvgPayloadSize
	profile.WelfordM2 += delta * delta2
	profile.SampleCount = n
	if n > 1 {
		profile.StdPayloadSize = math.Sqrt(profile.WelfordM2 / float64(n))
	}

	if !profile.LastRequestAt.IsZero() {
		gap := sample.Timestamp.Sub(profile.LastRequestAt)
		if gap > 0 {
			if profile.AvgTimeBetweenReqs == 0 {
				profile.AvgTimeBetweenReqs = gap
			} else {
				profile.AvgTimeBetweenReqs = (profile.AvgTimeBetweenReqs*time.Duration(n-1) + gap) / time.Duration(n)
			}
			profile.AvgRequestsPerHour = 3600 / profile.AvgTimeBetweenReqs.Seconds()
		}
	}
	profile.LastRequestAt = sample.Timestamp
	profile.LastUpdated = time.Now().UTC()

	if _, err := d.kv.Incr(ctx, rateKey(agentID), rateWindow); err != nil {
		return apperrors.Wrap(err, apperrors.DatabaseError, "increment anomaly rate window")
	}

	return d.save(ctx, profile)
}

// DetectAnomaly scores sample against the agent's baseline. An agent
// with no stored profile yet always returns a non-anomalous result with
// a "no baseline" reason, per spec §4.5.
func (d *Detector) DetectAnomaly(ctx context.Context, agentID string, sample RequestSample) (*gazmodels.AnomalyResult, error) {
	profile, ok, err := d.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &gazmodels.AnomalyResult{IsAnomalous: false, Score: 0, Reasons: []string{"no baseline"}}, nil
	}

	var score float64
	var reasons []string

	if !profile.TypicalActiveHours[sample.Timestamp.Hour()] {
		score += 0.3
		reasons = append(reasons, "unusual hour")
	}

	totalPaths := sumCounts(profile.CommonPaths)
	if totalPaths > 0 {
		ratio := float64(profile.CommonPaths[sample.Path]) / float64(totalPaths)
		if ratio < rareThreshold {
			score += 0.4
			reasons = append(reasons, "rare path")
		}
	}

	std := profile.StdPayloadSize
	if std < 1 {
		std = 1
	}
	z := math.Abs(float64(sample.PayloadSize)-profile.AvgPayloadSize) / std
	if z > outlierZScore {
		contribution := math.Min(z/10, 0.5)
		score += contribution
		reasons = append(reasons, "payload outlier")
	}

	if profile.AvgRequestsPerHour > 0 {
		raw, ok, err := d.kv.Get(ctx, rateKey(agentID))
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.DatabaseError, "read anomaly rate window")
		}
		if ok {
			count, convErr := strconv.ParseInt(string(raw), 10, 64)
			if convErr == nil && float64(count) > 3*profile.AvgRequestsPerHour {
				score += 0.6
				reasons = append(reasons, "high rate")
			}
		}
	}

	totalMethods := sumCounts(profile.RequestMethods)
	if totalMethods > 0 {
		methodCount := profile.RequestMethods[sample.Method]
		if methodCount > 0 && float64(methodCount)/float64(totalMethods) < rareMethodPct {
			score += 0.25
			reasons = append(reasons, "rare method")
		}
	}

	score = math.Min(score, 1.0)
	return &gazmodels.AnomalyResult{IsAnomalous: score > 0.5, Score: score, Reasons: reasons}, nil
}

func (d *Detector) load(ctx context.Context, agentID string) (*gazmodels.AgentProfile, bool, error) {
	raw, ok, err := d.kv.Get(ctx, profileKey(agentID))
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.DatabaseError, "load agent profile")
	}
	if !ok {
		return nil, false, nil
	}
	var p gazmodels.AgentProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.InternalError, "decode agent profile")
	}
	return &p, true, nil
}

func (d *Detector) save(ctx context.Context, profile *gazmodels.AgentProfile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return apperrors.Wrap(err, apperrors.InternalError, "encode agent profile")
	}
	if err := d.kv.Set(ctx, profileKey(profile.AgentID), raw, profileTTL); err != nil {
		return apperrors.Wrap(err, apperrors.DatabaseError, "persist agent profile")
	}
	return nil
}

func sumCounts(m map[string]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}
