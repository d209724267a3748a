package algo

import (
	"math"
	"sync"

	"github.com/pml-dev/gateway/pkg/models"
)

// Trend of an entropy window.
type Trend string

// Trends: a >5% delta between window halves is directional.
const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// Phase labels emergent regime shifts.
type Phase string

// Phases.
const (
	PhaseExpansion     Phase = "expansion"
	PhaseConsolidation Phase = "consolidation"
	PhaseSteady        Phase = "steady"
)

// phaseSampleMin is the minimum window size before phase detection runs.
const phaseSampleMin = 10

// phaseDelta is the mean-shift threshold that marks a phase transition.
const phaseDelta = 0.2

// Recommendation is one advisory derived from the metrics.
type Recommendation struct {
	Level   string `json:"level"` // warning | success
	Message string `json:"message"`
}

// Report is one emergence-metrics snapshot.
type Report struct {
	GraphEntropy     float64          `json:"graph_entropy"`
	ClusterStability float64          `json:"cluster_stability"`
	Trend            Trend            `json:"trend"`
	Phase            Phase            `json:"phase"`
	PhaseConfidence  float64          `json:"phase_confidence"`
	Recommendations  []Recommendation `json:"recommendations"`
}

// windowLimit bounds the rolling entropy window.
const windowLimit = 100

// Metrics tracks emergence indicators across snapshots. Safe for concurrent
// use.
type Metrics struct {
	mu             sync.Mutex
	entropyWindow  []float64
	prevCommunity  map[string]int
	speculationAcc float64
	capDiversity   float64
}

// NewMetrics creates an empty metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// SetOutcomeSignals feeds the advisory inputs that are measured elsewhere:
// speculation accuracy and capability diversity, both in [0,1].
func (m *Metrics) SetOutcomeSignals(speculationAccuracy, capabilityDiversity float64) {
	m.mu.Lock()
	m.speculationAcc = speculationAccuracy
	m.capDiversity = capabilityDiversity
	m.mu.Unlock()
}

// Observe folds one graph snapshot plus community assignment into the window
// and returns the current report.
func (m *Metrics) Observe(edges []models.Edge, communities map[string]int) Report {
	entropy := GraphEntropy(edges)

	m.mu.Lock()
	defer m.mu.Unlock()

	stability := clusterStability(m.prevCommunity, communities)
	m.prevCommunity = copyCommunities(communities)

	m.entropyWindow = append(m.entropyWindow, entropy)
	if len(m.entropyWindow) > windowLimit {
		m.entropyWindow = m.entropyWindow[len(m.entropyWindow)-windowLimit:]
	}

	trend := windowTrend(m.entropyWindow)
	phase, confidence := phaseTransition(m.entropyWindow)

	report := Report{
		GraphEntropy:     entropy,
		ClusterStability: stability,
		Trend:            trend,
		Phase:            phase,
		PhaseConfidence:  confidence,
	}
	report.Recommendations = recommendations(report, m.speculationAcc, m.capDiversity)
	return report
}

// GraphEntropy is the Shannon entropy of the edge-weight distribution,
// normalized to [0,1] by the maximum entropy of the edge count.
func GraphEntropy(edges []models.Edge) float64 {
	if len(edges) < 2 {
		return 0
	}
	total := 0.0
	for _, e := range edges {
		if e.Confidence > 0 {
			total += e.Confidence
		}
	}
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, e := range edges {
		if e.Confidence <= 0 {
			continue
		}
		p := e.Confidence / total
		entropy -= p * math.Log2(p)
	}
	return entropy / math.Log2(float64(len(edges)))
}

// clusterStability is the Jaccard similarity of co-membership pairs between
// the previous and current community assignment; 1.0 when there is no
// previous snapshot.
func clusterStability(prev, cur map[string]int) float64 {
	if len(prev) == 0 {
		return 1.0
	}
	prevPairs := coMembershipPairs(prev)
	curPairs := coMembershipPairs(cur)
	if len(prevPairs) == 0 && len(curPairs) == 0 {
		return 1.0
	}

	intersection := 0
	for p := range prevPairs {
		if curPairs[p] {
			intersection++
		}
	}
	union := len(prevPairs) + len(curPairs) - intersection
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}

type pair struct{ a, b string }

func coMembershipPairs(community map[string]int) map[pair]bool {
	byComm := make(map[int][]string)
	for node, c := range community {
		byComm[c] = append(byComm[c], node)
	}
	pairs := make(map[pair]bool)
	for _, nodes := range byComm {
		for i := 0; i < len(nodes); i++ {
			for j := i + 1; j < len(nodes); j++ {
				a, b := nodes[i], nodes[j]
				if a > b {
					a, b = b, a
				}
				pairs[pair{a, b}] = true
			}
		}
	}
	return pairs
}

func copyCommunities(c map[string]int) map[string]int {
	out := make(map[string]int, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// windowTrend compares the means of the window halves: a relative delta over
// 5% is directional.
func windowTrend(window []float64) Trend {
	if len(window) < 2 {
		return TrendStable
	}
	mid := len(window) / 2
	older := mean(window[:mid])
	recent := mean(window[mid:])
	if older == 0 {
		if recent > 0 {
			return TrendRising
		}
		return TrendStable
	}
	delta := (recent - older) / older
	switch {
	case delta > 0.05:
		return TrendRising
	case delta < -0.05:
		return TrendFalling
	default:
		return TrendStable
	}
}

// phaseTransition detects a regime shift once the window holds enough
// samples: a mean shift above phaseDelta between the older and recent halves
// marks expansion (rising) or consolidation (falling). Confidence grows with
// the shift size and is capped at 1.0.
func phaseTransition(window []float64) (Phase, float64) {
	if len(window) < phaseSampleMin {
		return PhaseSteady, 0
	}
	mid := len(window) / 2
	older := mean(window[:mid])
	recent := mean(window[mid:])
	shift := recent - older
	if math.Abs(shift) <= phaseDelta {
		return PhaseSteady, 0
	}
	confidence := math.Min(1.0, math.Abs(shift)/(2*phaseDelta))
	if shift > 0 {
		return PhaseExpansion, confidence
	}
	return PhaseConsolidation, confidence
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// recommendations derives the advisory list from a report and the outcome
// signals.
func recommendations(r Report, speculationAccuracy, capabilityDiversity float64) []Recommendation {
	recs := make([]Recommendation, 0, 4)
	if r.GraphEntropy < 0.3 {
		recs = append(recs, Recommendation{
			Level:   "warning",
			Message: "graph entropy is low: execution paths are over-concentrated",
		})
	} else if r.GraphEntropy > 0.7 {
		recs = append(recs, Recommendation{
			Level:   "warning",
			Message: "graph entropy is high: edge weights carry little structure",
		})
	}
	if r.ClusterStability < 0.8 {
		recs = append(recs, Recommendation{
			Level:   "warning",
			Message: "community structure is churning between snapshots",
		})
	}
	if speculationAccuracy > 0.8 {
		recs = append(recs, Recommendation{
			Level:   "success",
			Message: "speculation accuracy is high",
		})
	}
	if capabilityDiversity > 0.7 {
		recs = append(recs, Recommendation{
			Level:   "success",
			Message: "capability usage is well diversified",
		})
	}
	return recs
}
