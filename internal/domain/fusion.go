package domain

// Fusion policy names. Unknown names fail fast rather than defaulting.
const (
	PolicyWeightedAverage = "weighted_average"
	PolicyMaximum         = "maximum"
	PolicyVoting          = "voting"
	PolicyStacking        = "stacking"
)

// KnownPolicy reports whether name is a supported fusion policy.
func KnownPolicy(name string) bool {
	switch name {
	case PolicyWeightedAverage, PolicyMaximum, PolicyVoting, PolicyStacking:
		return true
	}
	return false
}

// Attribution is one factor's share of a fused score's explanation.
type Attribution struct {
	Factor string  `json:"factor"`
	Weight float64 `json:"weight"`
}

// FusedScore is the per-entity result of ensemble fusion.
type FusedScore struct {
	EntityID EntityID `json:"entityId"`
	Score    float64  `json:"score"`
	Policy   string   `json:"policy"`

	// Attributions is ordered by contribution descending and sums to <= 1.
	// It is always the weighted-average contribution share, regardless of
	// which policy produced Score, so narratives stay comparable.
	Attributions []Attribution `json:"attributions"`
}

// CombinerArtifact is a previously fitted stacking combiner: a logistic
// model over the per-method score vector. Stacking fusion fails
// explicitly when no artifact is supplied.
type CombinerArtifact struct {
	// Methods fixes the input vector ordering.
	Methods []string  `json:"methods"`
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}
