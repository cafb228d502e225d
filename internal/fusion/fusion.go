// Package fusion combines per-method score matrices into one fused
// score per entity and computes the per-factor attribution that
// explains it.
package fusion

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Fuser applies one fusion policy over the succeeded method results.
type Fuser struct {
	policy   string
	combiner *Combiner
}

// New creates a fuser. Unknown policy names fail fast, and stacking
// requires a previously fitted combiner.
func New(policy string, combiner *Combiner) (*Fuser, error) {
	if !domain.KnownPolicy(policy) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownPolicy, policy)
	}
	if policy == domain.PolicyStacking && combiner == nil {
		return nil, domain.ErrNoCombiner
	}
	return &Fuser{policy: policy, combiner: combiner}, nil
}

// Fuse produces one FusedScore per entity in order. At least one
// succeeded method is required, and every entity must be covered by at
// least one contributing method; either condition failing aborts the
// run. Methods missing a score for an entity are excluded from both the
// numerator and the denominator for that entity, never zero-weighted.
func (f *Fuser) Fuse(order []domain.EntityID, results []domain.MethodResult) ([]domain.FusedScore, error) {
	succeeded := make([]domain.MethodResult, 0, len(results))
	for _, r := range results {
		if r.Status == domain.MethodSucceeded {
			succeeded = append(succeeded, r)
		}
	}
	if len(succeeded) == 0 {
		return nil, domain.ErrNoMethodsSucceeded
	}

	fused := make([]domain.FusedScore, 0, len(order))
	for _, id := range order {
		fs, err := f.fuseEntity(id, succeeded)
		if err != nil {
			return nil, err
		}
		fused = append(fused, fs)
	}
	return fused, nil
}

func (f *Fuser) fuseEntity(id domain.EntityID, succeeded []domain.MethodResult) (domain.FusedScore, error) {
	// Contributions are gathered in result-slice order so that float
	// accumulation, and therefore the fused output, is reproducible.
	type contrib struct {
		method    string
		score     float64
		weight    float64
		threshold float64
	}
	contribs := make([]contrib, 0, len(succeeded))
	for _, r := range succeeded {
		if s, ok := r.Contributed(id); ok {
			w := r.Weight
			if w <= 0 {
				w = 1.0
			}
			contribs = append(contribs, contrib{r.Method, s, w, r.Threshold})
		}
	}
	if len(contribs) == 0 {
		return domain.FusedScore{}, fmt.Errorf("%w: %s", domain.ErrEntityUncovered, id)
	}

	var sumW, sumWS float64
	for _, c := range contribs {
		sumW += c.weight
		sumWS += c.weight * c.score
	}
	if sumW <= 0 {
		return domain.FusedScore{}, fmt.Errorf("%w: %s", domain.ErrEntityUncovered, id)
	}

	var value float64
	switch f.policy {
	case domain.PolicyWeightedAverage:
		value = sumWS / sumW

	case domain.PolicyMaximum:
		for _, c := range contribs {
			if c.score > value {
				value = c.score
			}
		}

	case domain.PolicyVoting:
		// A vote requires strictly exceeding the method's threshold.
		votes := 0
		for _, c := range contribs {
			if c.score > c.threshold {
				votes++
			}
		}
		value = float64(votes) / float64(len(contribs))

	case domain.PolicyStacking:
		vector := make([]float64, len(f.combiner.Methods()))
		for i, name := range f.combiner.Methods() {
			vector[i] = neutralScore
			for _, c := range contribs {
				if c.method == name {
					vector[i] = c.score
					break
				}
			}
		}
		value = f.combiner.Predict(vector)
	}

	// Attribution is always the weighted-average numerator share so
	// that narratives stay comparable across policies.
	attributions := make([]domain.Attribution, 0, len(contribs))
	if sumWS > 0 {
		for _, c := range contribs {
			attributions = append(attributions, domain.Attribution{
				Factor: c.method,
				Weight: c.weight * c.score / sumWS,
			})
		}
		sort.SliceStable(attributions, func(i, j int) bool {
			if attributions[i].Weight == attributions[j].Weight {
				return attributions[i].Factor < attributions[j].Factor
			}
			return attributions[i].Weight > attributions[j].Weight
		})
	}

	return domain.FusedScore{
		EntityID:     id,
		Score:        clamp01(value),
		Policy:       f.policy,
		Attributions: attributions,
	}, nil
}

// neutralScore fills missing entries in the stacking input vector.
const neutralScore = 0.5

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
