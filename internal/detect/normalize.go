package detect

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Normalization names the transform that maps a method's raw outputs
// onto [0,1] so that scores from different algorithms become comparable.
type Normalization string

const (
	// NormalizeRank maps raw scores to their batch rank quantile, with
	// ties averaged. Appropriate for distance and density methods whose
	// raw magnitudes are not comparable across batches.
	NormalizeRank Normalization = "rank"

	// NormalizeMinMax linearly rescales raw scores within the batch.
	NormalizeMinMax Normalization = "minmax"

	// NormalizeNone keeps raw scores; the method contract already
	// bounds them to [0,1].
	NormalizeNone Normalization = "none"
)

// normalizeScores applies the transform and clamps results to [0,1].
func normalizeScores(raw map[domain.EntityID]float64, mode Normalization) map[domain.EntityID]float64 {
	switch mode {
	case NormalizeRank:
		return rankNormalize(raw)
	case NormalizeMinMax:
		return minMaxNormalize(raw)
	default:
		out := make(map[domain.EntityID]float64, len(raw))
		for id, v := range raw {
			out[id] = clamp01(v)
		}
		return out
	}
}

func minMaxNormalize(raw map[domain.EntityID]float64) map[domain.EntityID]float64 {
	min, max := rangeOf(raw)
	out := make(map[domain.EntityID]float64, len(raw))
	if max == min {
		// A flat batch carries no anomaly signal.
		for id := range raw {
			out[id] = 0
		}
		return out
	}
	for id, v := range raw {
		out[id] = clamp01((v - min) / (max - min))
	}
	return out
}

func rankNormalize(raw map[domain.EntityID]float64) map[domain.EntityID]float64 {
	n := len(raw)
	out := make(map[domain.EntityID]float64, n)
	if n == 1 {
		for id := range raw {
			out[id] = 0
		}
		return out
	}

	type pair struct {
		id domain.EntityID
		v  float64
	}
	pairs := make([]pair, 0, n)
	for id, v := range raw {
		pairs = append(pairs, pair{id, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].v == pairs[j].v {
			return pairs[i].id < pairs[j].id
		}
		return pairs[i].v < pairs[j].v
	})

	// Average ranks across ties so equal raw scores normalize equally.
	i := 0
	for i < n {
		j := i
		for j+1 < n && pairs[j+1].v == pairs[i].v {
			j++
		}
		avgRank := float64(i+j) / 2
		for k := i; k <= j; k++ {
			out[pairs[k].id] = clamp01(avgRank / float64(n-1))
		}
		i = j + 1
	}
	return out
}

func rangeOf(raw map[domain.EntityID]float64) (min, max float64) {
	first := true
	for _, v := range raw {
		if first {
			min, max = v, v
			first = false
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
