package detect

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var errTooFewCategoricals = errors.New("needs at least two categorical features")

// Builtins returns the compiled-in method roster. Each method consumes
// one matrix representation and carries its own numeric contract; the
// shared interpretation lives at the category level.
func Builtins() []*Method {
	return []*Method{
		{
			Name:      "zscore_rms",
			Category:  domain.CategoryStatistical,
			Kind:      domain.MatrixScaled,
			Weight:    1.0,
			Threshold: 0.7,
			Normalize: NormalizeMinMax,
			Score:     scoreRMSDeviation,
		},
		{
			Name:      "zscore_max",
			Category:  domain.CategoryStatistical,
			Kind:      domain.MatrixScaled,
			Weight:    1.0,
			Threshold: 0.7,
			Normalize: NormalizeMinMax,
			Score:     scoreMaxDeviation,
		},
		{
			Name:          "robust_zscore",
			Category:      domain.CategoryStatistical,
			Kind:          domain.MatrixRaw,
			Weight:        1.0,
			Threshold:     0.7,
			MinPopulation: 3,
			Normalize:     NormalizeMinMax,
			Score:         scoreRobustZ,
		},
		{
			Name:      "iqr_outlier",
			Category:  domain.CategoryStatistical,
			Kind:      domain.MatrixRaw,
			Weight:    1.0,
			Threshold: 0.5,
			Normalize: NormalizeNone,
			Score:     scoreIQROutliers,
		},
		{
			Name:          "mahalanobis",
			Category:      domain.CategoryDistance,
			Kind:          domain.MatrixReduced,
			Weight:        1.0,
			Threshold:     0.8,
			MinPopulation: 3,
			Normalize:     NormalizeRank,
			Score:         scoreMahalanobis,
		},
		{
			Name:          "knn_distance",
			Category:      domain.CategoryDistance,
			Kind:          domain.MatrixReduced,
			Weight:        1.0,
			Threshold:     0.8,
			MinPopulation: 6,
			Normalize:     NormalizeRank,
			Score:         scoreKNNDistance,
		},
		{
			Name:          "local_density",
			Category:      domain.CategoryDensity,
			Kind:          domain.MatrixReduced,
			Weight:        1.0,
			Threshold:     0.8,
			MinPopulation: 10,
			Normalize:     NormalizeRank,
			Score:         scoreLocalDensity,
		},
		{
			Name:      "category_rarity",
			Category:  domain.CategoryCategorical,
			Kind:      domain.MatrixEncoded,
			Weight:    1.0,
			Threshold: 0.9,
			Normalize: NormalizeNone,
			Score:     scoreCategoryRarity,
		},
		{
			Name:          "category_pairs",
			Category:      domain.CategoryCategorical,
			Kind:          domain.MatrixEncoded,
			Weight:        1.0,
			Threshold:     0.9,
			MinPopulation: 5,
			Normalize:     NormalizeNone,
			Score:         scoreCategoryPairs,
		},
	}
}

// RegisterBuiltins loads the compiled-in roster into a registry.
func RegisterBuiltins(r *Registry) error {
	for _, m := range Builtins() {
		if err := r.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// scoreRMSDeviation scores each entity by the root-mean-square of its
// standardized feature values.
func scoreRMSDeviation(_ context.Context, m *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
	out := make(map[domain.EntityID]float64, len(m.EntityIDs))
	for i, id := range m.EntityIDs {
		var ss float64
		for _, v := range m.Rows[i] {
			ss += v * v
		}
		out[id] = math.Sqrt(ss / float64(len(m.Rows[i])))
	}
	return out, nil
}

// scoreMaxDeviation scores each entity by its single most deviant
// standardized feature.
func scoreMaxDeviation(_ context.Context, m *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
	out := make(map[domain.EntityID]float64, len(m.EntityIDs))
	for i, id := range m.EntityIDs {
		var max float64
		for _, v := range m.Rows[i] {
			if av := math.Abs(v); av > max {
				max = av
			}
		}
		out[id] = max
	}
	return out, nil
}

// scoreRobustZ scores by the largest median/MAD deviation across
// features, which resists the masking effect heavy outliers have on
// mean-based scores.
func scoreRobustZ(_ context.Context, m *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
	n := len(m.Rows)
	d := len(m.Columns)

	medians := make([]float64, d)
	mads := make([]float64, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		for i := 0; i < n; i++ {
			col[i] = m.Rows[i][j]
		}
		medians[j] = medianOf(col)
		dev := make([]float64, n)
		for i := 0; i < n; i++ {
			dev[i] = math.Abs(col[i] - medians[j])
		}
		mads[j] = medianOf(dev)
	}

	out := make(map[domain.EntityID]float64, n)
	for i, id := range m.EntityIDs {
		var max float64
		for j := 0; j < d; j++ {
			if mads[j] == 0 {
				continue
			}
			z := math.Abs(m.Rows[i][j]-medians[j]) / (1.4826 * mads[j])
			if z > max {
				max = z
			}
		}
		out[id] = max
	}
	return out, nil
}

// scoreIQROutliers scores by the fraction of features falling outside
// the Tukey fences [Q1-1.5*IQR, Q3+1.5*IQR]. Already bounded to [0,1].
func scoreIQROutliers(_ context.Context, m *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
	n := len(m.Rows)
	d := len(m.Columns)

	lo := make([]float64, d)
	hi := make([]float64, d)
	col := make([]float64, n)
	for j := 0; j < d; j++ {
		for i := 0; i < n; i++ {
			col[i] = m.Rows[i][j]
		}
		q1 := quantile(col, 0.25)
		q3 := quantile(col, 0.75)
		iqr := q3 - q1
		lo[j] = q1 - 1.5*iqr
		hi[j] = q3 + 1.5*iqr
	}

	out := make(map[domain.EntityID]float64, n)
	for i, id := range m.EntityIDs {
		outliers := 0
		for j := 0; j < d; j++ {
			if m.Rows[i][j] < lo[j] || m.Rows[i][j] > hi[j] {
				outliers++
			}
		}
		out[id] = float64(outliers) / float64(d)
	}
	return out, nil
}

// scoreMahalanobis scores by distance from the batch centroid scaled by
// per-component variance (diagonal covariance).
func scoreMahalanobis(_ context.Context, m *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
	n := len(m.Rows)
	d := len(m.Columns)

	means := make([]float64, d)
	vars := make([]float64, d)
	for j := 0; j < d; j++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += m.Rows[i][j]
		}
		means[j] = sum / float64(n)
		var ss float64
		for i := 0; i < n; i++ {
			dv := m.Rows[i][j] - means[j]
			ss += dv * dv
		}
		vars[j] = ss / float64(n-1)
		if vars[j] == 0 {
			vars[j] = 1
		}
	}

	out := make(map[domain.EntityID]float64, n)
	for i, id := range m.EntityIDs {
		var dist float64
		for j := 0; j < d; j++ {
			dv := m.Rows[i][j] - means[j]
			dist += dv * dv / vars[j]
		}
		out[id] = math.Sqrt(dist)
	}
	return out, nil
}

const neighborCount = 5

// scoreKNNDistance scores by the mean distance to the k nearest
// neighbors in the reduced space.
func scoreKNNDistance(_ context.Context, m *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
	dists := pairwiseDistances(m.Rows)
	out := make(map[domain.EntityID]float64, len(m.EntityIDs))
	for i, id := range m.EntityIDs {
		out[id] = meanNearest(dists[i], i, neighborCount)
	}
	return out, nil
}

// scoreLocalDensity compares each entity's neighborhood distance to its
// neighbors' own, in the manner of a local outlier factor: values well
// above 1 mark entities in sparser regions than their neighbors.
func scoreLocalDensity(_ context.Context, m *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
	n := len(m.Rows)
	dists := pairwiseDistances(m.Rows)

	reach := make([]float64, n)
	for i := 0; i < n; i++ {
		reach[i] = meanNearest(dists[i], i, neighborCount)
	}

	out := make(map[domain.EntityID]float64, n)
	for i, id := range m.EntityIDs {
		neighbors := nearestIndices(dists[i], i, neighborCount)
		var sum float64
		count := 0
		for _, j := range neighbors {
			if reach[j] > 0 {
				sum += reach[j]
				count++
			}
		}
		if count == 0 || sum == 0 {
			out[id] = 1
			continue
		}
		out[id] = reach[i] / (sum / float64(count))
	}
	return out, nil
}

// scoreCategoryRarity scores by the mean inverse frequency of an
// entity's category values within the batch.
func scoreCategoryRarity(_ context.Context, m *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
	n := len(m.Rows)
	d := len(m.Columns)

	freqs := make([]map[float64]float64, d)
	for j := 0; j < d; j++ {
		counts := make(map[float64]float64)
		for i := 0; i < n; i++ {
			counts[m.Rows[i][j]]++
		}
		freqs[j] = counts
	}

	out := make(map[domain.EntityID]float64, n)
	for i, id := range m.EntityIDs {
		var sum float64
		for j := 0; j < d; j++ {
			sum += 1 - freqs[j][m.Rows[i][j]]/float64(n)
		}
		out[id] = sum / float64(d)
	}
	return out, nil
}

// scoreCategoryPairs scores by the rarity of observed category value
// pairs, catching combinations that are individually common but rarely
// seen together. Requires at least two categorical features.
func scoreCategoryPairs(_ context.Context, m *domain.MatrixSet, _ *Input) (map[domain.EntityID]float64, error) {
	n := len(m.Rows)
	d := len(m.Columns)
	if d < 2 {
		return nil, errTooFewCategoricals
	}

	type key struct{ a, b float64 }
	pairs := 0
	pairFreqs := make([]map[key]float64, 0, d*(d-1)/2)
	pairCols := make([][2]int, 0, d*(d-1)/2)
	for a := 0; a < d; a++ {
		for b := a + 1; b < d; b++ {
			counts := make(map[key]float64)
			for i := 0; i < n; i++ {
				counts[key{m.Rows[i][a], m.Rows[i][b]}]++
			}
			pairFreqs = append(pairFreqs, counts)
			pairCols = append(pairCols, [2]int{a, b})
			pairs++
		}
	}

	out := make(map[domain.EntityID]float64, n)
	for i, id := range m.EntityIDs {
		var sum float64
		for p := 0; p < pairs; p++ {
			a, b := pairCols[p][0], pairCols[p][1]
			sum += 1 - pairFreqs[p][key{m.Rows[i][a], m.Rows[i][b]}]/float64(n)
		}
		out[id] = sum / float64(pairs)
	}
	return out, nil
}

func pairwiseDistances(rows [][]float64) [][]float64 {
	n := len(rows)
	dists := make([][]float64, n)
	for i := range dists {
		dists[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var ss float64
			for c := range rows[i] {
				d := rows[i][c] - rows[j][c]
				ss += d * d
			}
			dist := math.Sqrt(ss)
			dists[i][j] = dist
			dists[j][i] = dist
		}
	}
	return dists
}

// nearestIndices returns the k indices closest to self, excluding self.
func nearestIndices(row []float64, self, k int) []int {
	idx := make([]int, 0, len(row)-1)
	for j := range row {
		if j != self {
			idx = append(idx, j)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		if row[idx[a]] == row[idx[b]] {
			return idx[a] < idx[b]
		}
		return row[idx[a]] < row[idx[b]]
	})
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

func meanNearest(row []float64, self, k int) float64 {
	neighbors := nearestIndices(row, self, k)
	if len(neighbors) == 0 {
		return 0
	}
	var sum float64
	for _, j := range neighbors {
		sum += row[j]
	}
	return sum / float64(len(neighbors))
}

func medianOf(vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// quantile returns the q-th quantile by linear interpolation.
func quantile(vals []float64, q float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
