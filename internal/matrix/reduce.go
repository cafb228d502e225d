package matrix

import (
	"math"
)

// principalBasis computes k principal component directions of the
// standardized data via power iteration with deflation. Initialization
// and iteration counts are fixed so the basis is deterministic for a
// given reference population.
func principalBasis(rows [][]float64, k int) [][]float64 {
	n := len(rows)
	if n == 0 {
		return nil
	}
	d := len(rows[0])
	if k > d {
		k = d
	}

	cov := covariance(rows)
	basis := make([][]float64, 0, k)

	for c := 0; c < k; c++ {
		v := powerIterate(cov, 200)
		if v == nil {
			break
		}
		basis = append(basis, v)
		deflate(cov, v)
	}
	return basis
}

// covariance returns the d x d covariance matrix of rows (assumed
// already centered by standardization).
func covariance(rows [][]float64) [][]float64 {
	n := len(rows)
	d := len(rows[0])
	cov := make([][]float64, d)
	for i := range cov {
		cov[i] = make([]float64, d)
	}
	for _, row := range rows {
		for i := 0; i < d; i++ {
			for j := i; j < d; j++ {
				cov[i][j] += row[i] * row[j]
			}
		}
	}
	denom := float64(n)
	if n > 1 {
		denom = float64(n - 1)
	}
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			cov[i][j] /= denom
			cov[j][i] = cov[i][j]
		}
	}
	return cov
}

// powerIterate finds the dominant eigenvector of m. The start vector is
// the unit vector along the largest diagonal entry, which keeps the
// result reproducible across runs.
func powerIterate(m [][]float64, iters int) []float64 {
	d := len(m)
	start := 0
	for i := 1; i < d; i++ {
		if m[i][i] > m[start][start] {
			start = i
		}
	}
	if m[start][start] <= 1e-12 {
		return nil
	}

	v := make([]float64, d)
	v[start] = 1

	next := make([]float64, d)
	for it := 0; it < iters; it++ {
		for i := 0; i < d; i++ {
			var sum float64
			for j := 0; j < d; j++ {
				sum += m[i][j] * v[j]
			}
			next[i] = sum
		}
		norm := vecNorm(next)
		if norm <= 1e-12 {
			return nil
		}
		for i := 0; i < d; i++ {
			next[i] /= norm
		}
		v, next = next, v
	}

	// Fix the sign so the largest-magnitude component is positive.
	maxIdx := 0
	for i := 1; i < d; i++ {
		if math.Abs(v[i]) > math.Abs(v[maxIdx]) {
			maxIdx = i
		}
	}
	if v[maxIdx] < 0 {
		for i := range v {
			v[i] = -v[i]
		}
	}
	return v
}

// deflate removes the component along v from m in place.
func deflate(m [][]float64, v []float64) {
	d := len(m)
	// eigenvalue estimate lambda = v' m v
	var lambda float64
	for i := 0; i < d; i++ {
		var sum float64
		for j := 0; j < d; j++ {
			sum += m[i][j] * v[j]
		}
		lambda += v[i] * sum
	}
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			m[i][j] -= lambda * v[i] * v[j]
		}
	}
}

func vecNorm(v []float64) float64 {
	var ss float64
	for _, x := range v {
		ss += x * x
	}
	return math.Sqrt(ss)
}
