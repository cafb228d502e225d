// Package matrix builds the per-run numeric representations of a
// feature table: raw, standardized, reduced and categorical-encoded.
package matrix

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Builder turns a feature table into aligned MatrixSets. Fit captures
// standardization, reduction and encoding parameters once from a
// reference population; Build applies the stored parameters so that
// scores across batches stay comparable. A Builder must not be refit
// per batch.
type Builder struct {
	components int
	required   []string

	numeric     []string
	categorical []string
	fit         *domain.MatrixFit
	fitted      bool
}

// NewBuilder creates a builder targeting the given reduced dimensionality.
// Features named in required must be present in every dataset or the
// build fails fatally.
func NewBuilder(components int, required []string) *Builder {
	if components <= 0 {
		components = 3
	}
	return &Builder{components: components, required: required}
}

// Fitted reports whether fit parameters have been captured.
func (b *Builder) Fitted() bool {
	return b.fitted
}

// Fit captures fit parameters from a reference population.
func (b *Builder) Fit(ds *domain.Dataset) error {
	if err := b.check(ds); err != nil {
		return err
	}

	b.numeric = ds.NumericFeatures()
	b.categorical = ds.CategoricalFeatures()
	fit := &domain.MatrixFit{}

	// Medians for imputation, per numeric column.
	fit.Medians = make([]float64, len(b.numeric))
	for j, name := range b.numeric {
		var vals []float64
		for _, fv := range ds.Entities {
			if v, ok := fv.Numeric[name]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
				vals = append(vals, v)
			}
		}
		fit.Medians[j] = median(vals)
	}

	raw := b.rawRows(ds.Entities, fit.Medians)

	// Mean and scale per column, from the imputed reference data.
	fit.Means = make([]float64, len(b.numeric))
	fit.Scales = make([]float64, len(b.numeric))
	for j := range b.numeric {
		var sum float64
		for i := range raw {
			sum += raw[i][j]
		}
		mean := sum / float64(len(raw))
		var ss float64
		for i := range raw {
			d := raw[i][j] - mean
			ss += d * d
		}
		scale := math.Sqrt(ss / float64(len(raw)))
		if scale == 0 {
			scale = 1
		}
		fit.Means[j] = mean
		fit.Scales[j] = scale
	}

	// Reduction basis from the standardized reference data.
	scaled := standardize(raw, fit.Means, fit.Scales)
	k := b.components
	if k > len(b.numeric) {
		k = len(b.numeric)
	}
	if k > len(scaled) {
		k = len(scaled)
	}
	if k < 1 {
		k = 1
	}
	fit.Basis = principalBasis(scaled, k)

	// Categorical vocabulary; index 0 is the reserved unknown slot.
	fit.Vocab = make(map[string]map[string]int, len(b.categorical))
	for _, name := range b.categorical {
		seen := make(map[string]struct{})
		for _, fv := range ds.Entities {
			if v := fv.Categorical[name]; v != "" {
				seen[v] = struct{}{}
			}
		}
		cats := make([]string, 0, len(seen))
		for c := range seen {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		vocab := make(map[string]int, len(cats))
		for i, c := range cats {
			vocab[c] = i + 1
		}
		fit.Vocab[name] = vocab
	}

	b.fit = fit
	b.fitted = true
	return nil
}

// Build produces every representation of ds using the stored fit
// parameters, fitting first if the builder is fresh.
func (b *Builder) Build(ds *domain.Dataset) (map[domain.MatrixKind]*domain.MatrixSet, error) {
	if !b.fitted {
		if err := b.Fit(ds); err != nil {
			return nil, err
		}
	}
	if err := b.check(ds); err != nil {
		return nil, err
	}

	ids := ds.EntityIDs()
	raw := b.rawRows(ds.Entities, b.fit.Medians)
	scaled := standardize(raw, b.fit.Means, b.fit.Scales)
	reduced := project(scaled, b.fit.Basis)
	encoded := b.encodeRows(ds.Entities)

	reducedCols := make([]string, len(b.fit.Basis))
	for i := range reducedCols {
		reducedCols[i] = fmt.Sprintf("pc%d", i+1)
	}

	return map[domain.MatrixKind]*domain.MatrixSet{
		domain.MatrixRaw:     {Kind: domain.MatrixRaw, EntityIDs: ids, Columns: b.numeric, Rows: raw, Fit: b.fit},
		domain.MatrixScaled:  {Kind: domain.MatrixScaled, EntityIDs: ids, Columns: b.numeric, Rows: scaled, Fit: b.fit},
		domain.MatrixReduced: {Kind: domain.MatrixReduced, EntityIDs: ids, Columns: reducedCols, Rows: reduced, Fit: b.fit},
		domain.MatrixEncoded: {Kind: domain.MatrixEncoded, EntityIDs: ids, Columns: b.categorical, Rows: encoded, Fit: b.fit},
	}, nil
}

// check enforces the fatal preconditions: a non-empty table and the
// presence of every required feature.
func (b *Builder) check(ds *domain.Dataset) error {
	if ds == nil || len(ds.Entities) == 0 {
		return domain.ErrEmptyDataset
	}
	if len(b.required) == 0 {
		return nil
	}
	have := make(map[string]struct{})
	for _, name := range ds.NumericFeatures() {
		have[name] = struct{}{}
	}
	for _, name := range ds.CategoricalFeatures() {
		have[name] = struct{}{}
	}
	for _, name := range b.required {
		if _, ok := have[name]; !ok {
			return fmt.Errorf("%w: %s", domain.ErrMissingFeature, name)
		}
	}
	return nil
}

// rawRows assembles the imputed numeric matrix in fitted column order.
// Missing or undefined values take the column median.
func (b *Builder) rawRows(entities []domain.FeatureVector, medians []float64) [][]float64 {
	rows := make([][]float64, len(entities))
	for i, fv := range entities {
		row := make([]float64, len(b.numeric))
		for j, name := range b.numeric {
			v, ok := fv.Numeric[name]
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				v = medians[j]
			}
			row[j] = v
		}
		rows[i] = row
	}
	return rows
}

// encodeRows maps categorical values through the fitted vocabulary.
// Unseen categories and missing values land in the reserved slot 0.
func (b *Builder) encodeRows(entities []domain.FeatureVector) [][]float64 {
	rows := make([][]float64, len(entities))
	for i, fv := range entities {
		row := make([]float64, len(b.categorical))
		for j, name := range b.categorical {
			idx := 0
			if v := fv.Categorical[name]; v != "" {
				idx = b.fit.Vocab[name][v]
			}
			row[j] = float64(idx)
		}
		rows[i] = row
	}
	return rows
}

func standardize(rows [][]float64, means, scales []float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i := range rows {
		row := make([]float64, len(rows[i]))
		for j := range rows[i] {
			row[j] = (rows[i][j] - means[j]) / scales[j]
		}
		out[i] = row
	}
	return out
}

func project(rows, basis [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i := range rows {
		row := make([]float64, len(basis))
		for c := range basis {
			var dot float64
			for j := range rows[i] {
				dot += rows[i][j] * basis[c][j]
			}
			row[c] = dot
		}
		out[i] = row
	}
	return out
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// artifact is the serialized form of a fitted builder.
type artifact struct {
	Components  int               `json:"components"`
	Required    []string          `json:"required,omitempty"`
	Numeric     []string          `json:"numeric"`
	Categorical []string          `json:"categorical"`
	Fit         *domain.MatrixFit `json:"fit"`
}

// MarshalArtifact serializes the fitted builder for cache reuse.
func (b *Builder) MarshalArtifact() ([]byte, error) {
	if !b.fitted {
		return nil, fmt.Errorf("builder is not fitted")
	}
	return json.Marshal(artifact{
		Components:  b.components,
		Required:    b.required,
		Numeric:     b.numeric,
		Categorical: b.categorical,
		Fit:         b.fit,
	})
}

// UnmarshalArtifact restores a fitted builder from cached bytes.
func UnmarshalArtifact(data []byte) (*Builder, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse matrix artifact: %w", err)
	}
	if a.Fit == nil {
		return nil, fmt.Errorf("matrix artifact has no fit parameters")
	}
	return &Builder{
		components:  a.Components,
		required:    a.Required,
		numeric:     a.Numeric,
		categorical: a.Categorical,
		fit:         a.Fit,
		fitted:      true,
	}, nil
}
