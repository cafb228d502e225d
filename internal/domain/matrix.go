package domain

// MatrixKind identifies one derived representation of the feature table.
type MatrixKind string

const (
	// MatrixRaw is the imputed numeric feature table, untransformed.
	MatrixRaw MatrixKind = "raw"

	// MatrixScaled is the standardized representation (fit-once mean/stddev).
	MatrixScaled MatrixKind = "scaled"

	// MatrixReduced is the dimensionality-reduced representation.
	MatrixReduced MatrixKind = "reduced"

	// MatrixEncoded holds vocabulary-encoded categorical features.
	MatrixEncoded MatrixKind = "encoded"
)

// AllMatrixKinds lists every representation built per run.
func AllMatrixKinds() []MatrixKind {
	return []MatrixKind{MatrixRaw, MatrixScaled, MatrixReduced, MatrixEncoded}
}

// MatrixSet is one numeric representation of all entities' features.
// All vectors share the same dimensionality, and EntityIDs carries the
// same ordering as every other MatrixSet produced in the same run.
type MatrixSet struct {
	Kind      MatrixKind `json:"kind"`
	EntityIDs []EntityID `json:"entityIds"`
	Columns   []string   `json:"columns"`

	// Rows holds one vector per entity, aligned with EntityIDs.
	Rows [][]float64 `json:"rows"`

	// Fit captures the parameters applied to produce this representation,
	// reusable for scoring later batches without refitting.
	Fit *MatrixFit `json:"fit,omitempty"`
}

// MatrixFit holds fit-once parameters captured from a reference population.
type MatrixFit struct {
	// Means and Scales standardize numeric columns (scaled/reduced paths).
	Means  []float64 `json:"means,omitempty"`
	Scales []float64 `json:"scales,omitempty"`

	// Medians impute missing numeric values.
	Medians []float64 `json:"medians,omitempty"`

	// Basis is the stored reduction basis: one row per retained component.
	Basis [][]float64 `json:"basis,omitempty"`

	// Vocab maps categorical column name -> category -> encoded index.
	// Index 0 is reserved for unseen categories.
	Vocab map[string]map[string]int `json:"vocab,omitempty"`
}
