package domain

// MethodStatus is the outcome of one detection method invocation.
type MethodStatus string

const (
	MethodSucceeded MethodStatus = "SUCCEEDED"
	MethodFailed    MethodStatus = "FAILED"
)

// Method categories. Methods in a category share an interpretation but
// compute independently.
const (
	CategoryStatistical = "statistical"
	CategoryDistance    = "distance"
	CategoryDensity     = "density"
	CategoryCategorical = "categorical"
	CategoryExpression  = "expression"
)

// MethodResult is the output of one detection method over one batch.
type MethodResult struct {
	Method   string       `json:"method"`
	Category string       `json:"category"`
	Status   MethodStatus `json:"status"`

	// Reason explains a FAILED status (precondition unmet, timeout, panic).
	Reason string `json:"reason,omitempty"`

	// Weight is the method's configured fusion weight.
	Weight float64 `json:"weight"`

	// Threshold is the per-method anomaly threshold used by voting fusion.
	Threshold float64 `json:"threshold"`

	// Scores maps entity -> normalized score in [0,1]. A SUCCEEDED method
	// carries an entry for every entity except those whose raw value was
	// undefined; absent entries are excluded from that entity's fusion.
	// A FAILED method carries no scores.
	Scores map[EntityID]float64 `json:"scores,omitempty"`

	ElapsedMs int64 `json:"elapsedMs"`
}

// Contributed reports whether the method produced a score for the entity.
func (r *MethodResult) Contributed(id EntityID) (float64, bool) {
	if r.Status != MethodSucceeded {
		return 0, false
	}
	s, ok := r.Scores[id]
	return s, ok
}

// MethodSpec is a user-registered expression method configuration.
// Built-in methods are compiled in; expression methods are persisted and
// loaded into the registry at startup or on reload.
type MethodSpec struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category"`
	Expression  string  `json:"expression"`
	Weight      float64 `json:"weight"`
	Threshold   float64 `json:"threshold"`
	Enabled     bool    `json:"enabled"`
}
