package domain

import (
	"sort"
	"time"
)

// EntityID identifies the unit under analysis (an account, a customer).
// It is the join key across every pipeline stage.
type EntityID string

// FeatureVector holds one entity's features as produced by upstream
// feature engineering. Immutable once handed to the pipeline.
type FeatureVector struct {
	EntityID EntityID `json:"entityId"`

	// Numeric features by name. NaN marks a missing value; absent keys
	// are treated the same way.
	Numeric map[string]float64 `json:"numeric"`

	// Categorical features by name. Empty string marks a missing value.
	Categorical map[string]string `json:"categorical,omitempty"`
}

// Dataset is one cleansed feature table handed over by ingestion.
type Dataset struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Entities in their fixed ordering. Every per-entity array produced
	// by the pipeline follows this ordering.
	Entities []FeatureVector `json:"entities"`

	// QualityScore is the upstream data-quality score in [0,1], if provided.
	QualityScore float64 `json:"qualityScore,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// EntityIDs returns the dataset's fixed entity ordering.
func (d *Dataset) EntityIDs() []EntityID {
	ids := make([]EntityID, len(d.Entities))
	for i, fv := range d.Entities {
		ids[i] = fv.EntityID
	}
	return ids
}

// NumericFeatures returns the sorted union of numeric feature names
// across all entities.
func (d *Dataset) NumericFeatures() []string {
	return featureNames(d.Entities, func(fv FeatureVector) map[string]float64 { return fv.Numeric })
}

// CategoricalFeatures returns the sorted union of categorical feature
// names across all entities.
func (d *Dataset) CategoricalFeatures() []string {
	seen := make(map[string]struct{})
	for _, fv := range d.Entities {
		for name := range fv.Categorical {
			seen[name] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func featureNames(entities []FeatureVector, get func(FeatureVector) map[string]float64) []string {
	seen := make(map[string]struct{})
	for _, fv := range entities {
		for name := range get(fv) {
			seen[name] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
