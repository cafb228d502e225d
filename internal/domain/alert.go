package domain

import (
	"fmt"
	"time"
)

// RiskTier is an ordered risk category derived from the fused score.
type RiskTier string

const (
	TierCritical RiskTier = "Critical"
	TierHigh     RiskTier = "High"
	TierMedium   RiskTier = "Medium"
	TierLow      RiskTier = "Low"
)

// TierRank orders tiers for inclusion-policy comparison; higher is riskier.
func TierRank(t RiskTier) int {
	switch t {
	case TierCritical:
		return 3
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	case TierLow:
		return 0
	}
	return -1
}

// TierBand maps scores at or above Lower to Tier, up to the next band.
type TierBand struct {
	Tier  RiskTier `json:"tier"`
	Lower float64  `json:"lower"`
}

// TierBands is an ordered, non-overlapping set of bands covering [0,1].
// Bands are ordered riskiest first; the last band's Lower must be 0 so
// every score maps to exactly one tier.
type TierBands []TierBand

// DefaultTierBands returns the standard banding.
func DefaultTierBands() TierBands {
	return TierBands{
		{Tier: TierCritical, Lower: 0.9},
		{Tier: TierHigh, Lower: 0.7},
		{Tier: TierMedium, Lower: 0.4},
		{Tier: TierLow, Lower: 0.0},
	}
}

// Validate checks that the bands are ordered, contiguous and span [0,1].
func (b TierBands) Validate() error {
	if len(b) == 0 {
		return fmt.Errorf("tier bands are empty")
	}
	for i, band := range b {
		if band.Lower < 0 || band.Lower > 1 {
			return fmt.Errorf("band %s: lower bound %.4f outside [0,1]", band.Tier, band.Lower)
		}
		if i > 0 && band.Lower >= b[i-1].Lower {
			return fmt.Errorf("band %s: bounds must strictly decrease", band.Tier)
		}
	}
	if b[len(b)-1].Lower != 0 {
		return fmt.Errorf("last band must start at 0 to cover [0,1]")
	}
	return nil
}

// TierFor maps a score in [0,1] to its tier.
func (b TierBands) TierFor(score float64) RiskTier {
	for _, band := range b {
		if score >= band.Lower {
			return band.Tier
		}
	}
	return b[len(b)-1].Tier
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertOpen        AlertStatus = "Open"
	AlertUnderReview AlertStatus = "UnderReview"
	AlertClosed      AlertStatus = "Closed"
	AlertDismissed   AlertStatus = "Dismissed"
)

// allowedTransitions defines the legal alert status transitions. Closed
// and Dismissed are terminal.
var allowedTransitions = map[AlertStatus][]AlertStatus{
	AlertOpen:        {AlertUnderReview, AlertClosed, AlertDismissed},
	AlertUnderReview: {AlertOpen, AlertClosed, AlertDismissed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to AlertStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Alert is one actionable, explainable scoring outcome. Alerts are never
// silently deleted: they leave the active queue only through audited
// capacity eviction.
type Alert struct {
	// ID is monotonic and human-legible, e.g. "KES-000042".
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	CreatedAt time.Time `json:"createdAt"`

	EntityID EntityID    `json:"entityId"`
	Score    float64     `json:"score"`
	Policy   string      `json:"policy"`
	Tier     RiskTier    `json:"tier"`
	Status   AlertStatus `json:"status"`

	// Narrative is a deterministic natural-language summary of the top
	// contributing factors. Same inputs always produce the same text.
	Narrative string        `json:"narrative"`
	Factors   []Attribution `json:"factors"`

	RecommendedAction string `json:"recommendedAction"`
}

// FormatAlertID renders a queue sequence number as a human-legible ID.
func FormatAlertID(seq int64) string {
	return fmt.Sprintf("KES-%06d", seq)
}

// Audit actions recorded by the output manager.
const (
	AuditAlertCreated  = "alert.created"
	AuditAlertEvicted  = "alert.evicted"
	AuditStatusChanged = "alert.status_changed"
)

// SystemActor is the actor recorded for pipeline-originated audit entries.
const SystemActor = "kestrel"

// AuditEntry is one append-only audit record. The output manager is the
// sole writer; entries are never mutated or deleted.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	SubjectID string    `json:"subjectId"`
	Before    string    `json:"before,omitempty"`
	After     string    `json:"after,omitempty"`
}
