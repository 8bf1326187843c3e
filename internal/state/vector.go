// Package state defines the bounded affective state vector recorded with
// every ledger entry.
package state

import "math"

// #region weights
// Composite weights, fixed at construction time. Tension dominates because
// it is the earliest-moving component in practice.
const (
	tensionWeight = 0.4
	driftWeight   = 0.3
	riskWeight    = 0.3
)

// #endregion weights

// #region vector

// Vector is an immutable 3-component summary of the agent's state at the
// moment a record was written. All components are clamped to [0,1].
type Vector struct {
	Tension float64 `json:"tension"`
	Drift   float64 `json:"drift"`
	Risk    float64 `json:"risk"`
}

// New builds a Vector, saturating each component into [0,1]. There is no
// error path: out-of-range inputs clamp rather than fail.
func New(tension, drift, risk float64) Vector {
	return Vector{
		Tension: clamp01(tension),
		Drift:   clamp01(drift),
		Risk:    clamp01(risk),
	}
}

// Neutral is the baseline vector used for rollback records.
func Neutral() Vector {
	return Vector{}
}

// Composite folds the three components into a single weighted score.
func (v Vector) Composite() float64 {
	return tensionWeight*v.Tension + driftWeight*v.Drift + riskWeight*v.Risk
}

// Clamped reports whether the vector already satisfies the [0,1] bound on
// every component. Used when decoding persisted records.
func (v Vector) Clamped() bool {
	return v == New(v.Tension, v.Drift, v.Risk)
}

// #endregion vector

// #region distance

// Distance returns the Euclidean distance between two vectors. Symmetric,
// non-negative, zero iff the vectors are equal.
func Distance(a, b Vector) float64 {
	dt := a.Tension - b.Tension
	dd := a.Drift - b.Drift
	dr := a.Risk - b.Risk
	return math.Sqrt(dt*dt + dd*dd + dr*dr)
}

// #endregion distance

// #region helpers
func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// #endregion helpers
