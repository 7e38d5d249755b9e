// Package distance implements the pluggable metric capability named in
// spec.md 4.6 and 9: distance is a capability (calculate(&Storage,
// &Storage) -> MetricResult), not a hardcoded function, and the result
// exposes a total order consistent with "better first" regardless of
// whether the underlying metric is a similarity (cosine, bigger is better)
// or a distance (Euclidean, smaller is better).
package distance

import (
	"math"

	"github.com/rpcpool/vectorhash/internal/errs"
)

// MetricResult wraps a metric's raw output in a total order where a larger
// Value() always means "better first", per the Open Question resolution in
// SPEC_FULL.md 5.
type MetricResult struct {
	value float32
}

func (m MetricResult) Value() float32 { return m.value }

// Function is the pluggable metric capability.
type Function interface {
	Name() string
	Calculate(a, b []float32) (MetricResult, error)
}

// Cosine is the default metric (spec.md 4.6). Larger Value() means more
// similar, which is already "bigger is better", so Value() returns the raw
// cosine similarity unmodified.
type Cosine struct{}

func (Cosine) Name() string { return "cosine" }

func (Cosine) Calculate(a, b []float32) (MetricResult, error) {
	if len(a) != len(b) {
		return MetricResult{}, errs.Validationf("distance.Cosine", "dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return MetricResult{value: 0}, nil
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return MetricResult{value: float32(sim)}, nil
}

// Euclidean is a "smaller is better" metric. Its Value() is the negated
// distance so every consumer of MetricResult can keep sorting purely by
// descending Value(), per the Open Question resolution in SPEC_FULL.md 5.
type Euclidean struct{}

func (Euclidean) Name() string { return "euclidean" }

func (Euclidean) Calculate(a, b []float32) (MetricResult, error) {
	if len(a) != len(b) {
		return MetricResult{}, errs.Validationf("distance.Euclidean", "dimension mismatch: %d vs %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return MetricResult{value: float32(-math.Sqrt(sum))}, nil
}

// Dot is a plain dot-product similarity, useful for already-normalized
// embeddings where cosine's extra normalization pass is wasted work.
type Dot struct{}

func (Dot) Name() string { return "dot" }

func (Dot) Calculate(a, b []float32) (MetricResult, error) {
	if len(a) != len(b) {
		return MetricResult{}, errs.Validationf("distance.Dot", "dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return MetricResult{value: float32(dot)}, nil
}

// ByName resolves a metric by its Name(), used when a collection's
// catalog entry names a distance_metric to reconstruct on open.
func ByName(name string) (Function, error) {
	switch name {
	case "cosine", "":
		return Cosine{}, nil
	case "euclidean":
		return Euclidean{}, nil
	case "dot":
		return Dot{}, nil
	default:
		return nil, errs.Validationf("distance.ByName", "unknown distance metric %q", name)
	}
}
