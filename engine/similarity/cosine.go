package similarity

import (
	"fmt"
	"math"

	"github.com/farmassist/farmassist-api/engine/farmer"
)

// Cosine returns dot(a,b) / (|a| * |b|), clamped to [-1, 1].
// Unequal lengths yield farmer.ErrDimensionMismatch; empty, zero-norm or
// non-finite input yields farmer.ErrDegenerateVector. It never returns NaN.
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", farmer.ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("%w: empty vector", farmer.ErrDegenerateVector)
	}

	sa, sb := maxAbs(a), maxAbs(b)
	if math.IsNaN(sa) || math.IsNaN(sb) || math.IsInf(sa, 0) || math.IsInf(sb, 0) {
		return 0, fmt.Errorf("%w: non-finite component", farmer.ErrDegenerateVector)
	}
	if sa == 0 || sb == 0 {
		return 0, farmer.ErrDegenerateVector
	}

	// Components are scaled into [-1, 1] so the sums cannot overflow or
	// underflow; the ratio is scale invariant.
	var dot, na, nb float64
	for i := range a {
		x, y := a[i]/sa, b[i]/sb
		dot += x * y
		na += x * x
		nb += y * y
	}

	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(sim) || math.IsInf(sim, 0) {
		return 0, fmt.Errorf("%w: non-finite similarity", farmer.ErrDegenerateVector)
	}
	return math.Max(-1, math.Min(1, sim)), nil
}

// maxAbs returns the largest |v|, or NaN if any component is NaN.
func maxAbs(v []float64) float64 {
	var m float64
	for _, x := range v {
		if math.IsNaN(x) {
			return math.NaN()
		}
		m = math.Max(m, math.Abs(x))
	}
	return m
}
