package distance

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/viterin/vek/vek32"
)

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	Cosine Metric = iota
	Euclidean
	Dot
)

func (m Metric) String() string {
	switch m {
	case Cosine:
		return "cosine"
	case Euclidean:
		return "euclidean"
	case Dot:
		return "dot"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// ParseMetric parses a metric name. Accepted aliases: l2, dotproduct, ip.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cosine", "cos":
		return Cosine, nil
	case "euclidean", "l2":
		return Euclidean, nil
	case "dot", "dotproduct", "dot_product", "ip":
		return Dot, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", s)
	}
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	return m >= Cosine && m <= Dot
}

// Func is a function type for distance calculation.
// Both vectors must have the same length.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case Cosine:
		return CosineDistance, nil
	case Euclidean:
		return EuclideanDistance, nil
	case Dot:
		return NegativeDot, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

// DotProduct returns a·b.
func DotProduct(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return vek32.Dot(a, b)
}

// NegativeDot returns -a·b.
func NegativeDot(a, b []float32) float32 {
	return -DotProduct(a, b)
}

// EuclideanDistance returns ‖a-b‖.
func EuclideanDistance(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return vek32.Distance(a, b)
}

// CosineDistance returns 1 - cos(a, b). A zero vector is at distance 1 from
// everything.
func CosineDistance(a, b []float32) float32 {
	na := DotProduct(a, a)
	nb := DotProduct(b, b)
	if na == 0 || nb == 0 {
		return 1
	}
	sim := DotProduct(a, b) / float32(math.Sqrt(float64(na)*float64(nb)))
	// Clamp rounding noise so identical vectors land at exactly 0.
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return 1 - sim
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(DotProduct(v, v))))
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	n := Norm(v)
	if n == 0 {
		return false
	}
	vek32.MulNumber_Inplace(v, 1/n)
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}
