package testutil

import (
	"testing"

	"github.com/hupe1980/docudb/distance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniformVectors(t *testing.T) {
	rng := NewRNG(42)
	vecs := rng.UniformVectors(10, 8)
	require.Len(t, vecs, 10)
	for _, v := range vecs {
		require.Len(t, v, 8)
		for _, x := range v {
			assert.GreaterOrEqual(t, x, float32(0))
			assert.Less(t, x, float32(1))
		}
	}
}

func TestUnitVectors(t *testing.T) {
	rng := NewRNG(42)
	for _, v := range rng.UnitVectors(20, 16) {
		assert.InDelta(t, 1.0, distance.Norm(v), 1e-4)
	}
}

func TestClusteredVectors(t *testing.T) {
	rng := NewRNG(42)
	vecs := rng.ClusteredVectors(100, 4, 3, 0.01)
	assert.Len(t, vecs, 100)
}

func TestReset(t *testing.T) {
	rng := NewRNG(7)
	a := rng.UniformVectors(3, 4)
	rng.Reset()
	b := rng.UniformVectors(3, 4)
	assert.Equal(t, a, b)
	assert.Equal(t, int64(7), rng.Seed())
}

func TestBruteForceAndRecall(t *testing.T) {
	keys := Keys("v", 4)
	vecs := [][]float32{{0, 0}, {1, 0}, {5, 5}, {0, 2}}

	truth := BruteForce(keys, vecs, []float32{0, 0}, 2, distance.Euclidean)
	require.Len(t, truth, 2)
	assert.Equal(t, "v-000000", truth[0].Key)
	assert.Equal(t, "v-000001", truth[1].Key)

	assert.Equal(t, 1.0, ComputeRecall(truth, []string{"v-000001", "v-000000"}))
	assert.Equal(t, 0.5, ComputeRecall(truth, []string{"v-000000", "v-000003"}))
	assert.Equal(t, 1.0, ComputeRecall(nil, nil))
	assert.Equal(t, 0.0, ComputeRecall(truth, nil))
}
