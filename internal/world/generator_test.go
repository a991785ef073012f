package world

import (
	"testing"

	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/stretchr/testify/assert"
)

func TestPerlinSamplerDeterministic(t *testing.T) {
	a := NewPerlinSampler(12345)
	b := NewPerlinSampler(12345)

	for _, p := range [][2]float64{{0, 0}, {13.5, -7}, {1024, 2048}} {
		assert.Equal(t, a.HeightAt(p[0], p[1]), b.HeightAt(p[0], p[1]))
		assert.Equal(t, a.BiomeAt(p[0], p[1]), b.BiomeAt(p[0], p[1]))
		assert.Equal(t, a.BlendWeightsAt(p[0], p[1]), b.BlendWeightsAt(p[0], p[1]))
	}
}

func TestPerlinSamplerHeightRange(t *testing.T) {
	s := NewPerlinSampler(99)
	for x := -100.0; x < 100; x += 7.3 {
		h := s.HeightAt(x, x*0.5)
		assert.GreaterOrEqual(t, h, s.BaseHeight)
		assert.LessOrEqual(t, h, s.BaseHeight+s.Amplitude)
	}
}

func TestBlendWeightsSortedAndNormalized(t *testing.T) {
	s := NewPerlinSampler(3)
	for x := 0.0; x < 500; x += 37 {
		weights := s.BlendWeightsAt(x, -x)
		sum := 0.0
		for i, w := range weights {
			sum += w.Weight
			if i > 0 {
				assert.GreaterOrEqual(t, weights[i-1].Weight, w.Weight)
			}
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
		assert.Equal(t, s.BiomeAt(x, -x), weights[0].Biome, "биом точки имеет наибольший вес")
	}
}

func TestClassifyBiome(t *testing.T) {
	assert.Equal(t, BiomeDeepWater, classifyBiome(0.1, 0.5))
	assert.Equal(t, BiomeWater, classifyBiome(0.25, 0.5))
	assert.Equal(t, BiomeMountains, classifyBiome(0.9, 0.5))
	assert.Equal(t, BiomeDesert, classifyBiome(0.5, 0.1))
	assert.Equal(t, BiomeForest, classifyBiome(0.5, 0.9))
	assert.Equal(t, BiomePlains, classifyBiome(0.5, 0.5))
	assert.Equal(t, "deep_water", BiomeDeepWater.String())
}

func TestGenerateChunkExtrudesColumns(t *testing.T) {
	c := GenerateChunk(flatSampler{height: 4.25}, vec.Vec2{X: 1, Z: 1}, 8, 16)
	assert.Equal(t, float32(1), c.Density(0, 3, 0))
	assert.Equal(t, float32(0.25), c.Density(7, 4, 7))
	assert.Zero(t, c.Density(7, 5, 7))
	assert.Equal(t, 8*8*4, c.SolidCells(DefaultMaterialThreshold))
	assert.False(t, c.IsModified())
}
