package world

import (
	"sort"

	"github.com/annel0/voxel-terrain/internal/vec"
	"github.com/aquilax/go-perlin"
)

// Пороги нормализованной высоты для классификации биомов
const (
	DeepWaterMax    = 0.20 // Ниже - глубинная вода
	ShallowWaterMax = 0.30 // Ниже - мелководье
	MountainStart   = 0.80 // Выше - горы
)

// Пороги шума биомов для средних высот
const (
	DesertMax = 0.35
	ForestMin = 0.65
)

// blendRadius расстояние выборки соседей при смешивании биомов
const blendRadius = 8.0

// PerlinSampler генерирует высоту и биомы шумом Перлина
type PerlinSampler struct {
	Seed       int64
	BaseHeight float64 // Высота при нулевом шуме
	Amplitude  float64 // Размах высоты
	NoiseScale float64 // Масштаб основного шума (высота)
	BiomeScale float64 // Масштаб шума биомов

	heightNoise *perlin.Perlin
	biomeNoise  *perlin.Perlin
}

// NewPerlinSampler создаёт сэмплер с параметрами по умолчанию
func NewPerlinSampler(seed int64) *PerlinSampler {
	return NewPerlinSamplerWith(seed, 20, 24, 0.05, 0.02)
}

// NewPerlinSamplerWith создаёт сэмплер с заданными параметрами
func NewPerlinSamplerWith(seed int64, baseHeight, amplitude, noiseScale, biomeScale float64) *PerlinSampler {
	alpha := 2.0  // Сглаживание шума
	beta := 2.0   // Частота шума
	n := int32(3) // Количество октав

	return &PerlinSampler{
		Seed:        seed,
		BaseHeight:  baseHeight,
		Amplitude:   amplitude,
		NoiseScale:  noiseScale,
		BiomeScale:  biomeScale,
		heightNoise: perlin.NewPerlin(alpha, beta, n, seed),
		biomeNoise:  perlin.NewPerlin(alpha, beta, n, seed+42),
	}
}

func normalize(noise float64) float64 {
	v := (noise + 1.0) / 2.0
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *PerlinSampler) rawHeight(x, z float64) float64 {
	return normalize(s.heightNoise.Noise2D(x*s.NoiseScale, z*s.NoiseScale))
}

func (s *PerlinSampler) rawBiome(x, z float64) float64 {
	return normalize(s.biomeNoise.Noise2D(x*s.BiomeScale, z*s.BiomeScale))
}

// HeightAt реализует Sampler
func (s *PerlinSampler) HeightAt(x, z float64) float64 {
	return s.BaseHeight + s.Amplitude*s.rawHeight(x, z)
}

// BiomeAt реализует Sampler
func (s *PerlinSampler) BiomeAt(x, z float64) Biome {
	return classifyBiome(s.rawHeight(x, z), s.rawBiome(x, z))
}

// BlendWeightsAt смешивает биом точки (вес 5) с биомами четырёх соседних выборок,
// так что биом самой точки всегда основной
func (s *PerlinSampler) BlendWeightsAt(x, z float64) []BiomeWeight {
	var acc [BiomeCount]float64
	acc[s.BiomeAt(x, z)] += 5
	acc[s.BiomeAt(x+blendRadius, z)]++
	acc[s.BiomeAt(x-blendRadius, z)]++
	acc[s.BiomeAt(x, z+blendRadius)]++
	acc[s.BiomeAt(x, z-blendRadius)]++

	return weightsFromCounts(acc[:], 9)
}

func weightsFromCounts(acc []float64, total float64) []BiomeWeight {
	weights := make([]BiomeWeight, 0, 2)
	for b, w := range acc {
		if w > 0 {
			weights = append(weights, BiomeWeight{Biome: Biome(b), Weight: w / total})
		}
	}
	sort.SliceStable(weights, func(i, j int) bool {
		return weights[i].Weight > weights[j].Weight
	})
	return weights
}

// classifyBiome определяет тип биома на основе значений шума
func classifyBiome(height, biomeValue float64) Biome {
	// Водные биомы в низинах
	if height < DeepWaterMax {
		return BiomeDeepWater
	}
	if height < ShallowWaterMax {
		return BiomeWater
	}

	// Горные биомы на возвышенностях
	if height > MountainStart {
		return BiomeMountains
	}

	// Для средних высот выбираем биом на основе biomeValue
	if biomeValue < DesertMax {
		return BiomeDesert
	} else if biomeValue > ForestMin {
		return BiomeForest
	}

	return BiomePlains
}

// GenerateChunk строит поле плотности из сэмплера: одна выборка высоты на колонку,
// плотность ячейки y равна clamp(h - y, 0, 1).
func GenerateChunk(sampler Sampler, coords vec.Vec2, size, height int) *Chunk {
	chunk := NewChunk(coords, size, height)

	startX := coords.X * size
	startZ := coords.Z * size

	for z := 0; z < size; z++ {
		for x := 0; x < size; x++ {
			h := sampler.HeightAt(float64(startX+x), float64(startZ+z))
			for y := 0; y < height; y++ {
				d := h - float64(y)
				if d <= 0 {
					break
				}
				chunk.SetDensity(x, y, z, float32(d))
			}
		}
	}

	return chunk
}
