package world

// Biome классификация поверхности
type Biome int

const (
	BiomePlains Biome = iota
	BiomeDesert
	BiomeForest
	BiomeMountains
	BiomeWater
	BiomeDeepWater
)

// BiomeCount количество биомов
const BiomeCount = 6

// String возвращает имя биома
func (b Biome) String() string {
	switch b {
	case BiomePlains:
		return "plains"
	case BiomeDesert:
		return "desert"
	case BiomeForest:
		return "forest"
	case BiomeMountains:
		return "mountains"
	case BiomeWater:
		return "water"
	case BiomeDeepWater:
		return "deep_water"
	default:
		return "unknown"
	}
}

// BiomeWeight вес биома в точке смешивания
type BiomeWeight struct {
	Biome  Biome
	Weight float64
}

// Sampler источник высоты и биомов. Должен быть детерминированной чистой
// функцией мировой позиции: один сид даёт один и тот же мир.
type Sampler interface {
	// HeightAt высота поверхности в вокселях
	HeightAt(x, z float64) float64
	BiomeAt(x, z float64) Biome
	// BlendWeightsAt веса биомов по убыванию, сумма равна 1
	BlendWeightsAt(x, z float64) []BiomeWeight
}
