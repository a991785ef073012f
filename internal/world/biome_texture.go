package world

import (
	"image"
	"image/color"

	"github.com/annel0/voxel-terrain/internal/vec"
)

// Имена параметров материала
const (
	BiomeMapParam       = "biome_map"
	BiomeMapCenterParam = "biome_map_center"
	BiomeMapSpanParam   = "biome_map_world_size"
)

// Material получатель параметров шейдера
type Material interface {
	SetShaderParameter(name string, value any)
}

// BiomeTextureCache держит текстуру смешивания биомов вокруг игрока.
// R - основной биом, G - вторичный, B - вес основного (0..255).
// Текстура перегенерируется, когда игрок отходит от центра дальше порога.
type BiomeTextureCache struct {
	sampler   Sampler
	material  Material
	size      int
	span      float64
	threshold float64

	texture *image.RGBA
	center  vec.Vec2Float
	regens  int
}

// NewBiomeTextureCache создаёт кэш. material может быть nil.
func NewBiomeTextureCache(sampler Sampler, material Material, size int, span, threshold float64) *BiomeTextureCache {
	if size <= 0 {
		size = 64
	}
	if span <= 0 {
		span = 256
	}
	return &BiomeTextureCache{
		sampler:   sampler,
		material:  material,
		size:      size,
		span:      span,
		threshold: threshold,
	}
}

// Update перегенерирует текстуру, если позиция ушла от центра дальше порога
// (или текстуры ещё нет). Возвращает true при перегенерации.
func (b *BiomeTextureCache) Update(pos vec.Vec2Float) bool {
	if b.texture != nil && pos.DistanceTo(b.center) <= b.threshold {
		return false
	}
	b.regenerate(pos)
	return true
}

func (b *BiomeTextureCache) regenerate(center vec.Vec2Float) {
	img := image.NewRGBA(image.Rect(0, 0, b.size, b.size))
	texel := b.span / float64(b.size)
	originX := center.X - b.span/2
	originZ := center.Z - b.span/2

	for j := 0; j < b.size; j++ {
		for i := 0; i < b.size; i++ {
			wx := originX + (float64(i)+0.5)*texel
			wz := originZ + (float64(j)+0.5)*texel
			img.SetRGBA(i, j, encodeBlend(b.sampler.BlendWeightsAt(wx, wz)))
		}
	}

	b.texture = img
	b.center = center
	b.regens++

	if b.material != nil {
		b.material.SetShaderParameter(BiomeMapParam, img)
		b.material.SetShaderParameter(BiomeMapCenterParam, center)
		b.material.SetShaderParameter(BiomeMapSpanParam, b.span)
	}
}

func encodeBlend(weights []BiomeWeight) color.RGBA {
	if len(weights) == 0 {
		return color.RGBA{A: 255}
	}
	primary := weights[0]
	secondary := primary
	if len(weights) > 1 {
		secondary = weights[1]
	}
	w := primary.Weight
	if w > 1 {
		w = 1
	}
	return color.RGBA{
		R: uint8(primary.Biome),
		G: uint8(secondary.Biome),
		B: uint8(w*255 + 0.5),
		A: 255,
	}
}

// Texture текущая текстура (nil до первого Update)
func (b *BiomeTextureCache) Texture() *image.RGBA {
	return b.texture
}

// Center центр текущей текстуры в мировых координатах
func (b *BiomeTextureCache) Center() vec.Vec2Float {
	return b.center
}

// Span размер окна текстуры в мировых единицах
func (b *BiomeTextureCache) Span() float64 {
	return b.span
}

// Regenerations количество перегенераций
func (b *BiomeTextureCache) Regenerations() int {
	return b.regens
}
