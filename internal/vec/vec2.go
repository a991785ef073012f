package vec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Vec2 представляет целочисленные координаты на плоскости XZ (координаты чанка или колонки)
type Vec2 struct {
	X, Z int
}

// Key возвращает канонический ключ чанка "{cx}_{cz}"
func (v Vec2) Key() string {
	return strconv.Itoa(v.X) + "_" + strconv.Itoa(v.Z)
}

// ParseKey разбирает ключ вида "{cx}_{cz}". Отрицательные координаты допустимы: "-1_-3".
func ParseKey(key string) (Vec2, error) {
	sep := strings.Index(key[min(1, len(key)):], "_")
	if sep < 0 {
		return Vec2{}, fmt.Errorf("некорректный ключ чанка %q", key)
	}
	sep += min(1, len(key))
	x, err := strconv.Atoi(key[:sep])
	if err != nil {
		return Vec2{}, fmt.Errorf("некорректный ключ чанка %q: %w", key, err)
	}
	z, err := strconv.Atoi(key[sep+1:])
	if err != nil {
		return Vec2{}, fmt.Errorf("некорректный ключ чанка %q: %w", key, err)
	}
	return Vec2{X: x, Z: z}, nil
}

// FloorDiv делит с округлением к минус бесконечности
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// FloorMod возвращает неотрицательный остаток от деления
func FloorMod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// ToChunkCoords преобразует мировые координаты колонки в координаты чанка
func (v Vec2) ToChunkCoords(chunkSize int) Vec2 {
	return Vec2{X: FloorDiv(v.X, chunkSize), Z: FloorDiv(v.Z, chunkSize)}
}

// LocalInChunk возвращает локальные координаты внутри чанка
func (v Vec2) LocalInChunk(chunkSize int) Vec2 {
	return Vec2{X: FloorMod(v.X, chunkSize), Z: FloorMod(v.Z, chunkSize)}
}

// Add складывает два вектора
func (v Vec2) Add(other Vec2) Vec2 {
	return Vec2{X: v.X + other.X, Z: v.Z + other.Z}
}

// Neighbors8 возвращает восемь соседних позиций (включая диагонали)
func (v Vec2) Neighbors8() [8]Vec2 {
	return [8]Vec2{
		{v.X - 1, v.Z - 1}, {v.X, v.Z - 1}, {v.X + 1, v.Z - 1},
		{v.X - 1, v.Z}, {v.X + 1, v.Z},
		{v.X - 1, v.Z + 1}, {v.X, v.Z + 1}, {v.X + 1, v.Z + 1},
	}
}

// DistanceTo вычисляет расстояние до другой точки
func (v Vec2) DistanceTo(other Vec2) float64 {
	dx := float64(v.X - other.X)
	dz := float64(v.Z - other.Z)
	return math.Sqrt(dx*dx + dz*dz)
}

// ChebyshevTo возвращает расстояние по максимуму осей (квадратный радиус)
func (v Vec2) ChebyshevTo(other Vec2) int {
	dx := v.X - other.X
	if dx < 0 {
		dx = -dx
	}
	dz := v.Z - other.Z
	if dz < 0 {
		dz = -dz
	}
	if dx > dz {
		return dx
	}
	return dz
}
