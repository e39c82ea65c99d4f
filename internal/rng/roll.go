// Package rng provides the deterministic string-seeded rolls that drive cache
// generation. The mapping is frozen: changing it reshuffles every spawned
// cache under every existing save.
package rng

import "fmt"

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// Roll maps a seed string to a value in [0,1). Pure and total: the same seed
// yields the same value across calls, goroutines and process restarts.
func Roll(seed string) float64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(seed); i++ {
		h ^= uint64(seed[i])
		h *= fnvPrime64
	}
	// Top 53 bits so the result is exactly representable.
	return float64(mix64(h)>>11) / (1 << 53)
}

// CellSeed is the spawn-roll seed for cell (i, j).
func CellSeed(i, j int) string {
	return fmt.Sprintf("%d,%d", i, j)
}

// CellTagSeed appends a decision tag so per-cell decisions draw distinct rolls.
func CellTagSeed(i, j int, tag string) string {
	return fmt.Sprintf("%d,%d,%s", i, j, tag)
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
