package cluster

import (
	"math/rand"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

// Seeder picks the initial centroids for a k-means run.
type Seeder interface {
	// Seed returns k freshly allocated centroids drawn from data.
	// Callers must ensure len(data) >= k.
	Seed(data []*types.Vector, k int) []*types.Vector
}

// RandomSeeder samples k distinct vectors without replacement and copies
// them, so k-means can mutate the centroids freely.
type RandomSeeder struct {
	rng *rand.Rand
}

// NewRandomSeeder creates a seeder backed by the given source.
func NewRandomSeeder(rng *rand.Rand) *RandomSeeder {
	return &RandomSeeder{rng: rng}
}

// Seed implements Seeder.
func (s *RandomSeeder) Seed(data []*types.Vector, k int) []*types.Vector {
	perm := s.rng.Perm(len(data))
	centroids := make([]*types.Vector, k)
	for i := 0; i < k; i++ {
		centroids[i] = data[perm[i]].Clone()
	}
	return centroids
}
