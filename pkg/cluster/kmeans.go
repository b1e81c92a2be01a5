package cluster

import (
	"math"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

const (
	// assignGrain is the minimum slice of vectors handed to one worker
	// during the assignment step.
	assignGrain = 1000

	// recomputeGrain is the minimum slice of clusters handed to one worker
	// during prototype recomputation.
	recomputeGrain = 2
)

// Config holds k-means parameters.
type Config struct {
	// K is the number of clusters to find.
	K int

	// MaxIters bounds the Lloyd iterations:
	//   -1 runs until convergence,
	//    0 only assigns after seeding,
	//   >0 performs at most that many iterations.
	MaxIters int

	// EnforceNumClusters reshuffles the data into K near-equal blocks when
	// fewer than K clusters end up non-empty. Node splits rely on this to
	// guarantee a binary split produces two children.
	EnforceNumClusters bool

	// Workers is the number of parallel workers. Default: NumCPU.
	Workers int

	// Seed for reproducible seeding and reshuffles. If 0, uses current time.
	Seed int64
}

// Cluster groups the vectors assigned to one centroid.
type Cluster struct {
	Centroid *types.Vector
	Members  []*types.Vector
}

// Size returns the number of members.
func (c *Cluster) Size() int {
	return len(c.Members)
}

// KMeans is a fixed-iteration Lloyd's clusterer with random seeding,
// parallel assignment and parallel prototype recomputation.
type KMeans struct {
	cfg    Config
	rng    *rand.Rand
	seeder Seeder
	opt    Optimizer

	centroids []*types.Vector
	clusters  []*Cluster
	nearest   []int
	changed   atomic.Bool
	converged bool
	iterCount int
}

// New creates a clusterer with the given config.
func New(cfg Config) *KMeans {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	rng := rand.New(rand.NewSource(seed))
	return &KMeans{
		cfg:    cfg,
		rng:    rng,
		seeder: NewRandomSeeder(rng),
	}
}

// SetSeeder overrides the default random seeder.
func (km *KMeans) SetSeeder(s Seeder) {
	km.seeder = s
}

// SetK changes the cluster count for the next Run call.
func (km *KMeans) SetK(k int) {
	km.cfg.K = k
}

// Run clusters data into at most K groups and returns the non-empty
// clusters. data must be non-empty.
func (km *KMeans) Run(data []*types.Vector) []*Cluster {
	k := km.cfg.K
	if k > len(data) {
		k = len(data)
	}

	km.iterCount = 0
	km.centroids = km.seeder.Seed(data, k)
	km.clusters = make([]*Cluster, k)
	for i, c := range km.centroids {
		km.clusters[i] = &Cluster{Centroid: c}
	}
	km.nearest = make([]int, len(data))
	for i := range km.nearest {
		km.nearest[i] = -1
	}

	km.assign(data)
	if km.cfg.MaxIters == 0 {
		return km.finalize(data)
	}
	km.recompute()
	km.iterCount = 1
	if km.cfg.MaxIters == 1 {
		return km.finalize(data)
	}

	for {
		km.assign(data)
		km.recompute()
		km.iterCount++
		if km.converged {
			break
		}
		if km.cfg.MaxIters != -1 && km.iterCount >= km.cfg.MaxIters {
			break
		}
	}
	return km.finalize(data)
}

// Iterations returns the number of Lloyd iterations the last Run performed.
func (km *KMeans) Iterations() int {
	return km.iterCount
}

// Converged reports whether the last Run stopped because no assignment
// changed.
func (km *KMeans) Converged() bool {
	return km.converged
}

// RMSE returns the root-mean-squared error over all clusters of the last
// Run, using the reciprocal squared cosine distance.
func (km *KMeans) RMSE() float64 {
	var sse float64
	var objects int
	for _, c := range km.clusters {
		objects += len(c.Members)
		sse += km.opt.SumSquaredError(c.Centroid, c.Members)
	}
	if objects == 0 {
		return 0
	}
	return math.Sqrt(sse / float64(objects))
}

// assign moves every vector to its nearest centroid in parallel, then
// rebuilds cluster membership serially. Sets converged when nothing moved.
func (km *KMeans) assign(data []*types.Vector) {
	km.changed.Store(false)
	parallelFor(len(data), assignGrain, km.cfg.Workers, func(lo, hi int) {
		changed := false
		for i := lo; i < hi; i++ {
			n := km.opt.Nearest(data[i], km.centroids)
			if n.Index != km.nearest[i] {
				changed = true
			}
			km.nearest[i] = n.Index
		}
		if changed {
			km.changed.Store(true)
		}
	})
	km.converged = !km.changed.Load()

	for _, c := range km.clusters {
		c.Members = c.Members[:0]
	}
	for i, v := range data {
		c := km.clusters[km.nearest[i]]
		c.Members = append(c.Members, v)
	}
}

// recompute refreshes every non-empty cluster's prototype in parallel.
func (km *KMeans) recompute() {
	parallelFor(len(km.clusters), recomputeGrain, km.cfg.Workers, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			c := km.clusters[i]
			if len(c.Members) > 0 {
				km.opt.UpdatePrototype(c.Centroid, c.Members, nil)
			}
		}
	})
}

// finalize collects the non-empty clusters, reshuffling first if the caller
// demanded exactly K of them and some came up empty.
func (km *KMeans) finalize(data []*types.Vector) []*Cluster {
	final, empty := km.nonEmpty()
	if empty && km.cfg.EnforceNumClusters && len(data) >= len(km.clusters) {
		km.reshuffle(data)
		final, _ = km.nonEmpty()
	}
	return final
}

func (km *KMeans) nonEmpty() ([]*Cluster, bool) {
	final := make([]*Cluster, 0, len(km.clusters))
	empty := false
	for _, c := range km.clusters {
		if len(c.Members) > 0 {
			final = append(final, c)
		} else {
			empty = true
		}
	}
	return final, empty
}

// reshuffle splits a shuffled copy of the data into K contiguous blocks
// whose sizes differ by at most one, recomputes the prototypes from those
// forced memberships, and reassigns by similarity. If that reassignment
// leaves a cluster empty, the forced block memberships are kept instead, so
// every cluster ends up non-empty.
func (km *KMeans) reshuffle(data []*types.Vector) {
	shuffled := append([]*types.Vector(nil), data...)
	km.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	k := len(km.clusters)
	n := len(shuffled)
	forced := make([][]*types.Vector, k)
	for ci, c := range km.clusters {
		forced[ci] = shuffled[ci*n/k : (ci+1)*n/k]
		c.Members = append(c.Members[:0], forced[ci]...)
	}

	km.recompute()
	km.assign(data)
	if _, empty := km.nonEmpty(); empty {
		for ci, c := range km.clusters {
			c.Members = forced[ci]
		}
	}
}
