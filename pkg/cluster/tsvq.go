package cluster

import (
	"math/rand"
	"time"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

// TSVQ builds an m-ary centroid tree of exact depth by running k-means
// recursively top-down. Level Depth nodes are leaves holding the member
// vectors themselves as keys; the streaming tree discards that level when
// it copies the bootstrap.
type TSVQ struct {
	m        int
	depth    int
	maxIters int
	workers  int
	rng      *rand.Rand
}

// NewTSVQ creates a quantizer of branching factor m and depth levels.
// A seed of 0 uses the current time.
func NewTSVQ(m, depth, maxIters, workers int, seed int64) *TSVQ {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &TSVQ{
		m:        m,
		depth:    depth,
		maxIters: maxIters,
		workers:  workers,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Cluster builds the tree over data. The root is level 1; leaves sit at
// level Depth. Empty k-means clusters are not recursed into.
func (t *TSVQ) Cluster(data []*types.Vector) *Node[*types.Vector] {
	return t.build(data, 1)
}

func (t *TSVQ) build(data []*types.Vector, level int) *Node[*types.Vector] {
	node := NewNode[*types.Vector]()
	if level >= t.depth {
		for _, v := range data {
			node.Add(v)
		}
		return node
	}

	km := New(Config{
		K:        t.m,
		MaxIters: t.maxIters,
		Workers:  t.workers,
		Seed:     t.rng.Int63(),
	})
	for _, c := range km.Run(data) {
		child := t.build(c.Members, level+1)
		node.AddWithChild(c.Centroid, child)
	}
	return node
}
