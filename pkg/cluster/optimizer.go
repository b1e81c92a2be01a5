// Package cluster implements the clustering primitives behind the streaming
// EM-tree: m-ary nodes, the cosine optimizer, fixed-iteration k-means, the
// TSVQ bootstrap and the incremental K-tree.
package cluster

import (
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/vecmath"
)

// Nearest is the result of a nearest-prototype scan.
type Nearest struct {
	Index      int
	Similarity float64
}

// Optimizer bundles the similarity function and prototype update policy.
// The direction is fixed: cosine similarity is maximized and prototypes are
// component-wise means.
type Optimizer struct{}

// Similarity returns the cosine similarity between object and key.
func (Optimizer) Similarity(object, key *types.Vector) float64 {
	return vecmath.CosineSimilarity(object.Values, key.Values)
}

// SquaredDistance returns the reciprocal squared similarity used for SSE.
func (Optimizer) SquaredDistance(object, key *types.Vector) float64 {
	return vecmath.SquaredDistance(object.Values, key.Values)
}

// Nearest scans keys for the entry with the highest similarity to object.
// Ties are broken by the lowest index. keys must be non-empty.
func (o Optimizer) Nearest(object *types.Vector, keys []*types.Vector) Nearest {
	best := Nearest{Index: 0, Similarity: o.Similarity(object, keys[0])}
	for i := 1; i < len(keys); i++ {
		if sim := o.Similarity(object, keys[i]); sim > best.Similarity {
			best = Nearest{Index: i, Similarity: sim}
		}
	}
	return best
}

// SumSquaredError sums the squared distance from every member to key.
func (o Optimizer) SumSquaredError(key *types.Vector, members []*types.Vector) float64 {
	var sse float64
	for _, m := range members {
		sse += o.SquaredDistance(m, key)
	}
	return sse
}

// UpdatePrototype overwrites key with the weighted component-wise mean of
// members. A nil or empty weight slice means uniform weights. Empty members
// leave the key unchanged.
func (Optimizer) UpdatePrototype(key *types.Vector, members []*types.Vector, weights []int) {
	if len(members) == 0 {
		return
	}
	vecmath.Zero(key.Values)
	var total float64
	for i, m := range members {
		w := 1.0
		if len(weights) > 0 {
			w = float64(weights[i])
		}
		for j, val := range m.Values {
			key.Values[j] += w * val
		}
		total += w
	}
	if total > 0 {
		vecmath.Scale(key.Values, 1.0/total)
	}
}
