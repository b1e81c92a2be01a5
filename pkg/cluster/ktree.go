package cluster

import (
	"math"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

// splitResult carries the two halves of a node split back up the insertion
// path.
type splitResult struct {
	isSplit bool

	key1, key2     *types.Vector
	child1, child2 *Node[*types.Vector]
}

// KTree is a B-tree-like centroid tree built by online insertion. Vectors
// descend to the nearest leaf; overflowing nodes split with a 2-means that
// is forced to produce two non-empty halves. It is an alternative to TSVQ
// for building a centroid tree; the engine bootstraps with TSVQ.
type KTree struct {
	order     int
	root      *Node[*types.Vector]
	clusterer *KMeans
	opt       Optimizer

	added          int
	delayedUpdates bool
	updateDelay    int

	removed []*types.Vector
}

// NewKTree creates a tree of the given order. clustererMaxIters bounds the
// 2-means used for splits.
func NewKTree(order, clustererMaxIters int, seed int64) *KTree {
	return &KTree{
		order: order,
		root:  NewNode[*types.Vector](),
		clusterer: New(Config{
			K:                  2,
			MaxIters:           clustererMaxIters,
			EnforceNumClusters: true,
			Seed:               seed,
		}),
		updateDelay: 1000,
	}
}

// SetDelayedUpdates batches path prototype updates to every UpdateDelay
// insertions instead of every insertion.
func (t *KTree) SetDelayedUpdates(delayed bool) {
	t.delayedUpdates = delayed
}

// SetUpdateDelay sets the insertion interval for delayed updates.
func (t *KTree) SetUpdateDelay(delay int) {
	t.updateDelay = delay
}

// Root exposes the current root node.
func (t *KTree) Root() *Node[*types.Vector] {
	return t.root
}

// Add inserts a vector, splitting the root when a split propagates all the
// way up.
func (t *KTree) Add(v *types.Vector) {
	result := t.pushDown(t.root, v)
	if result.isSplit {
		root := NewNode[*types.Vector]()
		root.AddWithChild(result.key1, result.child1)
		root.AddWithChild(result.key2, result.child2)
		t.root = root
	}
	t.added++
}

// EMStep reroutes every stored vector through the current centroids, prunes
// emptied subtrees and re-means the internal levels bottom-up.
func (t *KTree) EMStep() {
	t.rearrange()
	for pruned := 1; pruned > 0; {
		pruned = t.Prune()
	}
	t.RebuildInternal()
}

// rearrange pulls all vectors out of the leaves and pushes them back down
// without prototype updates.
func (t *KTree) rearrange() {
	t.removeData(t.root)
	for _, v := range t.removed {
		t.pushDownNoUpdate(t.root, v)
	}
	t.removed = t.removed[:0]
}

// Prune removes empty children and returns how many were cut. Each child is
// checked before it is descended into, so a child emptied by its own
// pruning is removed by a later call; EMStep repeats Prune until none is cut.
func (t *KTree) Prune() int {
	return t.prune(t.root)
}

func (t *KTree) prune(n *Node[*types.Vector]) int {
	if n.IsLeaf() {
		return 0
	}
	pruned := 0
	for i, child := range n.Children() {
		if child.IsEmpty() {
			n.Remove(i)
			pruned++
		} else {
			pruned += t.prune(child)
		}
	}
	n.FinalizeRemovals()
	return pruned
}

// RebuildInternal re-means internal keys from their children, deepest
// internal level first.
func (t *KTree) RebuildInternal() {
	for depth := t.LevelCount() - 1; depth >= 1; depth-- {
		t.rebuildInternal(t.root, depth)
	}
}

func (t *KTree) rebuildInternal(n *Node[*types.Vector], depth int) {
	if n.IsLeaf() {
		return
	}
	if depth == 1 {
		for i, child := range n.Children() {
			t.updatePrototype(child, n.Key(i))
		}
		return
	}
	for _, child := range n.Children() {
		t.rebuildInternal(child, depth-1)
	}
}

// RMSE computes the tree-wide root-mean-squared error over stored vectors.
func (t *KTree) RMSE() float64 {
	sse := t.sumSquaredError(nil, t.root)
	size := t.ObjCount()
	if size == 0 {
		return 0
	}
	return math.Sqrt(sse / float64(size))
}

func (t *KTree) sumSquaredError(parentKey *types.Vector, child *Node[*types.Vector]) float64 {
	if child.IsLeaf() {
		return t.opt.SumSquaredError(parentKey, child.Keys())
	}
	var sse float64
	for i, c := range child.Children() {
		sse += t.sumSquaredError(child.Key(i), c)
	}
	return sse
}

// ObjCount returns the number of vectors stored in the leaves.
func (t *KTree) ObjCount() uint64 {
	return t.objCount(t.root)
}

func (t *KTree) objCount(n *Node[*types.Vector]) uint64 {
	if n.IsLeaf() {
		return uint64(n.Size())
	}
	var count uint64
	for _, child := range n.Children() {
		count += t.objCount(child)
	}
	return count
}

// LevelCount returns the number of levels, counting the leaf level.
func (t *KTree) LevelCount() int {
	return t.levelCount(t.root)
}

func (t *KTree) levelCount(n *Node[*types.Vector]) int {
	if n.IsLeaf() {
		return 1
	}
	return t.levelCount(n.Child(0)) + 1
}

// ClusterCount returns the number of non-empty leaves.
func (t *KTree) ClusterCount() int {
	return t.clusterCount(t.root)
}

func (t *KTree) clusterCount(n *Node[*types.Vector]) int {
	if n.IsLeaf() {
		if n.IsEmpty() {
			return 0
		}
		return 1
	}
	count := 0
	for _, child := range n.Children() {
		count += t.clusterCount(child)
	}
	return count
}

// ClusterCountAt counts the non-empty children at the given depth. Unlike
// the streaming tree's counter this skips empty children.
func (t *KTree) ClusterCountAt(depth int) int {
	return t.clusterCountAt(t.root, depth)
}

func (t *KTree) clusterCountAt(n *Node[*types.Vector], depth int) int {
	count := 0
	if depth == 1 {
		for _, child := range n.Children() {
			if !child.IsEmpty() {
				count++
			}
		}
		return count
	}
	for _, child := range n.Children() {
		count += t.clusterCountAt(child, depth-1)
	}
	return count
}

// EmptyClusterCount returns the number of empty leaves.
func (t *KTree) EmptyClusterCount() int {
	return t.emptyClusterCount(t.root)
}

func (t *KTree) emptyClusterCount(n *Node[*types.Vector]) int {
	if n.IsLeaf() {
		if n.IsEmpty() {
			return 1
		}
		return 0
	}
	count := 0
	for _, child := range n.Children() {
		count += t.emptyClusterCount(child)
	}
	return count
}

func (t *KTree) pushDownNoUpdate(n *Node[*types.Vector], v *types.Vector) {
	if n.IsLeaf() {
		n.Add(v)
		return
	}
	nearest := t.opt.Nearest(v, n.Keys())
	t.pushDownNoUpdate(n.Child(nearest.Index), v)
}

func (t *KTree) pushDown(n *Node[*types.Vector], v *types.Vector) splitResult {
	var result splitResult
	if n.IsLeaf() {
		if n.Size() >= t.order {
			return t.splitLeafNode(n, v)
		}
		n.Add(v)
		return result
	}

	nearest := t.opt.Nearest(v, n.Keys())
	result = t.pushDown(n.Child(nearest.Index), v)
	if result.isSplit {
		t.updatePrototype(result.child1, result.key1)
		t.updatePrototype(result.child2, result.key2)
		if n.Size() >= t.order {
			return t.splitInternalNode(n, result.child2, result.key2)
		}
		n.AddWithChild(result.key2, result.child2)
		result.isSplit = false
		return result
	}

	if !t.delayedUpdates || t.added%t.updateDelay == 0 {
		t.updatePrototype(n.Child(nearest.Index), n.Key(nearest.Index))
	}
	return result
}

// splitInternalNode performs a binary split of parent after its child
// split could not be absorbed.
func (t *KTree) splitInternalNode(parent *Node[*types.Vector], child *Node[*types.Vector], key *types.Vector) splitResult {
	node2 := NewNode[*types.Vector]()

	tempKeys := append([]*types.Vector(nil), parent.Keys()...)
	tempKeys = append(tempKeys, key)
	tempChildren := append([]*Node[*types.Vector](nil), parent.Children()...)
	tempChildren = append(tempChildren, child)

	childOf := make(map[*types.Vector]*Node[*types.Vector], len(tempKeys))
	for i, k := range tempKeys {
		childOf[k] = tempChildren[i]
	}

	parent.ClearKeysAndChildren()

	t.clusterer.SetK(2)
	clusters := t.clusterer.Run(tempKeys)

	for _, k := range clusters[0].Members {
		parent.AddWithChild(k, childOf[k])
	}
	for _, k := range clusters[1].Members {
		node2.AddWithChild(k, childOf[k])
	}

	return splitResult{
		isSplit: true,
		child1:  parent,
		child2:  node2,
		key1:    clusters[0].Centroid,
		key2:    clusters[1].Centroid,
	}
}

// splitLeafNode performs a binary split of an overflowing leaf plus the
// incoming vector.
func (t *KTree) splitLeafNode(child *Node[*types.Vector], v *types.Vector) splitResult {
	node2 := NewNode[*types.Vector]()

	tempKeys := append([]*types.Vector(nil), child.Keys()...)
	tempKeys = append(tempKeys, v)

	child.ClearKeysAndChildren()

	t.clusterer.SetK(2)
	clusters := t.clusterer.Run(tempKeys)

	for _, k := range clusters[0].Members {
		child.Add(k)
	}
	for _, k := range clusters[1].Members {
		node2.Add(k)
	}

	return splitResult{
		isSplit: true,
		child1:  child,
		child2:  node2,
		key1:    clusters[0].Centroid,
		key2:    clusters[1].Centroid,
	}
}

// updatePrototype re-means parentKey from child's keys, weighting internal
// keys by their subtree sizes.
func (t *KTree) updatePrototype(child *Node[*types.Vector], parentKey *types.Vector) {
	var weights []int
	if !child.IsLeaf() {
		weights = make([]int, 0, len(child.Children()))
		for _, c := range child.Children() {
			weights = append(weights, int(t.objCount(c)))
		}
	}
	t.opt.UpdatePrototype(parentKey, child.Keys(), weights)
}

func (t *KTree) removeData(n *Node[*types.Vector]) {
	if n.IsLeaf() {
		t.removed = append(t.removed, n.Keys()...)
		n.ClearKeysAndChildren()
		return
	}
	for _, child := range n.Children() {
		t.removeData(child)
	}
}
