// Package emtree implements the streaming EM-tree: an m-ary centroid tree
// that never stores data vectors. Leaf keys carry accumulators so that one
// pass over the stream is enough to re-mean every centroid; internal keys
// derive their means from the leaves below them.
package emtree

import (
	"fmt"
	"math"
	"sync"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/cluster"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/vecmath"
)

// AccumulatorKey augments a centroid with the running statistics of the
// objects routed to it since the last ClearAccumulators. The accumulator
// vector and mutex exist at leaf level only; internal keys aggregate from
// their descendants.
type AccumulatorKey struct {
	Key *types.Vector

	sumSquaredError float64
	accumulator     []float64
	count           uint64
	mu              *sync.Mutex
}

// Count returns the number of objects routed to this key since the last
// clear. Only meaningful at leaf level.
func (ak *AccumulatorKey) Count() uint64 {
	return ak.count
}

// SumSquaredError returns the accumulated squared distance of routed
// objects to the key. Only meaningful at leaf level.
func (ak *AccumulatorKey) SumSquaredError() float64 {
	return ak.sumSquaredError
}

// Accumulator exposes the component-wise sum of routed objects; nil on
// internal keys.
func (ak *AccumulatorKey) Accumulator() []float64 {
	return ak.accumulator
}

// StreamingEMTree routes vectors from a stream to their nearest leaf
// centroid under fine-grained locking, then flattens the accumulated sums
// into new centroids in a single Update pass.
type StreamingEMTree struct {
	root *cluster.Node[*AccumulatorKey]
	opt  cluster.Optimizer
	dims int

	// lastRMSE and converged are a notepad for the driver's convergence
	// check; the tree itself never reads them.
	lastRMSE  float64
	converged bool

	// readSize is how many vectors to pull from a stream at once.
	readSize int

	// maxTokens caps the number of readSize chunks in flight.
	maxTokens int

	// workers is the size of the insert worker pool.
	workers int
}

// New deep-copies a bootstrap tree into a streaming tree. The bootstrap's
// leaf level (which holds raw vectors) is discarded; the level above it
// becomes the streaming tree's leaves and gets accumulators and mutexes.
func New(bootstrap *cluster.Node[*types.Vector]) (*StreamingEMTree, error) {
	if bootstrap == nil || bootstrap.IsEmpty() {
		return nil, fmt.Errorf("streaming EM-tree requires a non-empty bootstrap tree")
	}

	t := &StreamingEMTree{
		root:      cluster.NewNode[*AccumulatorKey](),
		dims:      bootstrap.Key(0).Dimension(),
		readSize:  defaultReadSize,
		maxTokens: defaultMaxTokens,
	}
	t.deepCopy(bootstrap, t.root)
	if t.root.IsEmpty() {
		return nil, fmt.Errorf("bootstrap tree has no internal level to copy")
	}
	return t, nil
}

func (t *StreamingEMTree) deepCopy(src *cluster.Node[*types.Vector], dst *cluster.Node[*AccumulatorKey]) {
	for i := 0; i < src.Size(); i++ {
		key := src.Key(i)
		child := src.Child(i)
		if child == nil {
			// Bootstrap leaf entry; its keys are data vectors and are
			// dropped along with the level.
			continue
		}
		ak := &AccumulatorKey{Key: key.Clone()}
		if child.IsLeaf() {
			ak.accumulator = make([]float64, t.dims)
			ak.mu = &sync.Mutex{}
			dst.Add(ak)
		} else {
			newChild := cluster.NewNode[*AccumulatorKey]()
			t.deepCopy(child, newChild)
			dst.AddWithChild(ak, newChild)
		}
	}
}

// Clone deep-copies the tree: keys, accumulator state and structure. The
// copy gets fresh mutexes and shares nothing with the original.
func (t *StreamingEMTree) Clone() *StreamingEMTree {
	clone := &StreamingEMTree{
		root:      cluster.NewNode[*AccumulatorKey](),
		dims:      t.dims,
		lastRMSE:  t.lastRMSE,
		converged: t.converged,
		readSize:  t.readSize,
		maxTokens: t.maxTokens,
		workers:   t.workers,
	}
	cloneNode(t.root, clone.root)
	return clone
}

func cloneNode(src, dst *cluster.Node[*AccumulatorKey]) {
	for i := 0; i < src.Size(); i++ {
		ak := src.Key(i)
		copied := &AccumulatorKey{
			Key:             ak.Key.Clone(),
			sumSquaredError: ak.sumSquaredError,
			count:           ak.count,
		}
		if ak.accumulator != nil {
			copied.accumulator = make([]float64, len(ak.accumulator))
			copy(copied.accumulator, ak.accumulator)
			copied.mu = &sync.Mutex{}
		}
		if child := src.Child(i); child != nil {
			newChild := cluster.NewNode[*AccumulatorKey]()
			cloneNode(child, newChild)
			dst.AddWithChild(copied, newChild)
		} else {
			dst.Add(copied)
		}
	}
}

// SetWorkers sets the insert worker pool size; <= 0 means NumCPU.
func (t *StreamingEMTree) SetWorkers(n int) {
	t.workers = n
}

// Dimension returns the tree's vector dimensionality.
func (t *StreamingEMTree) Dimension() int {
	return t.dims
}

// Root exposes the root node for traversal by visitors and tests.
func (t *StreamingEMTree) Root() *cluster.Node[*AccumulatorKey] {
	return t.root
}

// nearestKey scans a node's keys for the highest cosine similarity to
// object. Ties break to the lowest index.
func (t *StreamingEMTree) nearestKey(object *types.Vector, node *cluster.Node[*AccumulatorKey]) (int, *AccumulatorKey, float64) {
	keys := node.Keys()
	bestIdx := 0
	bestSim := t.opt.Similarity(object, keys[0].Key)
	for i := 1; i < len(keys); i++ {
		if sim := t.opt.Similarity(object, keys[i].Key); sim > bestSim {
			bestIdx, bestSim = i, sim
		}
	}
	return bestIdx, keys[bestIdx], bestSim
}

// InsertBatch routes every vector in data to its nearest leaf. Safe to call
// from many goroutines at once; leaf statistics are mutex-protected.
func (t *StreamingEMTree) InsertBatch(data []*types.Vector) {
	for _, object := range data {
		t.insertOne(t.root, object)
	}
}

func (t *StreamingEMTree) insertOne(node *cluster.Node[*AccumulatorKey], object *types.Vector) {
	if object.Dimension() != t.dims {
		panic(fmt.Sprintf("emtree: vector %q has %d dimensions, tree has %d",
			object.ID, object.Dimension(), t.dims))
	}
	for {
		idx, ak, _ := t.nearestKey(object, node)
		if node.IsLeaf() {
			ak.mu.Lock()
			ak.sumSquaredError += t.opt.SquaredDistance(object, ak.Key)
			vecmath.AddInto(ak.accumulator, object.Values)
			ak.count++
			ak.mu.Unlock()
			return
		}
		node = node.Child(idx)
	}
}

// VisitBatch routes every vector like InsertBatch but only updates the SSE
// and count at the leaf, leaving accumulators untouched, and reports every
// level of the descent to the visitor.
func (t *StreamingEMTree) VisitBatch(data []*types.Vector, visitor InsertVisitor) {
	for _, object := range data {
		t.visitOne(t.root, object, visitor, 1)
	}
}

func (t *StreamingEMTree) visitOne(node *cluster.Node[*AccumulatorKey], object *types.Vector, visitor InsertVisitor, level int) {
	if object.Dimension() != t.dims {
		panic(fmt.Sprintf("emtree: vector %q has %d dimensions, tree has %d",
			object.ID, object.Dimension(), t.dims))
	}
	idx, ak, sim := t.nearestKey(object, node)
	visitor.AcceptObject(level, object, ak.Key, sim)
	if node.IsLeaf() {
		ak.mu.Lock()
		ak.sumSquaredError += t.opt.SquaredDistance(object, ak.Key)
		ak.count++
		ak.mu.Unlock()
		return
	}
	t.visitOne(node.Child(idx), object, visitor, level+1)
}

// VisitClusters walks the tree depth-first, parent before children, handing
// the visitor each key with its subtree RMSE and object count.
func (t *StreamingEMTree) VisitClusters(visitor ClusterVisitor) {
	t.visitClusters(nil, t.root, visitor, 1)
}

func (t *StreamingEMTree) visitClusters(parentKey *types.Vector, node *cluster.Node[*AccumulatorKey], visitor ClusterVisitor, level int) {
	for i := 0; i < node.Size(); i++ {
		ak := node.Key(i)
		count := t.entryObjCount(node, i)
		sse := t.entrySSE(node, i)
		rmse := math.Sqrt(sse / float64(count))
		visitor.AcceptCluster(level, parentKey, ak.Key, rmse, count)
		if !node.IsLeaf() {
			t.visitClusters(ak.Key, node.Child(i), visitor, level+1)
		}
	}
}

// Prune removes every subtree (and leaf key) whose object count is zero.
// Leaves are never collapsed into their parents, so uniform depth is
// preserved. Returns the number of removals.
func (t *StreamingEMTree) Prune() int {
	return t.prune(t.root)
}

func (t *StreamingEMTree) prune(node *cluster.Node[*AccumulatorKey]) int {
	pruned := 0
	for i := 0; i < node.Size(); i++ {
		if t.entryObjCount(node, i) == 0 {
			node.Remove(i)
			pruned++
		} else if !node.IsLeaf() {
			pruned += t.prune(node.Child(i))
		}
	}
	node.FinalizeRemovals()
	return pruned
}

// Update flattens the accumulators into new centroids: leaf keys become
// accumulator/count, internal keys the mean over all leaf accumulators in
// their subtree. Keys with no routed objects are left unchanged.
func (t *StreamingEMTree) Update() {
	t.update(t.root)
}

func (t *StreamingEMTree) update(node *cluster.Node[*AccumulatorKey]) {
	if node.IsLeaf() {
		for _, ak := range node.Keys() {
			updatePrototypeFromAccumulator(ak.Key, ak.accumulator, ak.count)
		}
		return
	}
	total := make([]float64, t.dims)
	for i := 0; i < node.Size(); i++ {
		ak := node.Key(i)
		vecmath.Zero(total)
		var totalCount uint64
		t.gatherAccumulators(node.Child(i), total, &totalCount)
		updatePrototypeFromAccumulator(ak.Key, total, totalCount)
	}
	for _, child := range node.Children() {
		t.update(child)
	}
}

func (t *StreamingEMTree) gatherAccumulators(node *cluster.Node[*AccumulatorKey], total []float64, totalCount *uint64) {
	if node.IsLeaf() {
		for _, ak := range node.Keys() {
			vecmath.AddInto(total, ak.accumulator)
			*totalCount += ak.count
		}
		return
	}
	for _, child := range node.Children() {
		t.gatherAccumulators(child, total, totalCount)
	}
}

func updatePrototypeFromAccumulator(key *types.Vector, accumulator []float64, count uint64) {
	if count == 0 {
		return
	}
	inv := 1.0 / float64(count)
	for i := range key.Values {
		key.Values[i] = accumulator[i] * inv
	}
}

// ClearAccumulators zeroes every leaf's statistics. Internal keys hold no
// accumulator state.
func (t *StreamingEMTree) ClearAccumulators() {
	t.clearAccumulators(t.root)
}

func (t *StreamingEMTree) clearAccumulators(node *cluster.Node[*AccumulatorKey]) {
	if node.IsLeaf() {
		for _, ak := range node.Keys() {
			ak.sumSquaredError = 0
			vecmath.Zero(ak.accumulator)
			ak.count = 0
		}
		return
	}
	for _, child := range node.Children() {
		t.clearAccumulators(child)
	}
}

// RMSE aggregates the leaf SSE accumulated by the preceding insert pass.
// Call before ClearAccumulators.
func (t *StreamingEMTree) RMSE() float64 {
	size := t.ObjCount()
	if size == 0 {
		return 0
	}
	return math.Sqrt(t.subtreeSSE(t.root) / float64(size))
}

// ObjCount returns the number of objects routed since the last clear.
func (t *StreamingEMTree) ObjCount() uint64 {
	return t.subtreeObjCount(t.root)
}

// MaxLevelCount returns the depth of the tree in levels.
func (t *StreamingEMTree) MaxLevelCount() int {
	return t.maxLevelCount(t.root)
}

func (t *StreamingEMTree) maxLevelCount(node *cluster.Node[*AccumulatorKey]) int {
	if node.IsLeaf() {
		return 1
	}
	maxCount := 0
	for _, child := range node.Children() {
		if c := t.maxLevelCount(child); c > maxCount {
			maxCount = c
		}
	}
	return maxCount + 1
}

// ClusterCount returns the total number of keys at the given depth, root
// children being depth 1. Empty clusters count too; prune first if that
// matters.
func (t *StreamingEMTree) ClusterCount(depth int) int {
	return t.clusterCount(t.root, depth)
}

func (t *StreamingEMTree) clusterCount(node *cluster.Node[*AccumulatorKey], depth int) int {
	if depth == 1 {
		return node.Size()
	}
	count := 0
	for _, child := range node.Children() {
		if child != nil {
			count += t.clusterCount(child, depth-1)
		}
	}
	return count
}

// entryObjCount is the object count of entry i's subtree (or the leaf key
// itself).
func (t *StreamingEMTree) entryObjCount(node *cluster.Node[*AccumulatorKey], i int) uint64 {
	if node.IsLeaf() {
		return node.Key(i).count
	}
	return t.subtreeObjCount(node.Child(i))
}

func (t *StreamingEMTree) subtreeObjCount(node *cluster.Node[*AccumulatorKey]) uint64 {
	if node.IsLeaf() {
		var count uint64
		for _, ak := range node.Keys() {
			count += ak.count
		}
		return count
	}
	var count uint64
	for _, child := range node.Children() {
		count += t.subtreeObjCount(child)
	}
	return count
}

// entrySSE is the accumulated SSE of entry i's subtree.
func (t *StreamingEMTree) entrySSE(node *cluster.Node[*AccumulatorKey], i int) float64 {
	if node.IsLeaf() {
		return node.Key(i).sumSquaredError
	}
	return t.subtreeSSE(node.Child(i))
}

func (t *StreamingEMTree) subtreeSSE(node *cluster.Node[*AccumulatorKey]) float64 {
	var sse float64
	if node.IsLeaf() {
		for _, ak := range node.Keys() {
			sse += ak.sumSquaredError
		}
		return sse
	}
	for _, child := range node.Children() {
		sse += t.subtreeSSE(child)
	}
	return sse
}

// LastRMSE returns the driver's recorded RMSE from the previous iteration.
func (t *StreamingEMTree) LastRMSE() float64 {
	return t.lastRMSE
}

// SetLastRMSE records the RMSE of the iteration that just finished.
func (t *StreamingEMTree) SetLastRMSE(rmse float64) {
	t.lastRMSE = rmse
}

// Converged returns the driver's recorded convergence flag.
func (t *StreamingEMTree) Converged() bool {
	return t.converged
}

// SetConverged records the driver's convergence decision.
func (t *StreamingEMTree) SetConverged(converged bool) {
	t.converged = converged
}
