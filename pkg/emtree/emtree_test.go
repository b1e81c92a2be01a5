package emtree

import (
	"math"
	"testing"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/cluster"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/vecmath"
)

func vec(vals ...float64) *types.Vector {
	return types.FromValues("", vals)
}

func namedVec(id string, vals ...float64) *types.Vector {
	return types.FromValues(id, vals)
}

// bootstrapFlat builds a bootstrap whose internal level has the given keys,
// each over an (empty) bootstrap leaf. The streaming tree copied from it is
// a single leaf node holding those keys.
func bootstrapFlat(keys ...*types.Vector) *cluster.Node[*types.Vector] {
	root := cluster.NewNode[*types.Vector]()
	for _, k := range keys {
		root.AddWithChild(k, cluster.NewNode[*types.Vector]())
	}
	return root
}

// bootstrapTwoLevel builds a bootstrap with a top level and a mid level, so
// the streaming tree gets two levels: internal keys over leaf nodes.
func bootstrapTwoLevel(groups map[*types.Vector][]*types.Vector) *cluster.Node[*types.Vector] {
	root := cluster.NewNode[*types.Vector]()
	for top, leaves := range groups {
		mid := cluster.NewNode[*types.Vector]()
		for _, k := range leaves {
			mid.AddWithChild(k, cluster.NewNode[*types.Vector]())
		}
		root.AddWithChild(top, mid)
	}
	return root
}

func leafKeys(t *StreamingEMTree) []*AccumulatorKey {
	var keys []*AccumulatorKey
	var walk func(n *accumulatorNode)
	walk = func(n *accumulatorNode) {
		if n.IsLeaf() {
			keys = append(keys, n.Keys()...)
			return
		}
		for _, child := range n.Children() {
			walk(child)
		}
	}
	walk(t.Root())
	return keys
}

func TestNew_EmptyBootstrapFails(t *testing.T) {
	if _, err := New(cluster.NewNode[*types.Vector]()); err == nil {
		t.Error("expected an error for an empty bootstrap")
	}
	if _, err := New(nil); err == nil {
		t.Error("expected an error for a nil bootstrap")
	}
}

func TestNew_DropsBootstrapLeafLevel(t *testing.T) {
	groups := map[*types.Vector][]*types.Vector{
		vec(1, 0): {vec(1, 0.1), vec(0.9, 0)},
		vec(0, 1): {vec(0, 0.9), vec(0.1, 1)},
	}
	tree, err := New(bootstrapTwoLevel(groups))
	if err != nil {
		t.Fatal(err)
	}

	// Bootstrap depth 3 yields 2 streaming levels.
	if got := tree.MaxLevelCount(); got != 2 {
		t.Errorf("expected 2 levels, got %d", got)
	}
	if got := tree.ClusterCount(1); got != 2 {
		t.Errorf("expected 2 top-level clusters, got %d", got)
	}
	if got := tree.ClusterCount(2); got != 4 {
		t.Errorf("expected 4 leaf clusters, got %d", got)
	}
}

func TestNew_CopiesKeys(t *testing.T) {
	original := vec(1, 0)
	tree, err := New(bootstrapFlat(original))
	if err != nil {
		t.Fatal(err)
	}

	original.Values[0] = 99
	if leafKeys(tree)[0].Key.Values[0] != 1 {
		t.Error("tree key aliases the bootstrap vector")
	}
}

// Trivial single cluster: two vectors fold into one leaf whose key becomes
// their mean, with the RMSE computed against the pre-update key.
func TestInsertUpdate_SingleCluster(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(0, 0)))
	if err != nil {
		t.Fatal(err)
	}

	tree.InsertBatch([]*types.Vector{vec(1, 1), vec(3, 3)})

	ak := leafKeys(tree)[0]
	if ak.Count() != 2 {
		t.Fatalf("expected count 2, got %d", ak.Count())
	}
	if ak.Accumulator()[0] != 4 || ak.Accumulator()[1] != 4 {
		t.Errorf("expected accumulator (4,4), got %v", ak.Accumulator())
	}

	// Both vectors sit at reciprocal distance 1e5 from the zero key.
	wantRMSE := math.Sqrt(1e5)
	if got := tree.RMSE(); math.Abs(got-wantRMSE) > 1e-6 {
		t.Errorf("expected RMSE %v, got %v", wantRMSE, got)
	}

	tree.Update()
	if ak.Key.Values[0] != 2 || ak.Key.Values[1] != 2 {
		t.Errorf("expected updated key (2,2), got %v", ak.Key.Values)
	}
}

// Two well-separated clusters: routing splits the batch 2/2 and the means
// land on the per-cluster averages.
func TestInsertUpdate_TwoClusters(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(1, 0), vec(0, 1)))
	if err != nil {
		t.Fatal(err)
	}

	tree.InsertBatch([]*types.Vector{
		vec(1, 0.1), vec(0.9, 0),
		vec(0, 1), vec(0.05, 0.95),
	})
	tree.Update()

	keys := leafKeys(tree)
	if len(keys) != 2 {
		t.Fatalf("expected 2 leaf keys, got %d", len(keys))
	}
	if keys[0].Count() != 2 || keys[1].Count() != 2 {
		t.Fatalf("expected 2 vectors per leaf, got %d and %d", keys[0].Count(), keys[1].Count())
	}

	want0 := []float64{0.95, 0.05}
	want1 := []float64{0.025, 0.975}
	for i, w := range want0 {
		if math.Abs(keys[0].Key.Values[i]-w) > 1e-12 {
			t.Errorf("leaf 0 dim %d: expected %v, got %v", i, w, keys[0].Key.Values[i])
		}
	}
	for i, w := range want1 {
		if math.Abs(keys[1].Key.Values[i]-w) > 1e-12 {
			t.Errorf("leaf 1 dim %d: expected %v, got %v", i, w, keys[1].Key.Values[i])
		}
	}
}

// Empty leaf pruned: a leaf that received nothing disappears, the rest
// survive, and the total object count is untouched.
func TestPrune_RemovesEmptyLeaf(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(1, 0), vec(0, 1), vec(-1, 0)))
	if err != nil {
		t.Fatal(err)
	}

	tree.InsertBatch([]*types.Vector{vec(1, 0.2), vec(0.9, 0.1), vec(0.2, 1)})

	before := tree.ObjCount()
	pruned := tree.Prune()
	if pruned != 1 {
		t.Errorf("expected 1 removal, got %d", pruned)
	}
	if got := tree.ClusterCount(1); got != 2 {
		t.Errorf("expected 2 leaves after prune, got %d", got)
	}
	if tree.ObjCount() != before {
		t.Errorf("prune changed the object count from %d to %d", before, tree.ObjCount())
	}
	if tree.MaxLevelCount() != 1 {
		t.Errorf("prune changed the depth to %d", tree.MaxLevelCount())
	}
}

func TestPrune_RemovesEmptySubtree(t *testing.T) {
	right := vec(0, 1)
	groups := map[*types.Vector][]*types.Vector{
		vec(1, 0): {vec(1, 0.1), vec(0.9, 0)},
		right:     {vec(0, 0.9), vec(0.1, 1)},
	}
	tree, err := New(bootstrapTwoLevel(groups))
	if err != nil {
		t.Fatal(err)
	}

	// Everything lands under the (1,0) subtree.
	tree.InsertBatch([]*types.Vector{vec(1, 0.05), vec(0.95, 0.02), vec(0.9, 0.04)})

	pruned := tree.Prune()
	if pruned != 1 {
		t.Errorf("expected exactly the empty subtree removed, got %d removals", pruned)
	}
	if got := tree.ClusterCount(1); got != 1 {
		t.Errorf("expected 1 top-level cluster, got %d", got)
	}
	if tree.MaxLevelCount() != 2 {
		t.Errorf("uniform depth broken: %d levels", tree.MaxLevelCount())
	}
	if tree.ObjCount() != 3 {
		t.Errorf("prune lost objects: %d", tree.ObjCount())
	}
}

// Accumulator parity: counts and component sums match the routed batch.
func TestInsert_AccumulatorParity(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(1, 0), vec(0, 1)))
	if err != nil {
		t.Fatal(err)
	}

	batch := []*types.Vector{
		vec(0.8, 0.1), vec(0.7, 0.2), vec(0.1, 0.9), vec(0.2, 0.7), vec(0.9, 0.3),
	}
	tree.InsertBatch(batch)

	var opt cluster.Optimizer
	keys := leafKeys(tree)
	wantSum := [][]float64{{0, 0}, {0, 0}}
	wantCount := []uint64{0, 0}
	for _, v := range batch {
		n := opt.Nearest(v, []*types.Vector{keys[0].Key, keys[1].Key})
		wantCount[n.Index]++
		vecmath.AddInto(wantSum[n.Index], v.Values)
	}

	for i, ak := range keys {
		if ak.Count() != wantCount[i] {
			t.Errorf("leaf %d: expected count %d, got %d", i, wantCount[i], ak.Count())
		}
		for d := range wantSum[i] {
			if math.Abs(ak.Accumulator()[d]-wantSum[i][d]) > 1e-12 {
				t.Errorf("leaf %d dim %d: expected sum %v, got %v",
					i, d, wantSum[i][d], ak.Accumulator()[d])
			}
		}
	}
}

// Post-update centroid: key equals accumulator/count componentwise.
func TestUpdate_LeafKeyIsAccumulatorMean(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(1, 0), vec(0, 1)))
	if err != nil {
		t.Fatal(err)
	}

	tree.InsertBatch([]*types.Vector{vec(0.8, 0.1), vec(0.6, 0.2), vec(0.1, 0.9)})

	type snapshot struct {
		sum   []float64
		count uint64
	}
	var snaps []snapshot
	for _, ak := range leafKeys(tree) {
		sum := make([]float64, len(ak.Accumulator()))
		copy(sum, ak.Accumulator())
		snaps = append(snaps, snapshot{sum: sum, count: ak.Count()})
	}

	tree.Update()

	for i, ak := range leafKeys(tree) {
		if snaps[i].count == 0 {
			continue
		}
		for d, sum := range snaps[i].sum {
			want := sum / float64(snaps[i].count)
			if math.Abs(ak.Key.Values[d]-want) > 1e-12 {
				t.Errorf("leaf %d dim %d: expected %v, got %v", i, d, want, ak.Key.Values[d])
			}
		}
	}
}

func TestUpdate_EmptyLeafKeyUnchanged(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(1, 0), vec(-1, 0)))
	if err != nil {
		t.Fatal(err)
	}

	tree.InsertBatch([]*types.Vector{vec(1, 0.1)})
	tree.Update()

	keys := leafKeys(tree)
	if keys[1].Key.Values[0] != -1 || keys[1].Key.Values[1] != 0 {
		t.Errorf("empty leaf key must stay put, got %v", keys[1].Key.Values)
	}
}

func TestUpdate_InternalKeysGatherFromLeaves(t *testing.T) {
	top := vec(1, 0)
	groups := map[*types.Vector][]*types.Vector{
		top: {vec(1, 0.2), vec(1, -0.2)},
	}
	tree, err := New(bootstrapTwoLevel(groups))
	if err != nil {
		t.Fatal(err)
	}

	batch := []*types.Vector{vec(1, 0.3), vec(1, 0.1), vec(1, -0.1), vec(1, -0.3)}
	tree.InsertBatch(batch)
	tree.Update()

	// The internal key becomes the mean over every routed vector.
	rootKey := tree.Root().Key(0)
	wantX, wantY := 1.0, 0.0
	if math.Abs(rootKey.Key.Values[0]-wantX) > 1e-12 || math.Abs(rootKey.Key.Values[1]-wantY) > 1e-12 {
		t.Errorf("expected internal key (%v,%v), got %v", wantX, wantY, rootKey.Key.Values)
	}
}

// Clear idempotence: one call zeroes everything, a second changes nothing.
func TestClearAccumulators_Idempotent(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(1, 0), vec(0, 1)))
	if err != nil {
		t.Fatal(err)
	}
	tree.InsertBatch([]*types.Vector{vec(0.9, 0.1), vec(0.1, 0.9)})

	for pass := 0; pass < 2; pass++ {
		tree.ClearAccumulators()
		for i, ak := range leafKeys(tree) {
			if ak.Count() != 0 || ak.SumSquaredError() != 0 {
				t.Errorf("pass %d leaf %d: stats not cleared", pass, i)
			}
			for d, v := range ak.Accumulator() {
				if v != 0 {
					t.Errorf("pass %d leaf %d dim %d: accumulator not zero", pass, i, d)
				}
			}
		}
	}
}

// Routing determinism: the same vector always lands on the same leaf.
func TestInsert_Deterministic(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(1, 0), vec(0, 1)))
	if err != nil {
		t.Fatal(err)
	}

	v := vec(0.7, 0.7)
	tree.InsertBatch([]*types.Vector{v})
	tree.InsertBatch([]*types.Vector{v})

	keys := leafKeys(tree)
	if keys[0].Count() != 2 || keys[1].Count() != 0 {
		t.Errorf("tie must route to the lowest index both times: counts %d, %d",
			keys[0].Count(), keys[1].Count())
	}
}

func TestInsert_DimensionMismatchPanics(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(1, 0)))
	if err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected a panic for a mismatched vector length")
		}
	}()
	tree.InsertBatch([]*types.Vector{vec(1, 2, 3)})
}

// recordingVisitor captures insert-visitor callbacks.
type recordingVisitor struct {
	levels []int
	sims   []float64
}

func (r *recordingVisitor) AcceptObject(level int, object, key *types.Vector, similarity float64) {
	r.levels = append(r.levels, level)
	r.sims = append(r.sims, similarity)
}

// Visitor-only pass: counts and SSE move, accumulators stay zero.
func TestVisitBatch_PreservesAccumulators(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(1, 0), vec(0, 1)))
	if err != nil {
		t.Fatal(err)
	}
	tree.InsertBatch([]*types.Vector{vec(0.9, 0.1), vec(0.1, 0.9)})
	tree.Update()
	tree.ClearAccumulators()

	rv := &recordingVisitor{}
	tree.VisitBatch([]*types.Vector{namedVec("x", 0.8, 0.1)}, rv)

	keys := leafKeys(tree)
	if keys[0].Count() != 1 {
		t.Errorf("expected count 1 on leaf 0, got %d", keys[0].Count())
	}
	if keys[0].SumSquaredError() == 0 {
		t.Error("expected SSE to move during a visit")
	}
	for _, ak := range keys {
		for d, v := range ak.Accumulator() {
			if v != 0 {
				t.Errorf("accumulator dim %d changed during a visit: %v", d, v)
			}
		}
	}
	if len(rv.levels) != 1 || rv.levels[0] != 1 {
		t.Errorf("expected one level-1 callback, got %v", rv.levels)
	}
}

func TestVisitBatch_CallbackPerLevel(t *testing.T) {
	groups := map[*types.Vector][]*types.Vector{
		vec(1, 0): {vec(1, 0.1), vec(0.9, 0)},
		vec(0, 1): {vec(0, 0.9), vec(0.1, 1)},
	}
	tree, err := New(bootstrapTwoLevel(groups))
	if err != nil {
		t.Fatal(err)
	}

	rv := &recordingVisitor{}
	tree.VisitBatch([]*types.Vector{vec(1, 0.05)}, rv)

	if len(rv.levels) != 2 {
		t.Fatalf("expected callbacks at 2 levels, got %v", rv.levels)
	}
	if rv.levels[0] != 1 || rv.levels[1] != 2 {
		t.Errorf("expected levels [1 2], got %v", rv.levels)
	}
}

// clusterRecorder captures cluster-visitor callbacks.
type clusterRecorder struct {
	levels  []int
	counts  []uint64
	parents []*types.Vector
}

func (c *clusterRecorder) AcceptCluster(level int, parentKey, key *types.Vector, rmse float64, count uint64) {
	c.levels = append(c.levels, level)
	c.counts = append(c.counts, count)
	c.parents = append(c.parents, parentKey)
}

func TestVisitClusters_ParentBeforeChildren(t *testing.T) {
	groups := map[*types.Vector][]*types.Vector{
		vec(1, 0): {vec(1, 0.1), vec(0.9, 0)},
	}
	tree, err := New(bootstrapTwoLevel(groups))
	if err != nil {
		t.Fatal(err)
	}
	tree.InsertBatch([]*types.Vector{vec(1, 0.05), vec(0.95, 0.02)})

	cr := &clusterRecorder{}
	tree.VisitClusters(cr)

	if len(cr.levels) != 3 {
		t.Fatalf("expected 3 callbacks (1 internal + 2 leaves), got %d", len(cr.levels))
	}
	if cr.levels[0] != 1 {
		t.Errorf("parent must come first, levels: %v", cr.levels)
	}
	if cr.parents[0] != nil {
		t.Error("root key must report a nil parent")
	}
	if cr.counts[0] != 2 {
		t.Errorf("internal count must aggregate the subtree, got %d", cr.counts[0])
	}
}

func TestRMSE_ComputedBeforeClear(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(1, 0)))
	if err != nil {
		t.Fatal(err)
	}
	tree.InsertBatch([]*types.Vector{vec(1, 0.1)})

	if tree.RMSE() <= 0 {
		t.Error("expected positive RMSE after insert")
	}
	tree.ClearAccumulators()
	if tree.RMSE() != 0 {
		t.Error("RMSE after clear should be 0 (no objects)")
	}
}

// Clone then clear must equal clear then clone: same keys, zero stats.
func TestClone_CommutesWithClear(t *testing.T) {
	build := func() *StreamingEMTree {
		tree, err := New(bootstrapFlat(vec(1, 0), vec(0, 1)))
		if err != nil {
			t.Fatal(err)
		}
		tree.InsertBatch([]*types.Vector{vec(0.9, 0.1), vec(0.1, 0.9)})
		return tree
	}

	a := build()
	cloneThenClear := a.Clone()
	cloneThenClear.ClearAccumulators()

	b := build()
	b.ClearAccumulators()
	clearThenClone := b.Clone()

	ka := leafKeys(cloneThenClear)
	kb := leafKeys(clearThenClone)
	if len(ka) != len(kb) {
		t.Fatalf("structural mismatch: %d vs %d leaf keys", len(ka), len(kb))
	}
	for i := range ka {
		for d := range ka[i].Key.Values {
			if ka[i].Key.Values[d] != kb[i].Key.Values[d] {
				t.Errorf("leaf %d key dim %d differs", i, d)
			}
		}
		if ka[i].Count() != 0 || kb[i].Count() != 0 {
			t.Errorf("leaf %d counts not cleared", i)
		}
		for d := range ka[i].Accumulator() {
			if ka[i].Accumulator()[d] != 0 || kb[i].Accumulator()[d] != 0 {
				t.Errorf("leaf %d accumulator dim %d not zero", i, d)
			}
		}
	}
}

func TestClone_IsIndependent(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(1, 0), vec(0, 1)))
	if err != nil {
		t.Fatal(err)
	}
	clone := tree.Clone()

	tree.InsertBatch([]*types.Vector{vec(0.9, 0.1)})
	if leafKeys(clone)[0].Count() != 0 {
		t.Error("insert into the original leaked into the clone")
	}

	tree.Update()
	if leafKeys(clone)[0].Key.Values[0] != 1 {
		t.Error("update of the original moved the clone's key")
	}
}

func TestNotepadFields(t *testing.T) {
	tree, err := New(bootstrapFlat(vec(1, 0)))
	if err != nil {
		t.Fatal(err)
	}

	if tree.LastRMSE() != 0 || tree.Converged() {
		t.Error("fresh tree must start with zero notepad state")
	}
	tree.SetLastRMSE(1.5)
	tree.SetConverged(true)
	if tree.LastRMSE() != 1.5 || !tree.Converged() {
		t.Error("notepad fields did not round-trip")
	}
}
