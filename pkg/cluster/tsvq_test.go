package cluster

import (
	"testing"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

// fourBundles returns vectors spread over four separated directions.
func fourBundles(n int) []*types.Vector {
	dirs := [][]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
	data := make([]*types.Vector, 0, n)
	for i := 0; i < n; i++ {
		d := dirs[i%4]
		v := make([]float64, 4)
		copy(v, d)
		v[(i+1)%4] += 0.02 * float64(i%5)
		data = append(data, types.FromValues("", v))
	}
	return data
}

func treeDepth(n *Node[*types.Vector]) int {
	if n.IsLeaf() {
		return 1
	}
	maxDepth := 0
	for _, child := range n.Children() {
		if d := treeDepth(child); d > maxDepth {
			maxDepth = d
		}
	}
	return maxDepth + 1
}

func countLeafVectors(n *Node[*types.Vector]) int {
	if n.IsLeaf() {
		return n.Size()
	}
	total := 0
	for _, child := range n.Children() {
		total += countLeafVectors(child)
	}
	return total
}

func TestTSVQ_BuildsExactDepth(t *testing.T) {
	data := fourBundles(200)
	tsvq := NewTSVQ(2, 3, 10, 0, 17)

	root := tsvq.Cluster(data)
	if d := treeDepth(root); d != 3 {
		t.Errorf("expected depth 3, got %d", d)
	}
}

func TestTSVQ_LeavesHoldAllVectors(t *testing.T) {
	data := fourBundles(120)
	tsvq := NewTSVQ(2, 3, 10, 0, 23)

	root := tsvq.Cluster(data)
	if got := countLeafVectors(root); got != len(data) {
		t.Errorf("leaves hold %d vectors, expected %d", got, len(data))
	}
}

func TestTSVQ_BranchingBounded(t *testing.T) {
	data := fourBundles(200)
	m := 3
	tsvq := NewTSVQ(m, 3, 10, 0, 31)

	root := tsvq.Cluster(data)
	var check func(n *Node[*types.Vector])
	check = func(n *Node[*types.Vector]) {
		if n.IsLeaf() {
			return
		}
		if n.Size() > m {
			t.Errorf("internal node has %d entries, order is %d", n.Size(), m)
		}
		for _, child := range n.Children() {
			check(child)
		}
	}
	check(root)
}

func TestTSVQ_SmallDataClampsK(t *testing.T) {
	// Fewer vectors than the branching factor must still build a tree.
	data := []*types.Vector{vec(1, 0), vec(0, 1)}
	tsvq := NewTSVQ(10, 2, 5, 0, 41)

	root := tsvq.Cluster(data)
	if root.IsEmpty() {
		t.Fatal("tree root is empty")
	}
	if got := countLeafVectors(root); got != 2 {
		t.Errorf("leaves hold %d vectors, expected 2", got)
	}
}

func TestTSVQ_DeterministicWithSeed(t *testing.T) {
	data := fourBundles(100)

	a := NewTSVQ(2, 3, 10, 0, 13).Cluster(data)
	b := NewTSVQ(2, 3, 10, 0, 13).Cluster(data)

	var flatten func(n *Node[*types.Vector], out *[]float64)
	flatten = func(n *Node[*types.Vector], out *[]float64) {
		if n.IsLeaf() {
			return
		}
		for i := 0; i < n.Size(); i++ {
			*out = append(*out, n.Key(i).Values...)
			flatten(n.Child(i), out)
		}
	}

	var fa, fb []float64
	flatten(a, &fa)
	flatten(b, &fb)
	if len(fa) != len(fb) {
		t.Fatalf("seeded trees diverged in shape: %d vs %d centroid values", len(fa), len(fb))
	}
	for i := range fa {
		if fa[i] != fb[i] {
			t.Fatalf("seeded trees diverged at value %d", i)
		}
	}
}
