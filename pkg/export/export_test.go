package export

import (
	"testing"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/cluster"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/emtree"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

func vec(vals ...float64) *types.Vector {
	return types.FromValues("", vals)
}

func buildTree(t *testing.T) *emtree.StreamingEMTree {
	t.Helper()
	root := cluster.NewNode[*types.Vector]()
	for _, top := range [][]float64{{1, 0}, {0, 1}} {
		mid := cluster.NewNode[*types.Vector]()
		mid.AddWithChild(vec(top...), cluster.NewNode[*types.Vector]())
		mid.AddWithChild(vec(top[0]*0.9, top[1]*0.9), cluster.NewNode[*types.Vector]())
		root.AddWithChild(vec(top...), mid)
	}
	tree, err := emtree.New(root)
	if err != nil {
		t.Fatal(err)
	}
	tree.InsertBatch([]*types.Vector{vec(1, 0.1), vec(0.1, 1)})
	return tree
}

func TestCollect_AllLevels(t *testing.T) {
	tree := buildTree(t)

	centroids := Collect(tree, 0)
	// 2 internal keys + 4 leaf keys.
	if len(centroids) != 6 {
		t.Fatalf("expected 6 centroids, got %d", len(centroids))
	}

	seen := make(map[string]bool)
	for _, c := range centroids {
		if seen[c.ID] {
			t.Errorf("duplicate centroid id %q", c.ID)
		}
		seen[c.ID] = true
		if len(c.Values) != 2 {
			t.Errorf("centroid %q has %d values", c.ID, len(c.Values))
		}
	}
}

func TestCollect_LeafLevelOnly(t *testing.T) {
	tree := buildTree(t)

	leafLevel := tree.MaxLevelCount()
	centroids := Collect(tree, leafLevel)
	if len(centroids) != 4 {
		t.Fatalf("expected 4 leaf centroids, got %d", len(centroids))
	}
	for _, c := range centroids {
		if c.Level != leafLevel {
			t.Errorf("centroid %q at level %d, expected %d", c.ID, c.Level, leafLevel)
		}
	}
}

func TestCollect_ValuesAreCopies(t *testing.T) {
	tree := buildTree(t)

	centroids := Collect(tree, 0)
	centroids[0].Values[0] = 42

	again := Collect(tree, 0)
	if again[0].Values[0] == 42 {
		t.Error("collected centroid values alias the tree keys")
	}
}

func TestCollect_CountsAggregate(t *testing.T) {
	tree := buildTree(t)

	var total uint64
	for _, c := range Collect(tree, 1) {
		total += c.Count
	}
	if total != 2 {
		t.Errorf("top-level counts should sum to 2, got %d", total)
	}
}
