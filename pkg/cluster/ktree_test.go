package cluster

import (
	"testing"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

type vectorNode = Node[*types.Vector]

func TestKTree_GrowsBySplitting(t *testing.T) {
	kt := NewKTree(3, 10, 19)
	data := fourBundles(40)
	for _, v := range data {
		kt.Add(v)
	}

	if got := kt.ObjCount(); got != uint64(len(data)) {
		t.Errorf("expected %d stored vectors, got %d", len(data), got)
	}
	if kt.LevelCount() < 2 {
		t.Errorf("40 inserts at order 3 must split at least once, levels=%d", kt.LevelCount())
	}
}

func TestKTree_OrderBound(t *testing.T) {
	order := 4
	kt := NewKTree(order, 10, 29)
	for _, v := range fourBundles(100) {
		kt.Add(v)
	}

	var walk func(n *vectorNode)
	walk = func(n *vectorNode) {
		if n.Size() > order {
			t.Errorf("node has %d entries, order is %d", n.Size(), order)
		}
		if n.IsLeaf() {
			return
		}
		for _, child := range n.Children() {
			walk(child)
		}
	}
	walk(kt.Root())
}

func TestKTree_PruneRemovesEmptyChildren(t *testing.T) {
	kt := NewKTree(3, 10, 37)
	for _, v := range fourBundles(60) {
		kt.Add(v)
	}

	// EMStep rearranges, prunes and rebuilds; afterwards no internal node
	// may hold an empty child.
	kt.EMStep()

	var walk func(n *vectorNode)
	walk = func(n *vectorNode) {
		if n.IsLeaf() {
			return
		}
		for _, child := range n.Children() {
			if child.IsEmpty() {
				t.Error("empty child survived EMStep")
			}
			walk(child)
		}
	}
	walk(kt.Root())

	if got := kt.ObjCount(); got != 60 {
		t.Errorf("EMStep changed the stored vector count to %d", got)
	}
}

func TestKTree_ClusterCountSkipsEmpty(t *testing.T) {
	kt := NewKTree(3, 10, 43)
	for _, v := range fourBundles(30) {
		kt.Add(v)
	}

	if kt.ClusterCount() <= 0 {
		t.Error("expected at least one non-empty leaf")
	}
	if kt.ClusterCount() > 30 {
		t.Errorf("more clusters than vectors: %d", kt.ClusterCount())
	}
	if kt.EmptyClusterCount() < 0 {
		t.Error("negative empty cluster count")
	}
}

func TestKTree_RMSEFinite(t *testing.T) {
	kt := NewKTree(3, 10, 47)
	for _, v := range fourBundles(50) {
		kt.Add(v)
	}
	rmse := kt.RMSE()
	if rmse <= 0 {
		t.Errorf("expected positive RMSE, got %v", rmse)
	}
}
