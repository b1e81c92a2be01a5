// Package export pushes the final cluster centroids of a trained tree to a
// vector database, so downstream services can route queries against the
// cluster representatives.
package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/emtree"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

// ErrNotConfigured is returned when an exporter is asked for but its
// backend settings are missing.
var ErrNotConfigured = errors.New("export backend not configured")

// Centroid is one cluster representative with its subtree statistics.
type Centroid struct {
	ID     string
	Level  int
	Values []float64
	Count  uint64
	RMSE   float64
}

// Exporter uploads centroids to a backend.
type Exporter interface {
	// Export upserts the centroids. Implementations batch internally.
	Export(ctx context.Context, centroids []Centroid) error

	// Close releases backend resources.
	Close() error
}

// collector implements emtree.ClusterVisitor to harvest centroids.
type collector struct {
	level     int
	centroids []Centroid
	counters  map[int]int
}

func (c *collector) AcceptCluster(level int, parentKey, key *types.Vector, rmse float64, count uint64) {
	if c.level > 0 && level != c.level {
		return
	}
	c.counters[level]++
	values := make([]float64, len(key.Values))
	copy(values, key.Values)
	c.centroids = append(c.centroids, Centroid{
		ID:     fmt.Sprintf("L%d.%d", level, c.counters[level]),
		Level:  level,
		Values: values,
		Count:  count,
		RMSE:   rmse,
	})
}

// Collect gathers every centroid of the tree. Level 0 collects all levels;
// otherwise only the given level is kept (the leaf level is
// t.MaxLevelCount()).
func Collect(t *emtree.StreamingEMTree, level int) []Centroid {
	c := &collector{level: level, counters: make(map[int]int)}
	t.VisitClusters(c)
	return c.centroids
}
