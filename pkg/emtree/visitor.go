package emtree

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/cluster"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

type accumulatorNode = cluster.Node[*AccumulatorKey]

// ClusterVisitor receives each key of a tree walk, parent before children.
type ClusterVisitor interface {
	AcceptCluster(level int, parentKey, key *types.Vector, rmse float64, count uint64)
}

// InsertVisitor receives the chosen key at every level of an object's
// descent. Implementations must be safe for concurrent use; chunks are
// visited in parallel and carry no cross-chunk ordering.
type InsertVisitor interface {
	AcceptObject(level int, object, key *types.Vector, similarity float64)
}

// labelKeys walks a tree assigning a stable per-level label to every key,
// keyed by the key vector's identity. Labels are deterministic for a fixed
// tree state.
func labelKeys(t *StreamingEMTree) map[*types.Vector]string {
	labels := make(map[*types.Vector]string)
	counters := make(map[int]int)
	var walk func(node *accumulatorNode, level int)
	walk = func(node *accumulatorNode, level int) {
		for i := 0; i < node.Size(); i++ {
			ak := node.Key(i)
			counters[level]++
			labels[ak.Key] = fmt.Sprintf("L%d.%d", level, counters[level])
			if !node.IsLeaf() {
				walk(node.Child(i), level+1)
			}
		}
	}
	walk(t.root, 1)
	return labels
}

// levelFile is one output file guarded by its own mutex, since visits
// arrive from many worker goroutines.
type levelFile struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
}

func openLevelFile(path string) (*levelFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return &levelFile{f: f, buf: bufio.NewWriterSize(f, 256*1024)}, nil
}

func (lf *levelFile) writeLine(line string) {
	lf.mu.Lock()
	lf.buf.WriteString(line)
	lf.mu.Unlock()
}

func (lf *levelFile) close() error {
	if err := lf.buf.Flush(); err != nil {
		lf.f.Close()
		return err
	}
	return lf.f.Close()
}

// ClusterWriter emits one assignment file per tree level:
// `<object id>\t<cluster label>\t<similarity>`.
type ClusterWriter struct {
	labels map[*types.Vector]string
	files  []*levelFile
}

// NewClusterWriter prepares per-level assignment files named
// `<prefix>_level<L>_assignments.tsv`. The label map is built from the
// current tree state, so create the writer after the last Update.
func NewClusterWriter(t *StreamingEMTree, prefix string) (*ClusterWriter, error) {
	levels := t.MaxLevelCount()
	w := &ClusterWriter{
		labels: labelKeys(t),
		files:  make([]*levelFile, levels),
	}
	for i := 0; i < levels; i++ {
		lf, err := openLevelFile(fmt.Sprintf("%s_level%d_assignments.tsv", prefix, i+1))
		if err != nil {
			w.Close()
			return nil, err
		}
		w.files[i] = lf
	}
	return w, nil
}

// AcceptObject implements InsertVisitor.
func (w *ClusterWriter) AcceptObject(level int, object, key *types.Vector, similarity float64) {
	if level < 1 || level > len(w.files) {
		return
	}
	w.files[level-1].writeLine(fmt.Sprintf("%s\t%s\t%.6f\n", object.ID, w.labels[key], similarity))
}

// Close flushes and closes every level file.
func (w *ClusterWriter) Close() error {
	var firstErr error
	for _, lf := range w.files {
		if lf == nil {
			continue
		}
		if err := lf.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ClusterStatsWriter emits one stats file per tree level:
// `<cluster label>\t<parent label>\t<RMSE>\t<count>`.
type ClusterStatsWriter struct {
	labels map[*types.Vector]string
	files  []*levelFile
	err    error
}

// NewClusterStatsWriter prepares per-level stats files named
// `<prefix>_level<L>_clusters.tsv`.
func NewClusterStatsWriter(t *StreamingEMTree, prefix string) (*ClusterStatsWriter, error) {
	levels := t.MaxLevelCount()
	w := &ClusterStatsWriter{
		labels: labelKeys(t),
		files:  make([]*levelFile, levels),
	}
	for i := 0; i < levels; i++ {
		lf, err := openLevelFile(fmt.Sprintf("%s_level%d_clusters.tsv", prefix, i+1))
		if err != nil {
			w.Close()
			return nil, err
		}
		w.files[i] = lf
	}
	return w, nil
}

// AcceptCluster implements ClusterVisitor.
func (w *ClusterStatsWriter) AcceptCluster(level int, parentKey, key *types.Vector, rmse float64, count uint64) {
	if level < 1 || level > len(w.files) {
		return
	}
	parent := "-"
	if parentKey != nil {
		parent = w.labels[parentKey]
	}
	w.files[level-1].writeLine(fmt.Sprintf("%s\t%s\t%.6f\t%d\n", w.labels[key], parent, rmse, count))
}

// Close flushes and closes every level file.
func (w *ClusterStatsWriter) Close() error {
	var firstErr error
	for _, lf := range w.files {
		if lf == nil {
			continue
		}
		if err := lf.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
