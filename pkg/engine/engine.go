// Package engine drives a full streaming EM-tree run: sample, bootstrap
// with TSVQ, iterate insert/prune/update/clear until the RMSE settles, then
// re-stream once more to write cluster assignments.
package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/cluster"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/emtree"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/metrics"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/sse"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/stream"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/telemetry"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

// convergence thresholds for the relative RMSE improvement check.
const (
	rmseEpsilon   = 1e-7
	rmseTolerance = 1e-4
)

// RMSEConverged reports whether the move from prev to cur is a strict
// improvement small enough, relative to cur, to stop iterating.
func RMSEConverged(prev, cur float64) bool {
	diff := prev - cur
	return diff > 0 && diff/(cur+rmseEpsilon) <= rmseTolerance
}

// OpenFunc opens a fresh pass over the input stream. The engine re-reads
// the corpus once per iteration; streams implementing io.Closer are closed
// after each pass.
type OpenFunc func() (stream.VectorStream, error)

// Options are the run knobs exposed to the driver.
type Options struct {
	// M is the branching factor of the tree.
	M int

	// Depth is the TSVQ bootstrap depth; the streaming tree gets Depth-1
	// levels.
	Depth int

	// SampleSize caps the bootstrap sample (default 10000).
	SampleSize int

	// MaxIters bounds the EM iterations over the stream (default 100).
	MaxIters int

	// BootstrapIters bounds the inner k-means during TSVQ (default 10 when
	// negative; 0 seeds and assigns without recomputing).
	BootstrapIters int

	// Workers sizes the parallel pools (0 = NumCPU).
	Workers int

	// Seed makes runs reproducible (0 = time-based).
	Seed int64

	// OutputPrefix names the per-level assignment and stats files.
	OutputPrefix string

	// MaxVectors caps the vectors read per pass (0 = all).
	MaxVectors uint64
}

// Hooks are the optional observers of a run. Any field may be nil.
type Hooks struct {
	Metrics  *metrics.Metrics
	Tracer   *telemetry.Provider
	Progress *sse.Hub

	// OnIteration is called after every completed iteration.
	OnIteration func(types.IterationStats)
}

// Engine owns one clustering run.
type Engine struct {
	opts  Options
	hooks Hooks
	tree  *emtree.StreamingEMTree
}

// New creates an engine, filling in defaults for zero options (for
// BootstrapIters, negative ones).
func New(opts Options, hooks Hooks) *Engine {
	if opts.M <= 0 {
		opts.M = 10
	}
	if opts.Depth <= 0 {
		opts.Depth = 4
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = 10000
	}
	if opts.MaxIters <= 0 {
		opts.MaxIters = 100
	}
	if opts.BootstrapIters < 0 {
		opts.BootstrapIters = 10
	}
	if opts.OutputPrefix == "" {
		opts.OutputPrefix = "emtree_clusters"
	}
	return &Engine{opts: opts, hooks: hooks}
}

// Tree returns the trained tree after Run; nil before.
func (e *Engine) Tree() *emtree.StreamingEMTree {
	return e.tree
}

// Run executes the whole pipeline and returns the run summary.
func (e *Engine) Run(ctx context.Context, open OpenFunc) (*types.RunResult, error) {
	tracer := e.hooks.Tracer
	if tracer == nil {
		noop, _ := telemetry.Init(ctx, telemetry.Config{Enabled: false})
		tracer = noop
	}

	ctx, runSpan := tracer.StartRun(ctx, e.opts.M, e.opts.Depth, e.opts.MaxIters)
	defer runSpan.End()

	sample, err := e.readSample(open)
	if err != nil {
		return nil, err
	}

	if err := e.bootstrap(ctx, tracer, sample); err != nil {
		return nil, err
	}

	result := &types.RunResult{SampleSize: len(sample)}
	if err := e.iterate(ctx, tracer, open, result); err != nil {
		return nil, err
	}

	if err := e.writeClusters(ctx, tracer, open, result); err != nil {
		return nil, err
	}

	return result, nil
}

// readSample pulls the bootstrap sample off a fresh stream pass.
func (e *Engine) readSample(open OpenFunc) ([]*types.Vector, error) {
	e.publishProgress(sse.StageSampling, 0, nil)

	vs, err := open()
	if err != nil {
		return nil, err
	}
	defer closeStream(vs)

	sample, err := stream.ReadAll(vs, 1000, e.opts.SampleSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap sample: %w", err)
	}
	if len(sample) == 0 {
		return nil, fmt.Errorf("input stream is empty, cannot bootstrap")
	}

	e.publishProgress(sse.StageSampling, 1, map[string]int{"sample_size": len(sample)})
	return sample, nil
}

// bootstrap runs TSVQ over the sample and builds the streaming tree.
func (e *Engine) bootstrap(ctx context.Context, tracer *telemetry.Provider, sample []*types.Vector) error {
	_, span := tracer.StartBootstrap(ctx, len(sample))
	defer span.End()
	start := time.Now()

	tsvq := cluster.NewTSVQ(e.opts.M, e.opts.Depth, e.opts.BootstrapIters, e.opts.Workers, e.opts.Seed)
	root := tsvq.Cluster(sample)

	tree, err := emtree.New(root)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	tree.SetWorkers(e.opts.Workers)
	e.tree = tree

	if e.hooks.Metrics != nil {
		e.hooks.Metrics.ObservePhase("bootstrap", time.Since(start))
	}
	e.publishProgress(sse.StageBootstrap, 1, map[string]int{
		"levels":        tree.MaxLevelCount(),
		"leaf_clusters": tree.ClusterCount(tree.MaxLevelCount()),
	})
	return nil
}

// iterate runs up to MaxIters-1 insert/prune/update/clear passes, stopping
// early once the RMSE improvement falls inside tolerance. The final pass is
// left to writeClusters.
func (e *Engine) iterate(ctx context.Context, tracer *telemetry.Provider, open OpenFunc, result *types.RunResult) error {
	for i := 0; i < e.opts.MaxIters-1; i++ {
		iterCtx, span := tracer.StartIteration(ctx, i)
		start := time.Now()

		stats, err := e.runIteration(iterCtx, i, open)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			return err
		}

		stats.Duration = time.Since(start)
		telemetry.RecordIteration(span, stats.VectorsRead, stats.Pruned, stats.RMSE, stats.Duration)
		span.End()

		result.Iterations = i + 1
		result.VectorsRead = stats.VectorsRead
		result.FinalRMSE = stats.RMSE
		result.Converged = stats.Converged
		result.MaxDepth = e.tree.MaxLevelCount()
		result.ClusterCounts = stats.ClusterCounts

		if e.hooks.Metrics != nil {
			leaf := 0
			if n := len(stats.ClusterCounts); n > 0 {
				leaf = stats.ClusterCounts[n-1]
			}
			e.hooks.Metrics.RecordIteration(stats.VectorsRead, stats.Pruned, stats.RMSE, leaf, stats.Duration)
		}
		progress := float64(i+1) / float64(e.opts.MaxIters)
		e.publishProgress(sse.StageStreaming, progress, stats)
		if e.hooks.OnIteration != nil {
			e.hooks.OnIteration(stats)
		}

		if stats.Converged {
			break
		}
	}
	return nil
}

// runIteration performs one full pass: insert the stream, prune empty
// clusters, record the RMSE of the pass, then flatten accumulators and
// clear them for the next pass.
func (e *Engine) runIteration(ctx context.Context, iteration int, open OpenFunc) (types.IterationStats, error) {
	var stats types.IterationStats
	stats.Iteration = iteration

	vs, err := open()
	if err != nil {
		return stats, err
	}
	read, err := e.tree.InsertN(ctx, vs, e.opts.MaxVectors)
	closeStream(vs)
	if err != nil {
		return stats, err
	}

	stats.VectorsRead = read
	stats.Pruned = e.tree.Prune()
	stats.ObjectCount = e.tree.ObjCount()
	stats.RMSE = e.tree.RMSE()
	stats.ClusterCounts = e.clusterCounts()

	// The RMSE of this pass measures the centroids it was routed against,
	// so the convergence check runs before Update rewrites them.
	stats.Converged = RMSEConverged(e.tree.LastRMSE(), stats.RMSE)
	e.tree.SetLastRMSE(stats.RMSE)
	e.tree.SetConverged(stats.Converged)

	updateStart := time.Now()
	e.tree.Update()
	e.tree.ClearAccumulators()
	if e.hooks.Metrics != nil {
		e.hooks.Metrics.ObservePhase("update", time.Since(updateStart))
	}
	e.publishProgress(sse.StageUpdate, 1, nil)

	return stats, nil
}

// writeClusters is the final pass: it routes the stream once more without
// touching accumulators, writing per-level assignments and cluster stats.
func (e *Engine) writeClusters(ctx context.Context, tracer *telemetry.Provider, open OpenFunc, result *types.RunResult) error {
	passCtx, span := tracer.StartWriteClusters(ctx)
	defer span.End()
	start := time.Now()

	vs, err := open()
	if err != nil {
		return err
	}
	defer closeStream(vs)

	cw, err := emtree.NewClusterWriter(e.tree, e.opts.OutputPrefix)
	if err != nil {
		return err
	}
	read, visitErr := e.tree.VisitStreamN(passCtx, vs, cw, e.opts.MaxVectors)
	if err := cw.Close(); err != nil && visitErr == nil {
		visitErr = err
	}
	if visitErr != nil {
		telemetry.RecordError(span, visitErr)
		return visitErr
	}

	pruned := e.tree.Prune()
	result.VectorsRead = read
	result.FinalRMSE = e.tree.RMSE()
	result.MaxDepth = e.tree.MaxLevelCount()
	result.ClusterCounts = e.clusterCounts()

	sw, err := emtree.NewClusterStatsWriter(e.tree, e.opts.OutputPrefix)
	if err != nil {
		return err
	}
	e.tree.VisitClusters(sw)
	if err := sw.Close(); err != nil {
		return err
	}

	if e.hooks.Metrics != nil {
		e.hooks.Metrics.ObservePhase("write", time.Since(start))
		e.hooks.Metrics.PrunedClusters.Add(float64(pruned))
	}
	e.publishProgress(sse.StageWriteClusters, 1, result)
	return nil
}

// clusterCounts reports the key count at every level, root children first.
func (e *Engine) clusterCounts() []int {
	levels := e.tree.MaxLevelCount()
	counts := make([]int, levels)
	for d := 1; d <= levels; d++ {
		counts[d-1] = e.tree.ClusterCount(d)
	}
	return counts
}

func (e *Engine) publishProgress(stage sse.Stage, progress float64, stats interface{}) {
	if e.hooks.Progress == nil {
		return
	}
	if stats == nil {
		_ = e.hooks.Progress.SendProgress(stage, progress)
		return
	}
	_ = e.hooks.Progress.SendProgressWithStats(stage, progress, stats)
}

func closeStream(vs stream.VectorStream) {
	if c, ok := vs.(io.Closer); ok {
		_ = c.Close()
	}
}
