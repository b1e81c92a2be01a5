package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/stream"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

func TestRMSEConverged(t *testing.T) {
	tests := []struct {
		name string
		prev float64
		cur  float64
		want bool
	}{
		{"no previous rmse", 0, 1.0, false},
		{"rmse increased", 0.9, 1.0, false},
		{"rmse unchanged", 1.0, 1.0, false},
		{"large improvement", 1.2, 1.0, false},
		{"improvement inside tolerance", 1.00005, 1.0, true},
		{"improvement exactly at tolerance", 1.0 + 1e-4*(1.0+1e-7), 1.0, true},
		{"improvement just outside tolerance", 1.0002, 1.0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RMSEConverged(tt.prev, tt.cur); got != tt.want {
				t.Errorf("RMSEConverged(%v, %v) = %v, want %v", tt.prev, tt.cur, got, tt.want)
			}
		})
	}
}

// bundleCorpus builds n vectors around four separated directions, with the
// jitter decaying by pass. When every leaf holds a single direction,
// successive RMSEs shrink towards a limit and the convergence predicate
// eventually fires; a leaf mixing two directions makes the RMSE rise instead.
func bundleCorpus(n, pass int) []*types.Vector {
	dirs := [][]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
	scale := 0.3 * math.Pow(0.5, float64(pass))
	data := make([]*types.Vector, 0, n)
	for i := 0; i < n; i++ {
		d := dirs[i%4]
		v := make([]float64, 4)
		copy(v, d)
		v[(i+1)%4] += scale * (0.2 + 0.1*float64(i%7))
		data = append(data, types.FromValues(fmt.Sprintf("doc%05d", i), v))
	}
	return data
}

func TestEngine_ConvergesWithinMaxIters(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "run")

	pass := 0
	open := func() (stream.VectorStream, error) {
		data := bundleCorpus(1000, pass)
		pass++
		return stream.NewSliceStream(data), nil
	}

	eng := New(Options{
		M:              2,
		Depth:          3,
		SampleSize:     1000,
		MaxIters:       100,
		BootstrapIters: 5,
		Seed:           1, // bootstraps four single-direction leaves
		OutputPrefix:   prefix,
	}, Hooks{})

	result, err := eng.Run(context.Background(), open)
	if err != nil {
		t.Fatal(err)
	}

	if !result.Converged {
		t.Errorf("expected convergence within %d iterations, ran %d", 100, result.Iterations)
	}
	if result.Iterations >= 100 {
		t.Errorf("convergence must stop the loop early, ran %d iterations", result.Iterations)
	}
	if result.VectorsRead != 1000 {
		t.Errorf("expected 1000 vectors per pass, got %d", result.VectorsRead)
	}
	if result.FinalRMSE <= 0 {
		t.Errorf("expected positive final RMSE, got %v", result.FinalRMSE)
	}
}

func TestEngine_WritesAssignmentAndStatsFiles(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "out")

	open := func() (stream.VectorStream, error) {
		return stream.NewSliceStream(bundleCorpus(400, 0)), nil
	}

	eng := New(Options{
		M:              2,
		Depth:          3,
		SampleSize:     400,
		MaxIters:       3,
		BootstrapIters: 5,
		Seed:           7,
		OutputPrefix:   prefix,
	}, Hooks{})

	result, err := eng.Run(context.Background(), open)
	if err != nil {
		t.Fatal(err)
	}
	if result.MaxDepth != 2 {
		t.Errorf("depth-3 bootstrap must give a 2-level tree, got %d", result.MaxDepth)
	}

	for level := 1; level <= result.MaxDepth; level++ {
		assignments := fmt.Sprintf("%s_level%d_assignments.tsv", prefix, level)
		if _, err := os.Stat(assignments); err != nil {
			t.Errorf("missing assignment file for level %d: %v", level, err)
		}
		clusters := fmt.Sprintf("%s_level%d_clusters.tsv", prefix, level)
		if _, err := os.Stat(clusters); err != nil {
			t.Errorf("missing stats file for level %d: %v", level, err)
		}
	}
}

func TestEngine_IterationHookObservesEveryPass(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "hook")

	open := func() (stream.VectorStream, error) {
		return stream.NewSliceStream(bundleCorpus(200, 0)), nil
	}

	var seen []types.IterationStats
	eng := New(Options{
		M:              2,
		Depth:          2,
		SampleSize:     200,
		MaxIters:       4,
		BootstrapIters: 5,
		Seed:           13,
		OutputPrefix:   prefix,
	}, Hooks{
		OnIteration: func(stats types.IterationStats) {
			seen = append(seen, stats)
		},
	})

	result, err := eng.Run(context.Background(), open)
	if err != nil {
		t.Fatal(err)
	}

	wantIters := result.Iterations
	if len(seen) != wantIters {
		t.Errorf("hook saw %d iterations, result says %d", len(seen), wantIters)
	}
	for i, stats := range seen {
		if stats.Iteration != i {
			t.Errorf("hook %d got iteration %d", i, stats.Iteration)
		}
		if stats.VectorsRead != 200 {
			t.Errorf("iteration %d read %d vectors, expected 200", i, stats.VectorsRead)
		}
	}
}

func TestEngine_EmptyStreamFails(t *testing.T) {
	open := func() (stream.VectorStream, error) {
		return stream.NewSliceStream(nil), nil
	}

	eng := New(Options{OutputPrefix: filepath.Join(t.TempDir(), "x")}, Hooks{})
	if _, err := eng.Run(context.Background(), open); err == nil {
		t.Error("expected an error for an empty stream")
	}
}

func TestEngine_MaxVectorsCapsEachPass(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "cap")

	open := func() (stream.VectorStream, error) {
		return stream.NewSliceStream(bundleCorpus(3000, 0)), nil
	}

	eng := New(Options{
		M:              2,
		Depth:          2,
		SampleSize:     500,
		MaxIters:       2,
		BootstrapIters: 5,
		Seed:           31,
		OutputPrefix:   prefix,
		MaxVectors:     1000,
	}, Hooks{})

	result, err := eng.Run(context.Background(), open)
	if err != nil {
		t.Fatal(err)
	}
	// The cap is enforced on chunk boundaries, so the pass stops at or just
	// past 1000 but well short of the full corpus.
	if result.VectorsRead < 1000 || result.VectorsRead >= 3000 {
		t.Errorf("expected a capped pass, read %d", result.VectorsRead)
	}
}
