package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/engine"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/export"
	pcexport "github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/export/pinecone"
	qdexport "github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/export/qdrant"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/metrics"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/sse"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/stream"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/telemetry"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Run the streaming EM-tree over a vector stream",
	Long: `Runs the full pipeline: sample a bootstrap subset, build the initial
tree with TSVQ, then iterate insert/prune/update passes over the whole
stream until the RMSE improvement falls inside tolerance. The final pass
writes per-level cluster assignments and statistics.

Example:
  emtree cluster --file doc2vec.txt --dims 200 -m 10 -d 4

Signatures:
  emtree cluster --format signature --file wiki.sig --ids wiki.docids --dims 4096`,
	RunE: runCluster,
}

func init() {
	rootCmd.AddCommand(clusterCmd)

	// Input
	clusterCmd.Flags().StringP("file", "f", "", "vector file: doc-vector text or binary signatures (required)")
	clusterCmd.Flags().String("ids", "", "id file, signature format only")
	clusterCmd.Flags().String("format", "docvec", "input format: docvec or signature")
	clusterCmd.Flags().Int("dims", 0, "vector dimensionality (required)")
	clusterCmd.Flags().Int64("max-vectors", 0, "cap on vectors read per pass (0 = all)")
	_ = clusterCmd.MarkFlagRequired("file")
	_ = clusterCmd.MarkFlagRequired("dims")

	// Tree shape
	clusterCmd.Flags().IntP("order", "m", 10, "branching factor of the tree")
	clusterCmd.Flags().IntP("depth", "d", 4, "bootstrap tree depth (streaming tree gets depth-1 levels)")
	clusterCmd.Flags().Int("sample", 10000, "bootstrap sample size")
	clusterCmd.Flags().Int("max-iters", 100, "maximum EM iterations over the stream")
	clusterCmd.Flags().Int("bootstrap-iters", 10, "inner k-means iterations during bootstrap")

	// Performance
	clusterCmd.Flags().IntP("workers", "w", 0, "parallel workers (0 = NumCPU)")
	clusterCmd.Flags().Int64("seed", 0, "random seed for reproducibility (0 = random)")

	// Output
	clusterCmd.Flags().String("prefix", "emtree_clusters", "prefix for assignment and stats files")
	clusterCmd.Flags().String("listen", "", "host:port serving /metrics and /events during the run")

	// Export
	clusterCmd.Flags().String("export", "", "centroid export backend: pinecone or qdrant")
	clusterCmd.Flags().StringP("index", "i", "", "index (Pinecone) or collection (Qdrant) name")
	clusterCmd.Flags().String("api-key", "", "backend API key (or PINECONE_API_KEY)")
	clusterCmd.Flags().String("db-host", "", "Qdrant host")
	clusterCmd.Flags().StringP("namespace", "n", "", "Pinecone namespace")
	clusterCmd.Flags().Int("export-level", 0, "tree level to export (0 = all levels)")

	_ = viper.BindPFlag("cluster.m", clusterCmd.Flags().Lookup("order"))
	_ = viper.BindPFlag("cluster.depth", clusterCmd.Flags().Lookup("depth"))
	_ = viper.BindPFlag("cluster.sample_size", clusterCmd.Flags().Lookup("sample"))
	_ = viper.BindPFlag("cluster.max_iters", clusterCmd.Flags().Lookup("max-iters"))
}

func runCluster(cmd *cobra.Command, args []string) error {
	filePath, _ := cmd.Flags().GetString("file")
	idsPath, _ := cmd.Flags().GetString("ids")
	format, _ := cmd.Flags().GetString("format")
	dims, _ := cmd.Flags().GetInt("dims")
	maxVectors, _ := cmd.Flags().GetInt64("max-vectors")
	m := viper.GetInt("cluster.m")
	depth := viper.GetInt("cluster.depth")
	sample := viper.GetInt("cluster.sample_size")
	maxIters := viper.GetInt("cluster.max_iters")
	bootstrapIters, _ := cmd.Flags().GetInt("bootstrap-iters")
	workers, _ := cmd.Flags().GetInt("workers")
	seed, _ := cmd.Flags().GetInt64("seed")
	prefix, _ := cmd.Flags().GetString("prefix")
	listen, _ := cmd.Flags().GetString("listen")
	verbose := viper.GetBool("verbose")

	open, err := streamFactory(format, filePath, idsPath, dims, maxVectors)
	if err != nil {
		return err
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()

	// Tracing from config
	tracer, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:    viper.GetBool("telemetry.tracing.enabled"),
		Exporter:   viper.GetString("telemetry.tracing.exporter"),
		Endpoint:   viper.GetString("telemetry.tracing.endpoint"),
		SampleRate: viper.GetFloat64("telemetry.tracing.sample_rate"),
		Insecure:   viper.GetBool("telemetry.tracing.insecure"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialise tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	hooks := engine.Hooks{Tracer: tracer}

	// Optional metrics + progress listener
	if listen != "" {
		hooks.Metrics = metrics.New()
		hooks.Progress = sse.NewHub()

		mux := http.NewServeMux()
		mux.Handle("/metrics", hooks.Metrics.Handler())
		mux.Handle("/events", hooks.Progress)
		srv := &http.Server{Addr: listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "listener error: %v\n", err)
			}
		}()
		defer srv.Close()

		if verbose {
			fmt.Fprintf(os.Stderr, "Serving /metrics and /events on %s\n", listen)
		}
	}

	// Progress bar over iterations
	bar := progressbar.NewOptions(
		maxIters,
		progressbar.OptionSetDescription("Clustering"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("iters"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	hooks.OnIteration = func(stats types.IterationStats) {
		_ = bar.Add(1)
		if verbose {
			fmt.Fprintf(os.Stderr, "\niteration %d: read=%d pruned=%d rmse=%.6f clusters=%v (%.1fs)\n",
				stats.Iteration, stats.VectorsRead, stats.Pruned, stats.RMSE,
				stats.ClusterCounts, stats.Duration.Seconds())
		}
	}

	eng := engine.New(engine.Options{
		M:              m,
		Depth:          depth,
		SampleSize:     sample,
		MaxIters:       maxIters,
		BootstrapIters: bootstrapIters,
		Workers:        workers,
		Seed:           seed,
		OutputPrefix:   prefix,
		MaxVectors:     uint64(maxVectors),
	}, hooks)

	start := time.Now()
	result, err := eng.Run(ctx, open)
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		if hooks.Progress != nil {
			_ = hooks.Progress.SendError(sse.StageStreaming, err.Error())
		}
		return fmt.Errorf("clustering failed: %w", err)
	}
	if hooks.Progress != nil {
		_ = hooks.Progress.SendComplete(result)
	}

	printClusterReport(result, time.Since(start))

	// Optional centroid export
	if backend, _ := cmd.Flags().GetString("export"); backend != "" {
		if err := runExport(ctx, cmd, eng, backend, tracer); err != nil {
			return err
		}
	}

	return nil
}

// streamFactory builds the per-pass stream opener for the chosen format.
func streamFactory(format, filePath, idsPath string, dims int, maxVectors int64) (engine.OpenFunc, error) {
	switch format {
	case "docvec", "":
		return func() (stream.VectorStream, error) {
			return stream.OpenDocVectors(filePath, dims, maxVectors)
		}, nil
	case "signature":
		if idsPath == "" {
			return nil, fmt.Errorf("signature format requires --ids")
		}
		return func() (stream.VectorStream, error) {
			return stream.OpenSignatures(idsPath, filePath, dims, maxVectors)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (use docvec or signature)", format)
	}
}

// runExport pushes the trained tree's centroids to the chosen backend.
func runExport(ctx context.Context, cmd *cobra.Command, eng *engine.Engine, backend string, tracer *telemetry.Provider) error {
	index, _ := cmd.Flags().GetString("index")
	apiKey, _ := cmd.Flags().GetString("api-key")
	dbHost, _ := cmd.Flags().GetString("db-host")
	namespace, _ := cmd.Flags().GetString("namespace")
	level, _ := cmd.Flags().GetInt("export-level")

	if apiKey == "" {
		apiKey = viper.GetString("pinecone_api_key")
	}

	centroids := export.Collect(eng.Tree(), level)
	if len(centroids) == 0 {
		fmt.Fprintln(os.Stderr, "No centroids to export.")
		return nil
	}

	_, span := tracer.StartExport(ctx, backend, len(centroids))
	defer span.End()

	var exporter export.Exporter
	var err error
	switch backend {
	case "pinecone":
		exporter, err = pcexport.NewClient(ctx, pcexport.Config{
			APIKey:    apiKey,
			IndexName: index,
			Namespace: namespace,
		})
	case "qdrant":
		exporter, err = qdexport.NewClient(ctx, qdexport.Config{
			Host:       dbHost,
			Collection: index,
			APIKey:     apiKey,
		})
	default:
		err = fmt.Errorf("unsupported export backend: %s", backend)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	defer func() { _ = exporter.Close() }()

	fmt.Fprintf(os.Stderr, "Exporting %d centroids to %s...\n", len(centroids), backend)
	if err := exporter.Export(ctx, centroids); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("centroid export failed: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Export complete.")
	return nil
}

func printClusterReport(result *types.RunResult, elapsed time.Duration) {
	fmt.Println()
	fmt.Println("=== Streaming EM-tree Complete ===")
	fmt.Println()
	fmt.Printf("Iterations:          %d\n", result.Iterations)
	fmt.Printf("Converged:           %v\n", result.Converged)
	fmt.Printf("Vectors per pass:    %d\n", result.VectorsRead)
	fmt.Printf("Bootstrap sample:    %d\n", result.SampleSize)
	fmt.Printf("Tree depth:          %d\n", result.MaxDepth)
	for i, count := range result.ClusterCounts {
		fmt.Printf("Clusters level %d:    %d\n", i+1, count)
	}
	fmt.Printf("Final RMSE:          %.6f\n", result.FinalRMSE)
	fmt.Printf("Duration:            %v\n", elapsed.Round(time.Millisecond))
	fmt.Println()
}
