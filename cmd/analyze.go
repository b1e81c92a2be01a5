package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/cluster"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/stream"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Probe k-means quality on a sample to pick m and depth",
	Long: `Runs flat k-means over a sample of the vector file for one or more
candidate cluster counts and reports RMSE, iteration counts and cluster
sizes. Use it to pick the branching factor and depth before a full run:
a tree of order m and depth d yields up to m^(d-1) leaf clusters.

Example:
  emtree analyze --file doc2vec.txt --dims 200 -k 10 -k 100
  emtree analyze --file doc2vec.txt --dims 200 -k 50 --sample 20000`,
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringP("file", "f", "", "doc-vector file to sample (required)")
	analyzeCmd.Flags().Int("dims", 0, "vector dimensionality (required)")
	analyzeCmd.Flags().IntSliceP("clusters", "k", []int{10}, "candidate cluster counts")
	analyzeCmd.Flags().Int("sample", 10000, "sample size")
	analyzeCmd.Flags().Int("max-iters", 10, "k-means iteration bound")
	analyzeCmd.Flags().IntP("workers", "w", 0, "number of parallel workers (0 = NumCPU)")
	analyzeCmd.Flags().Int64("seed", 0, "random seed for reproducibility (0 = random)")

	_ = analyzeCmd.MarkFlagRequired("file")
	_ = analyzeCmd.MarkFlagRequired("dims")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	filePath, _ := cmd.Flags().GetString("file")
	dims, _ := cmd.Flags().GetInt("dims")
	candidates, _ := cmd.Flags().GetIntSlice("clusters")
	sampleSize, _ := cmd.Flags().GetInt("sample")
	maxIters, _ := cmd.Flags().GetInt("max-iters")
	workers, _ := cmd.Flags().GetInt("workers")
	seed, _ := cmd.Flags().GetInt64("seed")
	verbose := viper.GetBool("verbose")

	if verbose {
		fmt.Fprintf(os.Stderr, "Sampling up to %d vectors from %s...\n", sampleSize, filePath)
	}

	vs, err := stream.OpenDocVectors(filePath, dims, int64(sampleSize))
	if err != nil {
		return err
	}
	defer func() { _ = vs.Close() }()

	loadStart := time.Now()
	sample, err := stream.ReadAll(vs, 1000, sampleSize)
	if err != nil {
		return fmt.Errorf("failed to read sample: %w", err)
	}
	if len(sample) == 0 {
		fmt.Println("No vectors found in file.")
		return nil
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "Loaded %d vectors in %v\n", len(sample), time.Since(loadStart))
	}

	fmt.Println()
	fmt.Println("=== K-Means Sample Analysis ===")
	fmt.Println()
	fmt.Printf("Sample size:      %d\n", len(sample))
	fmt.Printf("Dimensionality:   %d\n", dims)
	fmt.Println()
	fmt.Printf("%8s %12s %8s %10s %12s %10s\n", "k", "rmse", "iters", "clusters", "largest", "elapsed")

	for _, k := range candidates {
		if k > len(sample) {
			fmt.Fprintf(os.Stderr, "skipping k=%d: sample has only %d vectors\n", k, len(sample))
			continue
		}

		km := cluster.New(cluster.Config{
			K:        k,
			MaxIters: maxIters,
			Workers:  workers,
			Seed:     seed,
		})

		start := time.Now()
		clusters := km.Run(sample)
		elapsed := time.Since(start)

		largest := 0
		for _, c := range clusters {
			if c.Size() > largest {
				largest = c.Size()
			}
		}

		fmt.Printf("%8d %12.6f %8d %10d %12d %9.2fs\n",
			k, km.RMSE(), km.Iterations(), len(clusters), largest, elapsed.Seconds())
	}

	fmt.Println()
	fmt.Println("Pick m and depth so m^(depth-1) lands near the k with acceptable RMSE.")
	return nil
}
