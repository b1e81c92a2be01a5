package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/embedding"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/embedding/openai"
)

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Turn a paragraphs file into a doc-vector file",
	Long: `Reads a text file with one paragraph per line, embeds each paragraph
with the configured provider, and writes the doc-vector format the cluster
command consumes: one line per vector, id followed by the values.

Example:
  emtree embed --file paragraphs.txt --output doc2vec.txt

Environment Variables:
  OPENAI_API_KEY      Your OpenAI API key (required)`,
	RunE: runEmbed,
}

func init() {
	rootCmd.AddCommand(embedCmd)

	embedCmd.Flags().StringP("file", "f", "", "paragraphs file, one per line (required)")
	embedCmd.Flags().StringP("output", "o", "doc2vec.txt", "doc-vector output file")
	embedCmd.Flags().String("model", "text-embedding-3-small", "embedding model")
	embedCmd.Flags().String("api-key", "", "OpenAI API key (or use OPENAI_API_KEY)")
	embedCmd.Flags().IntP("batch-size", "b", 100, "paragraphs per embedding request")

	_ = embedCmd.MarkFlagRequired("file")
}

func runEmbed(cmd *cobra.Command, args []string) error {
	filePath, _ := cmd.Flags().GetString("file")
	outPath, _ := cmd.Flags().GetString("output")
	model, _ := cmd.Flags().GetString("model")
	apiKey, _ := cmd.Flags().GetString("api-key")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	verbose := viper.GetBool("verbose")

	if apiKey == "" {
		apiKey = viper.GetString("openai_api_key")
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return fmt.Errorf("OpenAI API key is required: set OPENAI_API_KEY or use --api-key")
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()

	paragraphs, err := loadParagraphs(filePath)
	if err != nil {
		return fmt.Errorf("failed to load paragraphs: %w", err)
	}
	if len(paragraphs) == 0 {
		fmt.Println("No paragraphs found in file.")
		return nil
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "Loaded %d paragraphs from %s\n", len(paragraphs), filePath)
	}

	client, err := openai.NewClient(openai.Config{
		APIKey: apiKey,
		Model:  model,
	})
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}
	provider := embedding.NewCachedProvider(client, 0)

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() { _ = out.Close() }()
	w := bufio.NewWriterSize(out, 1024*1024)

	bar := progressbar.NewOptions(
		len(paragraphs),
		progressbar.OptionSetDescription("Embedding"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("paragraphs"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)

	written := 0
	for lo := 0; lo < len(paragraphs); lo += batchSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		hi := lo + batchSize
		if hi > len(paragraphs) {
			hi = len(paragraphs)
		}

		embeddings, err := provider.EmbedBatch(ctx, paragraphs[lo:hi])
		if err != nil {
			return fmt.Errorf("embedding batch at paragraph %d failed: %w", lo, err)
		}

		for i, emb := range embeddings {
			if err := writeDocVector(w, fmt.Sprintf("doc%06d", lo+i), emb); err != nil {
				return fmt.Errorf("failed to write vector: %w", err)
			}
			written++
		}
		_ = bar.Add(hi - lo)
	}
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	fmt.Printf("Wrote %d vectors of dimension %d to %s\n", written, provider.Dimension(), outPath)
	return nil
}

func loadParagraphs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var paragraphs []string
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		paragraphs = append(paragraphs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return paragraphs, nil
}

func writeDocVector(w *bufio.Writer, id string, values []float64) error {
	if _, err := w.WriteString(id); err != nil {
		return err
	}
	for _, v := range values {
		if err := w.WriteByte(' '); err != nil {
			return err
		}
		if _, err := w.WriteString(strconv.FormatFloat(v, 'g', -1, 64)); err != nil {
			return err
		}
	}
	return w.WriteByte('\n')
}
