package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/cluster"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/engine"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/stream"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start emtree as an MCP server",
	Long: `Starts emtree as a Model Context Protocol (MCP) server.

This allows AI assistants to probe clustering quality and run the streaming
EM-tree over server-local vector files directly.

Transports:
  stdio (default) - For local desktop apps
  http            - For remote/cloud deployments

Tools exposed:
  analyze_vectors - Flat k-means quality probe on a vector file sample
  cluster_corpus  - Full streaming EM-tree run over a vector file

Resources exposed:
  emtree://config - Current default parameters

Example:
  # Local stdio server
  emtree mcp

  # Remote HTTP server
  emtree mcp --transport http --port 8081

Configure in an MCP host (claude_desktop_config.json):
  {
    "mcpServers": {
      "emtree": {
        "command": "emtree",
        "args": ["mcp"]
      }
    }
  }`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport type: stdio or http")
	mcpCmd.Flags().Int("port", 8081, "HTTP server port (for http transport)")
	mcpCmd.Flags().String("host", "0.0.0.0", "HTTP server host (for http transport)")

	// Default clustering settings
	mcpCmd.Flags().IntP("order", "m", 10, "default branching factor")
	mcpCmd.Flags().IntP("depth", "d", 4, "default bootstrap depth")
	mcpCmd.Flags().Int("sample", 10000, "default bootstrap sample size")
	mcpCmd.Flags().Int("max-iters", 100, "default EM iteration bound")
}

// mcpDefaults carries the flag defaults into the tool handlers.
type mcpDefaults struct {
	m        int
	depth    int
	sample   int
	maxIters int
}

func runMCP(cmd *cobra.Command, args []string) error {
	transport, _ := cmd.Flags().GetString("transport")
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	m, _ := cmd.Flags().GetInt("order")
	depth, _ := cmd.Flags().GetInt("depth")
	sample, _ := cmd.Flags().GetInt("sample")
	maxIters, _ := cmd.Flags().GetInt("max-iters")

	defaults := mcpDefaults{m: m, depth: depth, sample: sample, maxIters: maxIters}

	s := server.NewMCPServer(
		"emtree",
		"0.3.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerMCPTools(s, defaults)
	registerMCPResources(s, defaults)

	switch transport {
	case "stdio":
		if err := server.ServeStdio(s); err != nil {
			return fmt.Errorf("MCP server error: %w", err)
		}

	case "http":
		addr := fmt.Sprintf("%s:%d", host, port)
		fmt.Printf("emtree MCP server starting on http://%s\n", addr)
		fmt.Printf("  Endpoint: http://%s/mcp\n", addr)
		fmt.Printf("  Health:   http://%s/health\n", addr)
		fmt.Println()

		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok","server":"emtree-mcp"}`))
		})

		mcpHandler := server.NewStreamableHTTPServer(s, server.WithStateful(true))
		mux.Handle("/mcp", mcpHandler)

		httpServer := &http.Server{
			Addr:    addr,
			Handler: mux,
		}
		if err := httpServer.ListenAndServe(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}

	default:
		return fmt.Errorf("unsupported transport: %s (use 'stdio' or 'http')", transport)
	}

	return nil
}

func registerMCPTools(s *server.MCPServer, defaults mcpDefaults) {
	analyzeTool := mcp.NewTool("analyze_vectors",
		mcp.WithDescription(`Probe k-means quality over a sample of a server-local doc-vector file.

Use this before cluster_corpus to pick the tree's branching factor and
depth: a tree of order m and depth d yields up to m^(d-1) leaf clusters.
Returns RMSE, iteration count and cluster sizes for the requested k.`),
		mcp.WithString("file",
			mcp.Required(),
			mcp.Description("Server-local path of the doc-vector file (one line per vector: id then values)."),
		),
		mcp.WithNumber("dims",
			mcp.Required(),
			mcp.Description("Vector dimensionality."),
		),
		mcp.WithNumber("k",
			mcp.Description("Cluster count to probe (default: 10)."),
		),
		mcp.WithNumber("sample",
			mcp.Description("Sample size (default: 10000)."),
		),
	)
	s.AddTool(analyzeTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleAnalyzeVectors(ctx, request, defaults)
	})

	clusterTool := mcp.NewTool("cluster_corpus",
		mcp.WithDescription(`Run the full streaming EM-tree over a server-local doc-vector file.

Writes per-level cluster assignment and stats files next to the given
prefix and returns the run summary (iterations, RMSE, cluster counts).
Long corpora take minutes; the tool streams the file once per iteration.`),
		mcp.WithString("file",
			mcp.Required(),
			mcp.Description("Server-local path of the doc-vector file."),
		),
		mcp.WithNumber("dims",
			mcp.Required(),
			mcp.Description("Vector dimensionality."),
		),
		mcp.WithNumber("m",
			mcp.Description("Branching factor (default: 10)."),
		),
		mcp.WithNumber("depth",
			mcp.Description("Bootstrap depth (default: 4)."),
		),
		mcp.WithNumber("max_iters",
			mcp.Description("EM iteration bound (default: 100)."),
		),
		mcp.WithString("prefix",
			mcp.Description("Output file prefix (default: emtree_clusters)."),
		),
	)
	s.AddTool(clusterTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleClusterCorpus(ctx, request, defaults)
	})
}

func registerMCPResources(s *server.MCPServer, defaults mcpDefaults) {
	configResource := mcp.NewResource(
		"emtree://config",
		"emtree configuration",
		mcp.WithResourceDescription("Current default clustering parameters"),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(configResource, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		cfg := map[string]interface{}{
			"defaults": map[string]interface{}{
				"m":         defaults.m,
				"depth":     defaults.depth,
				"sample":    defaults.sample,
				"max_iters": defaults.maxIters,
			},
		}
		configJSON, _ := json.MarshalIndent(cfg, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "emtree://config",
				MIMEType: "application/json",
				Text:     string(configJSON),
			},
		}, nil
	})
}

func handleAnalyzeVectors(ctx context.Context, request mcp.CallToolRequest, defaults mcpDefaults) (*mcp.CallToolResult, error) {
	filePath, err := request.RequireString("file")
	if err != nil {
		return mcp.NewToolResultError("file parameter is required"), nil
	}
	dims := int(request.GetFloat("dims", 0))
	if dims <= 0 {
		return mcp.NewToolResultError("dims parameter is required and must be positive"), nil
	}
	k := int(request.GetFloat("k", 10))
	sampleSize := int(request.GetFloat("sample", float64(defaults.sample)))

	vs, err := stream.OpenDocVectors(filePath, dims, int64(sampleSize))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to open vectors: %v", err)), nil
	}
	defer func() { _ = vs.Close() }()

	sample, err := stream.ReadAll(vs, 1000, sampleSize)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read sample: %v", err)), nil
	}
	if len(sample) == 0 {
		return mcp.NewToolResultError("vector file is empty"), nil
	}
	if k > len(sample) {
		return mcp.NewToolResultError(fmt.Sprintf("k=%d exceeds sample of %d vectors", k, len(sample))), nil
	}

	km := cluster.New(cluster.Config{K: k, MaxIters: 10})
	clusters := km.Run(sample)

	sizes := make([]int, len(clusters))
	for i, c := range clusters {
		sizes[i] = c.Size()
	}

	result := map[string]interface{}{
		"sample_size":   len(sample),
		"k":             k,
		"rmse":          km.RMSE(),
		"iterations":    km.Iterations(),
		"cluster_count": len(clusters),
		"cluster_sizes": sizes,
	}
	resultJSON, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}

func handleClusterCorpus(ctx context.Context, request mcp.CallToolRequest, defaults mcpDefaults) (*mcp.CallToolResult, error) {
	filePath, err := request.RequireString("file")
	if err != nil {
		return mcp.NewToolResultError("file parameter is required"), nil
	}
	dims := int(request.GetFloat("dims", 0))
	if dims <= 0 {
		return mcp.NewToolResultError("dims parameter is required and must be positive"), nil
	}

	opts := engine.Options{
		M:              int(request.GetFloat("m", float64(defaults.m))),
		Depth:          int(request.GetFloat("depth", float64(defaults.depth))),
		SampleSize:     defaults.sample,
		MaxIters:       int(request.GetFloat("max_iters", float64(defaults.maxIters))),
		BootstrapIters: 10,
		OutputPrefix:   request.GetString("prefix", "emtree_clusters"),
	}

	eng := engine.New(opts, engine.Hooks{})
	result, err := eng.Run(ctx, func() (stream.VectorStream, error) {
		return stream.OpenDocVectors(filePath, dims, 0)
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("clustering failed: %v", err)), nil
	}

	resultJSON, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(resultJSON)), nil
}
