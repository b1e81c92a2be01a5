// Package config provides configuration file support for the EM-tree
// clusterer. It handles loading, validation, and environment variable
// interpolation for emtree.yaml configuration files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the full clusterer configuration.
type Config struct {
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Output    OutputConfig    `mapstructure:"output"`
	Server    ServerConfig    `mapstructure:"server"`
	Export    ExportConfig    `mapstructure:"export"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ClusterConfig holds the EM-tree knobs.
type ClusterConfig struct {
	M              int   `mapstructure:"m"`
	Depth          int   `mapstructure:"depth"`
	SampleSize     int   `mapstructure:"sample_size"`
	MaxIters       int   `mapstructure:"max_iters"`
	BootstrapIters int   `mapstructure:"bootstrap_iters"`
	Workers        int   `mapstructure:"workers"`
	Seed           int64 `mapstructure:"seed"`
}

// StreamConfig holds input stream settings.
type StreamConfig struct {
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	IDsFile    string `mapstructure:"ids_file"`
	Dims       int    `mapstructure:"dims"`
	MaxVectors int64  `mapstructure:"max_vectors"`
}

// OutputConfig holds result file settings.
type OutputConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// ServerConfig holds the optional metrics/progress listener.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// ExportConfig holds centroid export settings.
type ExportConfig struct {
	Backend   string `mapstructure:"backend"`
	Index     string `mapstructure:"index"`
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	GRPCPort  int    `mapstructure:"grpc_port"`
	UseTLS    bool   `mapstructure:"use_tls"`
	APIKey    string `mapstructure:"api_key"`
}

// EmbeddingConfig holds embedding provider settings for the embed command.
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	BatchSize int    `mapstructure:"batch_size"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Cluster: ClusterConfig{
			M:              10,
			Depth:          4,
			SampleSize:     10000,
			MaxIters:       100,
			BootstrapIters: 10,
		},
		Stream: StreamConfig{
			Format: "docvec",
		},
		Output: OutputConfig{
			Prefix: "emtree_clusters",
		},
		Export: ExportConfig{
			GRPCPort: 6334,
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			BatchSize: 100,
		},
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "otlp",
				Endpoint:   "localhost:4317",
				SampleRate: 1.0,
				Insecure:   true,
			},
		},
	}
}

// Load reads configuration from the given viper instance and returns a
// validated Config. Environment variables in string values are interpolated
// using ${VAR} syntax.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	interpolateConfig(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads a specific config file and returns a validated Config.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Load(v)
}

// Validate checks the configuration for errors and returns a descriptive
// error if any field is invalid.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Cluster.M < 2 {
		errs = append(errs, fmt.Sprintf("cluster.m: branching factor must be at least 2, got %d", cfg.Cluster.M))
	}
	if cfg.Cluster.Depth < 2 {
		errs = append(errs, fmt.Sprintf("cluster.depth: bootstrap depth must be at least 2, got %d", cfg.Cluster.Depth))
	}
	if cfg.Cluster.SampleSize < 1 {
		errs = append(errs, "cluster.sample_size: must be positive")
	}
	if cfg.Cluster.MaxIters < 1 {
		errs = append(errs, "cluster.max_iters: must be positive")
	}
	if cfg.Cluster.BootstrapIters < 0 {
		errs = append(errs, "cluster.bootstrap_iters: must be non-negative")
	}
	if cfg.Cluster.Workers < 0 {
		errs = append(errs, "cluster.workers: must be non-negative")
	}

	validFormats := map[string]bool{"docvec": true, "signature": true, "": true}
	if !validFormats[cfg.Stream.Format] {
		errs = append(errs, fmt.Sprintf("stream.format: unsupported format %q (supported: docvec, signature)", cfg.Stream.Format))
	}
	if cfg.Stream.Format == "signature" && cfg.Stream.Dims%64 != 0 {
		errs = append(errs, fmt.Sprintf("stream.dims: signature length must be a multiple of 64, got %d", cfg.Stream.Dims))
	}
	if cfg.Stream.Dims < 0 {
		errs = append(errs, "stream.dims: must be non-negative")
	}
	if cfg.Stream.MaxVectors < 0 {
		errs = append(errs, "stream.max_vectors: must be non-negative")
	}

	validBackends := map[string]bool{"pinecone": true, "qdrant": true, "": true}
	if !validBackends[cfg.Export.Backend] {
		errs = append(errs, fmt.Sprintf("export.backend: unsupported backend %q (supported: pinecone, qdrant)", cfg.Export.Backend))
	}
	if cfg.Export.GRPCPort < 0 || cfg.Export.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("export.grpc_port: must be between 0 and 65535, got %d", cfg.Export.GRPCPort))
	}

	validProviders := map[string]bool{"openai": true, "": true}
	if !validProviders[cfg.Embedding.Provider] {
		errs = append(errs, fmt.Sprintf("embedding.provider: unsupported provider %q (supported: openai)", cfg.Embedding.Provider))
	}
	if cfg.Embedding.BatchSize < 0 {
		errs = append(errs, "embedding.batch_size: must be non-negative")
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true, "": true}
	if !validExporters[cfg.Telemetry.Tracing.Exporter] {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.exporter: unsupported exporter %q (supported: otlp, stdout, none)", cfg.Telemetry.Tracing.Exporter))
	}
	if cfg.Telemetry.Tracing.SampleRate < 0 || cfg.Telemetry.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("telemetry.tracing.sample_rate: must be between 0 and 1, got %f", cfg.Telemetry.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnv replaces ${VAR} and ${VAR:-default} patterns in a string
// with the corresponding environment variable values.
func InterpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		return match
	})
}

// interpolateConfig applies environment variable interpolation to all
// string fields in the config.
func interpolateConfig(cfg *Config) {
	cfg.Stream.File = InterpolateEnv(cfg.Stream.File)
	cfg.Stream.IDsFile = InterpolateEnv(cfg.Stream.IDsFile)
	cfg.Output.Prefix = InterpolateEnv(cfg.Output.Prefix)
	cfg.Server.Listen = InterpolateEnv(cfg.Server.Listen)
	cfg.Export.Index = InterpolateEnv(cfg.Export.Index)
	cfg.Export.Host = InterpolateEnv(cfg.Export.Host)
	cfg.Export.Namespace = InterpolateEnv(cfg.Export.Namespace)
	cfg.Export.APIKey = InterpolateEnv(cfg.Export.APIKey)
	cfg.Telemetry.Tracing.Endpoint = InterpolateEnv(cfg.Telemetry.Tracing.Endpoint)
}

// GenerateTemplate returns a commented emtree.yaml with every option set to
// its default.
func GenerateTemplate() string {
	return `# emtree.yaml - streaming EM-tree clusterer configuration
#
# Priority: CLI flags > EMTREE_* environment variables > this file > defaults.

cluster:
  # Branching factor of the centroid tree.
  m: 10
  # Depth of the TSVQ bootstrap tree. The streaming tree has depth-1 levels.
  depth: 4
  # Vectors sampled for the bootstrap.
  sample_size: 10000
  # Maximum EM iterations over the full stream.
  max_iters: 100
  # Inner k-means iterations during the bootstrap.
  bootstrap_iters: 10
  # Parallel workers (0 = NumCPU).
  workers: 0
  # Random seed (0 = time-based).
  seed: 0

stream:
  # Input format: docvec (text) or signature (packed binary).
  format: docvec
  # Vector file; for signature format this is the binary signature file.
  file: ""
  # Id file, signature format only.
  ids_file: ""
  # Vector dimensionality. Signatures require a multiple of 64.
  dims: 0
  # Cap on vectors read per pass (0 = all).
  max_vectors: 0

output:
  # Prefix for per-level assignment and stats files.
  prefix: emtree_clusters

server:
  # host:port for /metrics and /events during a run ("" = disabled).
  listen: ""

export:
  # Centroid export backend: pinecone, qdrant, or "" to skip.
  backend: ""
  # Index (Pinecone) or collection (Qdrant) name.
  index: ""
  # Qdrant host.
  host: ""
  namespace: ""
  grpc_port: 6334
  use_tls: false
  # API key, e.g. ${PINECONE_API_KEY}
  api_key: ""

embedding:
  provider: openai
  model: text-embedding-3-small
  batch_size: 100

telemetry:
  tracing:
    enabled: false
    exporter: otlp
    endpoint: localhost:4317
    sample_rate: 1.0
    insecure: true
`
}
