// Package pinecone implements the centroid exporter against a Pinecone
// index over the gRPC data plane.
package pinecone

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	pc "github.com/pinecone-io/go-pinecone/v3/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/export"
)

// Config holds Pinecone client configuration.
type Config struct {
	APIKey    string
	IndexName string
	Namespace string

	// BatchSize is the number of centroids per upsert. Pinecone optimal: 100.
	BatchSize int

	// Retry settings
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client wraps the Pinecone gRPC client for centroid upserts.
type Client struct {
	cfg     Config
	pc      *pc.Client
	idxConn *pc.IndexConnection
	stats   Stats
}

// Stats tracks exporter operation metrics.
type Stats struct {
	UpsertedCentroids int64
	FailedCentroids   int64
	RetryCount        int64
	BatchCount        int64
}

// NewClient creates a new Pinecone exporter.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: Pinecone API key is required", export.ErrNotConfigured)
	}
	if cfg.IndexName == "" {
		return nil, fmt.Errorf("%w: Pinecone index name is required", export.ErrNotConfigured)
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	client, err := pc.NewClient(pc.NewClientParams{
		ApiKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	idx, err := client.DescribeIndex(ctx, cfg.IndexName)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %q: %w", cfg.IndexName, err)
	}

	idxConn, err := client.Index(pc.NewIndexConnParams{
		Host:      idx.Host,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index: %w", err)
	}

	return &Client{
		cfg:     cfg,
		pc:      client,
		idxConn: idxConn,
	}, nil
}

// Export implements export.Exporter: upserts all centroids in batches.
func (c *Client) Export(ctx context.Context, centroids []export.Centroid) error {
	for lo := 0; lo < len(centroids); lo += c.cfg.BatchSize {
		hi := lo + c.cfg.BatchSize
		if hi > len(centroids) {
			hi = len(centroids)
		}
		if err := c.upsertBatch(ctx, centroids[lo:hi]); err != nil {
			return err
		}
	}
	return nil
}

// upsertBatch upserts one batch with retry and exponential backoff.
func (c *Client) upsertBatch(ctx context.Context, centroids []export.Centroid) error {
	vectors := make([]*pc.Vector, len(centroids))
	for i, cent := range centroids {
		values := make([]float32, len(cent.Values))
		for j, v := range cent.Values {
			values[j] = float32(v)
		}
		vectors[i] = &pc.Vector{
			Id:       cent.ID,
			Values:   &values,
			Metadata: centroidMetadata(cent),
		}
	}

	var lastErr error
	backoff := c.cfg.InitialBackoff
	retries := 0

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if attempt > 0 {
			atomic.AddInt64(&c.stats.RetryCount, 1)
			retries++
			time.Sleep(backoff)
			backoff = time.Duration(math.Min(float64(backoff*2), float64(c.cfg.MaxBackoff)))
		}

		_, err := c.idxConn.UpsertVectors(ctx, vectors)
		if err == nil {
			atomic.AddInt64(&c.stats.UpsertedCentroids, int64(len(centroids)))
			atomic.AddInt64(&c.stats.BatchCount, 1)
			return nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	atomic.AddInt64(&c.stats.FailedCentroids, int64(len(centroids)))
	return fmt.Errorf("upsert failed after %d retries: %w", retries, lastErr)
}

// GetStats returns current operation statistics.
func (c *Client) GetStats() Stats {
	return Stats{
		UpsertedCentroids: atomic.LoadInt64(&c.stats.UpsertedCentroids),
		FailedCentroids:   atomic.LoadInt64(&c.stats.FailedCentroids),
		RetryCount:        atomic.LoadInt64(&c.stats.RetryCount),
		BatchCount:        atomic.LoadInt64(&c.stats.BatchCount),
	}
}

// Close closes the index connection.
func (c *Client) Close() error {
	if c.idxConn != nil {
		return c.idxConn.Close()
	}
	return nil
}

// centroidMetadata records the subtree statistics alongside the vector.
func centroidMetadata(cent export.Centroid) *structpb.Struct {
	s, err := structpb.NewStruct(map[string]interface{}{
		"level": cent.Level,
		"count": float64(cent.Count),
		"rmse":  cent.RMSE,
	})
	if err != nil {
		return nil
	}
	return s
}

// isRetryableError checks if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "unavailable") ||
		strings.Contains(errStr, "temporarily")
}
