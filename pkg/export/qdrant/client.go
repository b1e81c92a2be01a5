// Package qdrant implements the centroid exporter against a Qdrant
// collection over gRPC.
package qdrant

import (
	"context"
	"crypto/tls"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/export"
)

// Config holds Qdrant-specific configuration.
type Config struct {
	// Host is the Qdrant host (required).
	Host string

	// Collection is the Qdrant collection to upsert into (required).
	Collection string

	// APIKey authenticates against a managed instance.
	APIKey string

	// UseTLS enables TLS for the connection.
	UseTLS bool

	// GRPCPort is the gRPC port (default: 6334).
	GRPCPort int

	// BatchSize is the number of centroids per upsert (default: 256).
	BatchSize int
}

// Client implements the export.Exporter interface for Qdrant.
type Client struct {
	cfg    Config
	conn   *grpc.ClientConn
	points pb.PointsClient
}

// NewClient creates a new Qdrant exporter.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: Qdrant host is required", export.ErrNotConfigured)
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: Qdrant collection is required", export.ErrNotConfigured)
	}
	if cfg.GRPCPort <= 0 {
		cfg.GRPCPort = 6334
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}

	var opts []grpc.DialOption
	if cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s: %w", addr, err)
	}

	return &Client{
		cfg:    cfg,
		conn:   conn,
		points: pb.NewPointsClient(conn),
	}, nil
}

// Export implements export.Exporter: upserts all centroids in batches.
func (c *Client) Export(ctx context.Context, centroids []export.Centroid) error {
	if c.cfg.APIKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", c.cfg.APIKey)
	}

	for lo := 0; lo < len(centroids); lo += c.cfg.BatchSize {
		hi := lo + c.cfg.BatchSize
		if hi > len(centroids) {
			hi = len(centroids)
		}
		if err := c.upsertBatch(ctx, centroids[lo:hi], uint64(lo)); err != nil {
			return err
		}
	}
	return nil
}

// upsertBatch uploads one batch. Qdrant point ids must be numeric or UUID,
// so points are numbered by position and the cluster label lives in the
// payload.
func (c *Client) upsertBatch(ctx context.Context, centroids []export.Centroid, base uint64) error {
	points := make([]*pb.PointStruct, len(centroids))
	for i, cent := range centroids {
		values := make([]float32, len(cent.Values))
		for j, v := range cent.Values {
			values[j] = float32(v)
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Num{Num: base + uint64(i)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: values},
				},
			},
			Payload: centroidPayload(cent),
		}
	}

	wait := true
	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.cfg.Collection,
		Points:         points,
		Wait:           &wait,
	})
	if err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// centroidPayload records the subtree statistics alongside the vector.
func centroidPayload(cent export.Centroid) map[string]*pb.Value {
	return map[string]*pb.Value{
		"label": {Kind: &pb.Value_StringValue{StringValue: cent.ID}},
		"level": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(cent.Level)}},
		"count": {Kind: &pb.Value_IntegerValue{IntegerValue: int64(cent.Count)}},
		"rmse":  {Kind: &pb.Value_DoubleValue{DoubleValue: cent.RMSE}},
	}
}
