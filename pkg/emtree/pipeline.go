package emtree

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/stream"
	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

const (
	// defaultReadSize is how many vectors to read from a stream at once.
	defaultReadSize = 1000

	// defaultMaxTokens caps the number of readSize chunks in flight.
	defaultMaxTokens = 1024
)

// Insert streams every vector from vs into the tree. Returns the total
// number of vectors read.
func (t *StreamingEMTree) Insert(ctx context.Context, vs stream.VectorStream) (uint64, error) {
	return t.InsertN(ctx, vs, 0)
}

// InsertN streams vectors into the tree. When maxToRead > 0 it stops at the
// first chunk boundary at or past maxToRead vectors.
func (t *StreamingEMTree) InsertN(ctx context.Context, vs stream.VectorStream, maxToRead uint64) (uint64, error) {
	return t.process(ctx, vs, maxToRead, t.InsertBatch)
}

// VisitStream routes every vector from vs through the tree, feeding the
// visitor at each level and updating only leaf SSE and counts. Returns the
// total number of vectors read.
func (t *StreamingEMTree) VisitStream(ctx context.Context, vs stream.VectorStream, visitor InsertVisitor) (uint64, error) {
	return t.VisitStreamN(ctx, vs, visitor, 0)
}

// VisitStreamN is VisitStream with a cap on the vectors read when
// maxToRead > 0.
func (t *StreamingEMTree) VisitStreamN(ctx context.Context, vs stream.VectorStream, visitor InsertVisitor, maxToRead uint64) (uint64, error) {
	return t.process(ctx, vs, maxToRead, func(data []*types.Vector) {
		t.VisitBatch(data, visitor)
	})
}

// process runs the two-stage pipeline: a serial reader pulling readSize
// chunks from the stream, and a parallel worker pool applying work to each
// chunk. At most maxTokens chunks are buffered; chunks complete out of
// order. Within a chunk, vectors are processed in read order.
func (t *StreamingEMTree) process(ctx context.Context, vs stream.VectorStream, maxToRead uint64, work func([]*types.Vector)) (uint64, error) {
	workers := t.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	chunks := make(chan []*types.Vector, t.maxTokens)
	var totalRead atomic.Uint64
	var readErr error

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for data := range chunks {
				work(data)
			}
		}()
	}

	// Serial input stage.
	for {
		if maxToRead > 0 && totalRead.Load() >= maxToRead {
			break
		}
		data, err := vs.Read(t.readSize)
		if err != nil {
			readErr = err
			break
		}
		if len(data) == 0 {
			break
		}
		totalRead.Add(uint64(len(data)))
		select {
		case chunks <- data:
		case <-ctx.Done():
			readErr = ctx.Err()
		}
		if readErr != nil {
			break
		}
	}
	close(chunks)
	wg.Wait()

	return totalRead.Load(), readErr
}
