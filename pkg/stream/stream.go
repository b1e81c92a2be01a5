// Package stream provides the vector sources consumed by the streaming
// EM-tree: a whitespace-separated doc-vector text format, a packed binary
// signature format, and an in-memory slice stream.
//
// A VectorStream hands out freshly allocated vectors in chunks. The tree
// never retains them, so ordinary garbage collection takes the place of the
// explicit free call a manually managed runtime would need.
package stream

import (
	"errors"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

// ErrFormat reports malformed input: a bad doc-vector line or a signature
// length that is not a multiple of 64.
var ErrFormat = errors.New("malformed vector input")

// VectorStream is a forward-only source of vectors.
type VectorStream interface {
	// Read returns up to n freshly allocated vectors. An empty slice with a
	// nil error signals end of input; callers must not Read past it.
	Read(n int) ([]*types.Vector, error)
}

// SliceStream serves vectors from memory. It backs tests and the re-use of
// bootstrap samples. Not safe for concurrent Read calls; the pipeline's
// serial input stage is the only reader.
type SliceStream struct {
	vectors []*types.Vector
	pos     int
}

// NewSliceStream wraps vectors without copying them.
func NewSliceStream(vectors []*types.Vector) *SliceStream {
	return &SliceStream{vectors: vectors}
}

// Read implements VectorStream.
func (s *SliceStream) Read(n int) ([]*types.Vector, error) {
	if s.pos >= len(s.vectors) {
		return nil, nil
	}
	hi := s.pos + n
	if hi > len(s.vectors) {
		hi = len(s.vectors)
	}
	out := s.vectors[s.pos:hi]
	s.pos = hi
	return out, nil
}

// ReadAll drains a stream in chunks of chunkSize, up to max vectors
// (max <= 0 means unbounded).
func ReadAll(vs VectorStream, chunkSize, max int) ([]*types.Vector, error) {
	var all []*types.Vector
	for {
		n := chunkSize
		if max > 0 && len(all)+n > max {
			n = max - len(all)
		}
		if n <= 0 {
			return all, nil
		}
		data, err := vs.Read(n)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return all, nil
		}
		all = append(all, data...)
	}
}
