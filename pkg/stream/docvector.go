package stream

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

// DocVectorStream reads the ASCII doc-vector format: one record per line,
// `<id> <f0> <f1> ... <fD-1>` with whitespace-separated fields. Blank lines
// are invalid.
type DocVectorStream struct {
	f         *os.File
	scanner   *bufio.Scanner
	dims      int
	maxToRead int64
	count     int64
	line      int64
}

// OpenDocVectors opens path for reading vectors of the given
// dimensionality. maxToRead caps the total vectors returned; <= 0 reads all.
func OpenDocVectors(path string, dims int, maxToRead int64) (*DocVectorStream, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("%w: dimensionality must be positive, got %d", ErrFormat, dims)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open doc-vector file %s: %w", path, err)
	}

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	return &DocVectorStream{
		f:         f,
		scanner:   scanner,
		dims:      dims,
		maxToRead: maxToRead,
	}, nil
}

// Dimension returns the per-vector dimensionality.
func (s *DocVectorStream) Dimension() int {
	return s.dims
}

// Read implements VectorStream. Malformed lines are fatal.
func (s *DocVectorStream) Read(n int) ([]*types.Vector, error) {
	if s.maxToRead > 0 && s.count >= s.maxToRead {
		return nil, nil
	}

	data := make([]*types.Vector, 0, n)
	for len(data) < n && s.scanner.Scan() {
		s.line++
		v, err := s.parseLine(s.scanner.Text())
		if err != nil {
			return nil, err
		}
		data = append(data, v)
		s.count++
		if s.maxToRead > 0 && s.count >= s.maxToRead {
			break
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read doc-vector file: %w", err)
	}
	return data, nil
}

func (s *DocVectorStream) parseLine(line string) (*types.Vector, error) {
	fields := strings.Fields(line)
	if len(fields) != s.dims+1 {
		return nil, fmt.Errorf("%w: line %d has %d fields, want id plus %d values",
			ErrFormat, s.line, len(fields), s.dims)
	}
	v := types.NewVector(fields[0], s.dims)
	for i, field := range fields[1:] {
		val, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d field %d: %v", ErrFormat, s.line, i+1, err)
		}
		v.Values[i] = val
	}
	return v, nil
}

// Close releases the underlying file.
func (s *DocVectorStream) Close() error {
	return s.f.Close()
}
