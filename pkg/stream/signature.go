package stream

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/dylan-fan/paragraph2vector-emtreecluster/pkg/types"
)

// SignatureStream reads packed binary signatures: an ids file with one
// object id per line, and a binary file of concatenated bits/8-byte
// signatures, one per id. Bits decode to 0/1 doubles.
type SignatureStream struct {
	idFile    *os.File
	sigFile   *os.File
	ids       *bufio.Scanner
	sigs      *bufio.Reader
	bits      int
	buf       []byte
	maxToRead int64
	count     int64
}

// OpenSignatures opens the id and signature files for signatures of the
// given bit length, which must be a multiple of 64.
func OpenSignatures(idPath, sigPath string, bits int, maxToRead int64) (*SignatureStream, error) {
	if bits%64 != 0 {
		return nil, fmt.Errorf("%w: signature length %d is not divisible by 64", ErrFormat, bits)
	}
	idFile, err := os.Open(idPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open id file %s: %w", idPath, err)
	}
	sigFile, err := os.Open(sigPath)
	if err != nil {
		idFile.Close()
		return nil, fmt.Errorf("failed to open signature file %s: %w", sigPath, err)
	}

	return &SignatureStream{
		idFile:    idFile,
		sigFile:   sigFile,
		ids:       bufio.NewScanner(idFile),
		sigs:      bufio.NewReader(sigFile),
		bits:      bits,
		buf:       make([]byte, bits/8),
		maxToRead: maxToRead,
	}, nil
}

// Dimension returns the signature length in bits.
func (s *SignatureStream) Dimension() int {
	return s.bits
}

// Read implements VectorStream.
func (s *SignatureStream) Read(n int) ([]*types.Vector, error) {
	if s.maxToRead > 0 && s.count >= s.maxToRead {
		return nil, nil
	}

	data := make([]*types.Vector, 0, n)
	for len(data) < n && s.ids.Scan() {
		if _, err := io.ReadFull(s.sigs, s.buf); err != nil {
			return nil, fmt.Errorf("%w: signature file truncated at record %d: %v",
				ErrFormat, s.count+int64(len(data)), err)
		}
		v := types.NewVector(s.ids.Text(), s.bits)
		for i := 0; i < s.bits; i++ {
			if s.buf[i/8]&(1<<(uint(i)%8)) != 0 {
				v.Values[i] = 1
			}
		}
		data = append(data, v)
		s.count++
		if s.maxToRead > 0 && s.count >= s.maxToRead {
			break
		}
	}
	if err := s.ids.Err(); err != nil {
		return nil, fmt.Errorf("failed to read id file: %w", err)
	}
	return data, nil
}

// Close releases both underlying files.
func (s *SignatureStream) Close() error {
	err := s.idFile.Close()
	if cerr := s.sigFile.Close(); err == nil {
		err = cerr
	}
	return err
}
