package scanner

import (
	"context"
	"io"
	"sync"
)

// Source delivers raw scanned strings, one per ReadScan call.
type Source interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadScan(ctx context.Context) (string, error)
}

// ReaderSource reads newline separated scans from any reader, such as stdin
// or a keyboard-wedge scanner. ReadScan returns io.EOF once the reader is
// exhausted. A blocked read is not interrupted by ctx.
type ReaderSource struct {
	name string

	mu     sync.Mutex
	reader *chunkReader
}

func NewReaderSource(name string, r io.Reader) *ReaderSource {
	return &ReaderSource{
		name:   name,
		reader: newChunkReader(r, 4096),
	}
}

func (s *ReaderSource) Name() string {
	return s.name
}

func (s *ReaderSource) Connect(ctx context.Context) error {
	return ctx.Err()
}

func (s *ReaderSource) Close() error {
	return nil
}

func (s *ReaderSource) ReadScan(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reader.readLine(ctx, MaxLineLen)
}
