package scanner

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func readAllLines(t *testing.T, input string, maxLen int) ([]string, []error) {
	t.Helper()
	r := newChunkReader(strings.NewReader(input), 3)
	var (
		lines []string
		errs  []error
	)
	for i := 0; i < 100; i++ {
		line, err := r.readLine(context.Background(), maxLen)
		if errors.Is(err, io.EOF) {
			return lines, errs
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lines = append(lines, line)
	}
	t.Fatalf("reader did not reach EOF")
	return nil, nil
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr int
	}{
		{name: "lf", input: "4000\n402abcd0\n", want: []string{"4000", "402abcd0"}},
		{name: "crlf and blank lines", input: "\r\n\r\n4000\r\n\r\n4010a0\r\n", want: []string{"4000", "4010a0"}},
		{name: "cr only", input: "4000\r4010a0\r", want: []string{"4000", "4010a0"}},
		{name: "trailing line without terminator", input: "4000\n4010a0", want: []string{"4000", "4010a0"}},
		{name: "surrounding spaces", input: "  4000 \t\n", want: []string{"4000"}},
		{name: "oversized line resyncs", input: "0123456789abcdef\n4000\n", want: []string{"4000"}, wantErr: 1},
		{name: "oversized final line without terminator", input: "4000\n0123456789abcdef", want: []string{"4000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, errs := readAllLines(t, tt.input, 10)
			if strings.Join(lines, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("lines: got %q want %q", lines, tt.want)
			}
			if len(errs) != tt.wantErr {
				t.Fatalf("errors: got %v, want %d", errs, tt.wantErr)
			}
			for _, err := range errs {
				if !errors.Is(err, ErrLineTooLong) {
					t.Fatalf("unexpected error: %v", err)
				}
			}
		})
	}
}

type stutterReader struct {
	chunks []string
}

func (r *stutterReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	chunk := r.chunks[0]
	r.chunks = r.chunks[1:]
	return copy(p, chunk), nil
}

func TestChunkReaderRetriesEmptyReads(t *testing.T) {
	r := newChunkReader(&stutterReader{chunks: []string{"", "40", "", "", "00\n"}}, 8)
	line, err := r.readLine(context.Background(), MaxLineLen)
	if err != nil || line != "4000" {
		t.Fatalf("got %q, %v", line, err)
	}
}

func TestChunkReaderStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newChunkReader(&stutterReader{chunks: []string{"4000\n"}}, 8)
	if _, err := r.readLine(ctx, MaxLineLen); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

type dataWithEOFReader struct {
	done bool
}

func (r *dataWithEOFReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	r.done = true
	return copy(p, "4000"), io.EOF
}

func TestChunkReaderDeliversDataReturnedWithError(t *testing.T) {
	r := newChunkReader(&dataWithEOFReader{}, 16)
	line, err := r.readLine(context.Background(), MaxLineLen)
	if err != nil || line != "4000" {
		t.Fatalf("got %q, %v", line, err)
	}
	if _, err := r.readLine(context.Background(), MaxLineLen); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after the last line, got %v", err)
	}
}
