package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/skobkin/qrlink/internal/wire"
)

// MaxLineLen fits the WireString of the largest encodable payload.
const MaxLineLen = 2*wire.MaxPayloadLen + 8

var ErrLineTooLong = errors.New("scan line too long")

type readByteFunc func() (byte, error)

// readLine returns the next non-empty CR or LF terminated line. An oversized
// line is skipped up to its terminator and reported as ErrLineTooLong, so the
// next call starts on a fresh line.
func readLine(readByte readByteFunc, maxLen int) (string, error) {
	var (
		buf      []byte
		overflow bool
	)
	for {
		b, err := readByte()
		if err != nil {
			if errors.Is(err, io.EOF) && !overflow {
				if line := strings.TrimSpace(string(buf)); line != "" {
					return line, nil
				}
			}
			return "", err
		}

		if b == '\r' || b == '\n' {
			if overflow {
				return "", fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, maxLen)
			}
			if line := strings.TrimSpace(string(buf)); line != "" {
				return line, nil
			}
			buf = buf[:0]
			continue
		}

		if overflow {
			continue
		}
		if len(buf) >= maxLen {
			overflow = true
			buf = nil
			continue
		}
		buf = append(buf, b)
	}
}

// chunkReader serves single bytes from bulk reads. Reads that return no
// data and no error, as serial ports do on read timeout, are retried until
// ctx ends.
type chunkReader struct {
	r   io.Reader
	buf []byte
	pos int
	n   int
	err error
}

func newChunkReader(r io.Reader, size int) *chunkReader {
	return &chunkReader{r: r, buf: make([]byte, size)}
}

func (c *chunkReader) readByte(ctx context.Context) (byte, error) {
	for c.pos >= c.n {
		if c.err != nil {
			err := c.err
			c.err = nil
			return 0, err
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := c.r.Read(c.buf)
		c.pos, c.n, c.err = 0, n, err
	}

	b := c.buf[c.pos]
	c.pos++

	return b, nil
}

func (c *chunkReader) readLine(ctx context.Context, maxLen int) (string, error) {
	return readLine(func() (byte, error) { return c.readByte(ctx) }, maxLen)
}
