package runner

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrUnknownCodec is returned for a codec name other than gzip or zstd.
var ErrUnknownCodec = errors.New("unknown compression codec")

const (
	CodecGzip = "gzip"
	CodecZstd = "zstd"
)

// Level maps the configured compression setting to a numeric level.
// "none" (or anything unknown) disables compression and yields 0.
func Level(compression string) int {
	switch compression {
	case "low":
		return 1
	case "medium":
		return 6
	case "high":
		return 9
	default:
		return 0
	}
}

// Codec describes how artifacts are compressed.
type Codec struct {
	Name  string
	Level int
}

// Enabled reports whether artifacts are compressed at all.
func (c Codec) Enabled() bool { return c.Level > 0 }

// Ext is the file extension added to compressed artifacts.
func (c Codec) Ext() string {
	if !c.Enabled() {
		return ""
	}
	if c.Name == CodecZstd {
		return ".zst"
	}
	return ".gz"
}

// NewWriter wraps w with the codec. With compression disabled the returned
// writer passes bytes through and Close is a no-op on w.
func (c Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	if !c.Enabled() {
		return nopCloser{w}, nil
	}
	switch c.Name {
	case CodecGzip, "":
		zw, err := gzip.NewWriterLevel(w, c.Level)
		if err != nil {
			return nil, fmt.Errorf("create gzip writer: %w", err)
		}
		return zw, nil
	case CodecZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.Level)))
		if err != nil {
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, c.Name)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// countingWriter tracks how many bytes went through it and reports the
// running total.
type countingWriter struct {
	w      io.Writer
	n      int64
	notify func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if c.notify != nil && n > 0 {
		c.notify(c.n)
	}
	return n, err
}
