package zfs

import (
	"fmt"
	"io"

	"github.com/juju/ratelimit"
	"github.com/klauspost/compress/zstd"
)

func rateLimitWriter(writer io.Writer, bytesPerSecond int64) io.Writer {
	if bytesPerSecond <= 0 {
		return writer
	}
	return ratelimit.Writer(writer, ratelimit.NewBucketWithRate(float64(bytesPerSecond), bytesPerSecond))
}

// zstdWriter wraps the writer in a zstd encoder. The returned func flushes and closes the encoder,
// it does not close the underlying writer.
func zstdWriter(writer io.Writer, level zstd.EncoderLevel) (io.Writer, func() error, error) {
	if level == 0 {
		return writer, func() error { return nil }, nil
	}

	encoder, err := zstd.NewWriter(writer, zstd.WithEncoderLevel(level))
	if err != nil {
		return writer, func() error { return nil }, fmt.Errorf("error creating zstd encoder: %w", err)
	}
	return encoder, encoder.Close, nil
}

// NewCountWriter creates a new CountWriter
func NewCountWriter(writer io.Writer) *CountWriter {
	return &CountWriter{
		Writer: writer,
	}
}

// CountWriter counts the bytes it has written
type CountWriter struct {
	io.Writer
	n int64
}

func (w *CountWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	w.n += int64(n)
	return n, err
}

// Count returns the number of bytes written so far
func (w *CountWriter) Count() int64 {
	return w.n
}
