// Package indexio provides the byte-stream ports native engines use to
// persist and reload serialized indexes without depending on where the
// bytes end up.
//
// A port is strictly sequential and buffered. Every stream starts with a
// one-byte codec marker so readers can pick the right decompressor; every
// byte that crosses the port (after decompression) feeds an xxhash64 digest
// that index formats use for their checksum footer.
package indexio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"github.com/23skdu/arrowhead/internal/metrics"
)

// DefaultBufferSize matches the block size native engines flush in.
const DefaultBufferSize = 64 * 1024

// ErrUnknownCodec is returned when a stream starts with an unrecognised marker.
var ErrUnknownCodec = errors.New("unknown stream codec")

// ErrChecksumMismatch is returned by formats whose footer digest does not
// match the bytes read.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Output is the write side of an index port.
type Output interface {
	io.Writer
	// Flush pushes buffered bytes down to the backing store.
	Flush() error
	// Sum64 is the digest of every byte written so far.
	Sum64() uint64
}

// Input is the read side of an index port.
type Input interface {
	io.Reader
	// Sum64 is the digest of every byte read so far.
	Sum64() uint64
}

// Options configure a port.
type Options struct {
	BufferSize  int
	Compression Compression
	// Limiter throttles bytes moving to or from the backing store.
	Limiter *rate.Limiter
	// Backend labels metrics; set by the store helpers.
	Backend string
}

// Option mutates Options.
type Option func(*Options)

// WithBufferSize sets the bufio size.
func WithBufferSize(n int) Option {
	return func(o *Options) { o.BufferSize = n }
}

// WithCompression selects the stream codec for writers. Readers detect it.
func WithCompression(c Compression) Option {
	return func(o *Options) { o.Compression = c }
}

// WithRateLimit throttles the port to bytesPerSec.
func WithRateLimit(bytesPerSec int) Option {
	return func(o *Options) {
		if bytesPerSec > 0 {
			o.Limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
		}
	}
}

// WithBackend sets the metrics label.
func WithBackend(name string) Option {
	return func(o *Options) { o.Backend = name }
}

func buildOptions(opts []Option) Options {
	o := Options{BufferSize: DefaultBufferSize, Compression: CompressionNone, Backend: "stream"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	return o
}

// Writer is a buffered Output over any io.Writer. Close flushes, finishes
// the codec and closes the sink when it is an io.Closer.
type Writer struct {
	ctx     context.Context
	sink    io.Writer
	comp    io.WriteCloser
	bw      *bufio.Writer
	digest  *xxhash.Digest
	n       int64
	backend string
	closed  bool
}

// NewWriter wraps w. The codec marker is written immediately.
func NewWriter(ctx context.Context, w io.Writer, opts ...Option) (*Writer, error) {
	o := buildOptions(opts)
	sink := w
	if o.Limiter != nil {
		sink = &limitedWriter{ctx: ctx, w: sink, lim: o.Limiter}
	}
	if _, err := sink.Write([]byte{byte(o.Compression)}); err != nil {
		metrics.IndexIOErrorsTotal.WithLabelValues(o.Backend, "write").Inc()
		return nil, fmt.Errorf("write codec marker: %w", err)
	}
	comp, err := o.Compression.newWriter(sink)
	if err != nil {
		return nil, err
	}
	pw := &Writer{
		ctx:     ctx,
		sink:    w,
		comp:    comp,
		digest:  xxhash.New(),
		backend: o.Backend,
	}
	var inner io.Writer = sink
	if comp != nil {
		inner = comp
	}
	pw.bw = bufio.NewWriterSize(inner, o.BufferSize)
	return pw, nil
}

// Write implements io.Writer. It fails once the context given to
// NewWriter is done.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if err := w.ctx.Err(); err != nil {
		metrics.IndexIOErrorsTotal.WithLabelValues(w.backend, "write").Inc()
		return 0, err
	}
	n, err := w.bw.Write(p)
	_, _ = w.digest.Write(p[:n])
	w.n += int64(n)
	metrics.IndexIOBytesTotal.WithLabelValues(w.backend, "write").Add(float64(n))
	if err != nil {
		metrics.IndexIOErrorsTotal.WithLabelValues(w.backend, "write").Inc()
	}
	return n, err
}

// Flush implements Output.
func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		metrics.IndexIOErrorsTotal.WithLabelValues(w.backend, "flush").Inc()
		return err
	}
	if f, ok := w.comp.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			metrics.IndexIOErrorsTotal.WithLabelValues(w.backend, "flush").Inc()
			return err
		}
	}
	return nil
}

// Sum64 implements Output.
func (w *Writer) Sum64() uint64 { return w.digest.Sum64() }

// BytesWritten returns uncompressed bytes accepted so far.
func (w *Writer) BytesWritten() int64 { return w.n }

// Close flushes and closes the codec and sink. The sink is closed even when
// flushing fails so store uploads are never left dangling; a failed flush is
// still reported.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.Flush()
	if w.comp != nil {
		err = errors.Join(err, w.comp.Close())
	}
	if c, ok := w.sink.(io.Closer); ok {
		if err != nil {
			if a, ok := c.(aborter); ok {
				return errors.Join(err, a.Abort(err))
			}
		}
		err = errors.Join(err, c.Close())
	}
	return err
}

// aborter is implemented by store sinks that can discard a partial object.
type aborter interface {
	Abort(cause error) error
}

// Abort discards the output without committing it to the store.
func (w *Writer) Abort(cause error) error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.comp != nil {
		_ = w.comp.Close()
	}
	if a, ok := w.sink.(aborter); ok {
		return a.Abort(cause)
	}
	if c, ok := w.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Reader is a buffered Input over any io.Reader.
type Reader struct {
	src     io.Reader
	decomp  io.ReadCloser
	br      *bufio.Reader
	digest  *xxhash.Digest
	n       int64
	backend string
}

// NewReader wraps r and consumes the codec marker.
func NewReader(ctx context.Context, r io.Reader, opts ...Option) (*Reader, error) {
	o := buildOptions(opts)
	src := r
	if o.Limiter != nil {
		src = &limitedReader{ctx: ctx, r: src, lim: o.Limiter}
	}
	var marker [1]byte
	if _, err := io.ReadFull(src, marker[:]); err != nil {
		metrics.IndexIOErrorsTotal.WithLabelValues(o.Backend, "read").Inc()
		return nil, fmt.Errorf("read codec marker: %w", err)
	}
	codec := Compression(marker[0])
	decomp, err := codec.newReader(src)
	if err != nil {
		return nil, err
	}
	pr := &Reader{
		src:     r,
		decomp:  decomp,
		digest:  xxhash.New(),
		backend: o.Backend,
	}
	var inner io.Reader = src
	if decomp != nil {
		inner = decomp
	}
	pr.br = bufio.NewReaderSize(inner, o.BufferSize)
	return pr, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.br.Read(p)
	_, _ = r.digest.Write(p[:n])
	r.n += int64(n)
	metrics.IndexIOBytesTotal.WithLabelValues(r.backend, "read").Add(float64(n))
	if err != nil && err != io.EOF {
		metrics.IndexIOErrorsTotal.WithLabelValues(r.backend, "read").Inc()
	}
	return n, err
}

// Sum64 implements Input.
func (r *Reader) Sum64() uint64 { return r.digest.Sum64() }

// BytesRead returns uncompressed bytes delivered so far.
func (r *Reader) BytesRead() int64 { return r.n }

// Close releases the codec and closes the source when it is an io.Closer.
func (r *Reader) Close() error {
	var err error
	if r.decomp != nil {
		err = r.decomp.Close()
	}
	if c, ok := r.src.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

var (
	_ Output = (*Writer)(nil)
	_ Input  = (*Reader)(nil)
)
