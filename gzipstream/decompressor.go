// Package gzipstream implements a stateful gzip decoder that accepts successive compressed
// chunks and appends their decompressed output to an internal buffer (spec §4.2), so a caller
// can scan the decompressed bytes produced so far without waiting for the whole stream.
package gzipstream

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/layerforensics/layerpeek"
)

// gzipMagic is the two leading bytes every gzip stream must start with (spec §4.2).
var gzipMagic = []byte{0x1f, 0x8b}

// Decompressor is fed successive compressed chunks via Feed and accumulates decompressed
// output. Once Err is set, subsequent Feed calls return no new bytes.
//
// compress/flate.Reader cannot resume after its underlying reader returns a short read mid
// stream — it latches io.ErrUnexpectedEOF permanently. Rather than keep one flate.Reader alive
// across Feed calls, each Feed re-runs compress/gzip over the cumulative compressed buffer and
// diffs against the previously-decoded length. This trades repeated inflate work for
// correctness; in practice it is bounded by the Peek Engine's chunk size and optional partial
// cutoff (spec §4.6), so the repeated work stays small.
type Decompressor struct {
	compressed []byte
	decoded    []byte
	checked    bool
	err        error
}

// New returns a Decompressor ready to accept its first chunk.
func New() *Decompressor {
	return &Decompressor{}
}

// Feed appends chunk to the compressed input and returns the newly produced decompressed bytes.
// Once the first two bytes have arrived they must be the gzip magic, or ErrNotGzip is recorded
// and returned without attempting decompression; until then Feed returns no bytes and no error.
func (d *Decompressor) Feed(chunk []byte) ([]byte, error) {
	if d.err != nil {
		return nil, nil
	}
	if len(chunk) == 0 {
		return nil, nil
	}

	d.compressed = append(d.compressed, chunk...)

	if !d.checked {
		if len(d.compressed) < 2 {
			return nil, nil // not enough bytes yet to check the magic
		}
		if d.compressed[0] != gzipMagic[0] || d.compressed[1] != gzipMagic[1] {
			d.err = layerpeek.ErrNotGzip
			return nil, d.err
		}
		d.checked = true
	}

	gr, err := gzip.NewReader(bytes.NewReader(d.compressed))
	if err != nil {
		// Not enough compressed bytes yet to even start the gzip header; try again next Feed.
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, nil
		}
		d.err = wrapDecompressError(err)
		return nil, d.err
	}

	decoded, err := io.ReadAll(gr)
	if err != nil && err != io.ErrUnexpectedEOF {
		d.err = wrapDecompressError(err)
		return nil, d.err
	}

	if len(decoded) <= len(d.decoded) {
		return nil, nil
	}

	newly := decoded[len(d.decoded):]
	d.decoded = decoded
	return newly, nil
}

// Buffer returns the full accumulated decompressed data so a parser may scan prior content
// again (spec §4.2 buffer()).
func (d *Decompressor) Buffer() []byte {
	return d.decoded
}

// Err returns the recorded error, if any. Once set it never clears.
func (d *Decompressor) Err() error {
	return d.err
}

func wrapDecompressError(err error) error {
	return &decompressError{cause: err}
}

type decompressError struct {
	cause error
}

func (e *decompressError) Error() string {
	return "gzip decompression error: " + e.cause.Error()
}

func (e *decompressError) Unwrap() error {
	return layerpeek.ErrDecompressError
}
