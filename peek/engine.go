// Package peek implements the Layer Peek Engine (spec §4.6): pulling compressed chunks through
// a registry.RangeReader, feeding them to a gzipstream.Decompressor, and scanning the growing
// decompressed buffer for tar headers via layer.ParseHeader, without ever materializing the
// whole decompressed tar at once.
package peek

import (
	"github.com/pkg/errors"

	"github.com/layerforensics/layerpeek"
	"github.com/layerforensics/layerpeek/gzipstream"
	"github.com/layerforensics/layerpeek/layer"
	"github.com/layerforensics/layerpeek/registry"
)

// OnEntry is invoked once per parsed entry, in tar-stream order, as soon as it's available —
// the progressive-emission form spec §4.6 and §9 require so a UI can render incrementally. The
// final aggregate is returned separately as a PeekResult once the stream is done.
type OnEntry func(layerpeek.TarEntry)

// Options configures a single Peek call.
type Options struct {
	// MaxCompressedBytes, if > 0, stops the engine once that many compressed bytes have been
	// pulled, setting Partial=true on the result (spec §4.6 "Partial mode").
	MaxCompressedBytes int64
	OnEntry            OnEntry
}

// Peek runs the Layer Peek Engine to completion (or to the partial cutoff) against digest,
// reading compressed bytes through rr (spec §4.6).
func Peek(rr *registry.RangeReader, digest string, opts Options) layerpeek.PeekResult {
	result := layerpeek.PeekResult{Digest: digest}

	dec := gzipstream.New()
	var parseOffset int64
	var entries []layerpeek.TarEntry

	for {
		chunk, err := rr.Next()
		if err != nil {
			result.Err = errors.Wrap(err, "fetch layer chunk")
			result.Partial = true
			break
		}
		if len(chunk) == 0 && rr.Exhausted() {
			break
		}

		result.BytesDownloaded += int64(len(chunk))

		_, decErr := dec.Feed(chunk)
		if errors.Is(decErr, layerpeek.ErrNotGzip) {
			result.Err = layerpeek.ErrNotGzip
			result.EntriesFound = 0
			result.Entries = nil
			result.BytesDecompressed = 0
			return result
		}
		if decErr != nil {
			result.Err = decErr
			result.Partial = true
			break
		}

		buf := dec.Buffer()
		var endOfArchive bool
		parseOffset, endOfArchive = scanEntries(buf, parseOffset, opts.OnEntry, &entries)
		if endOfArchive {
			break
		}

		if opts.MaxCompressedBytes > 0 && result.BytesDownloaded >= opts.MaxCompressedBytes {
			result.Partial = true
			break
		}

		if rr.Exhausted() {
			break
		}
	}

	result.BytesDecompressed = int64(len(dec.Buffer()))
	result.Entries = entries
	result.EntriesFound = len(entries)

	if result.Err == nil && !result.Partial {
		if result.BytesDecompressed < 512 {
			result.Err = layerpeek.ErrTruncatedStream
		} else if !layer.IsEndBlock(dec.Buffer(), parseOffset) && rr.Exhausted() {
			result.Err = layerpeek.ErrTruncatedStream
		}
	}

	return result
}

// scanEntries parses as many complete headers as are available starting at offset, invoking
// onEntry for each and appending to entries. It returns the offset to resume from and whether
// the scan stopped because it hit the end-of-archive NUL block.
func scanEntries(buf []byte, offset int64, onEntry OnEntry, entries *[]layerpeek.TarEntry) (int64, bool) {
	for {
		if layer.IsEndBlock(buf, offset) {
			return offset, true
		}
		res := layer.ParseHeader(buf, offset)
		if !res.OK {
			return offset, false
		}
		*entries = append(*entries, res.Entry)
		if onEntry != nil {
			onEntry(res.Entry)
		}
		offset = res.NextOffset
	}
}
