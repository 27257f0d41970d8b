// Package carve implements the File Carver (spec §4.7): locating one path inside a layer and
// emitting only its content bytes, downloading no more compressed data than the content window
// plus one chunk of slack requires.
package carve

import (
	"time"

	"github.com/pkg/errors"

	"github.com/layerforensics/layerpeek"
	"github.com/layerforensics/layerpeek/gzipstream"
	"github.com/layerforensics/layerpeek/layer"
	"github.com/layerforensics/layerpeek/registry"
)

// match records where the target entry's content lives once its header has been parsed.
type match struct {
	contentOffset int64
	contentSize   int64
}

// Carve scans one layer's tar stream for targetPath (normalised the same way as entry names —
// spec §4.7) and, on a match, returns its bytes. It halts further I/O for this layer as soon as
// the content window is fully covered.
func Carve(rr *registry.RangeReader, layerDigest string, targetPath string) (layerpeek.CarveResult, error) {
	start := time.Now()
	target := layerpeek.NormalizeName(targetPath)

	dec := gzipstream.New()
	var parseOffset int64
	var found *match

	for {
		chunk, err := rr.Next()
		if err != nil {
			return layerpeek.CarveResult{}, errors.Wrap(err, "fetch layer chunk")
		}
		if len(chunk) == 0 && rr.Exhausted() {
			break
		}

		_, decErr := dec.Feed(chunk)
		if decErr != nil {
			return layerpeek.CarveResult{}, decErr
		}

		buf := dec.Buffer()

		if found == nil {
			parseOffset, found = scanForTarget(buf, parseOffset, target)
		}

		if found != nil && int64(len(buf)) >= found.contentOffset+found.contentSize {
			content := buf[found.contentOffset : found.contentOffset+found.contentSize]
			out := make([]byte, len(content))
			copy(out, content)
			return layerpeek.CarveResult{
				LayerDigest:     layerDigest,
				BytesDownloaded: rr.Cursor(),
				Content:         out,
				ElapsedSeconds:  time.Since(start).Seconds(),
			}, nil
		}

		if rr.Exhausted() {
			break
		}
	}

	if found != nil {
		return layerpeek.CarveResult{}, errors.Wrapf(layerpeek.ErrTruncatedStream,
			"layer %s ended before covering %s", layerDigest, target)
	}
	return layerpeek.CarveResult{}, &layerpeek.NotFoundError{Path: targetPath}
}

// scanForTarget parses as many complete headers as are available starting at offset, stopping
// the instant it finds target. It returns the offset to resume scanning from (unchanged once a
// match is found, since no more header parsing is needed for this layer) and the match, if any.
func scanForTarget(buf []byte, offset int64, target string) (int64, *match) {
	for {
		if layer.IsEndBlock(buf, offset) {
			return offset, nil
		}
		res := layer.ParseHeader(buf, offset)
		if !res.OK {
			return offset, nil
		}
		if res.Entry.Name == target {
			return offset, &match{
				contentOffset: offset + 512,
				contentSize:   res.Entry.Size,
			}
		}
		offset = res.NextOffset
	}
}
