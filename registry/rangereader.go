package registry

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/pkg/errors"

	"github.com/layerforensics/layerpeek"
)

// contentRangePattern matches a "Content-Range: bytes x-y/TOTAL" header (spec §4.3).
var contentRangePattern = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+|\*)$`)

// RangeReader fetches a blob in successive byte ranges through a shared Auth (spec §4.3 Range
// Blob Reader). Every request inherits Auth's 401-retry policy; a RangeReader does not itself
// retry transient network errors, matching the spec's "that policy lives at the orchestration
// level" note.
type RangeReader struct {
	auth      *Auth
	blobURL   string
	chunkSize int64

	cursor    int64
	total     int64 // -1 until learned from the first Content-Range
	exhausted bool
}

// NewRangeReader constructs a reader for one blob URL. chunkSize <= 0 falls back to DefaultChunkSize.
func NewRangeReader(auth *Auth, blobURL string, chunkSize int64) *RangeReader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &RangeReader{auth: auth, blobURL: blobURL, chunkSize: chunkSize, total: -1}
}

// Exhausted reports whether further calls to Next will return no data.
func (r *RangeReader) Exhausted() bool { return r.exhausted }

// Total returns the blob's total size once known, or -1 if not yet learned.
func (r *RangeReader) Total() int64 { return r.total }

// Cursor returns the number of bytes fetched so far.
func (r *RangeReader) Cursor() int64 { return r.cursor }

// Next fetches the next chunk and advances the cursor. Once exhausted it returns (nil, nil)
// rather than an error, matching spec §4.3's "flips true ... surfaces as a final empty read".
func (r *RangeReader) Next() ([]byte, error) {
	if r.exhausted {
		return nil, nil
	}

	start := r.cursor
	end := start + r.chunkSize - 1

	req, err := http.NewRequest(http.MethodGet, r.blobURL, nil)
	if err != nil {
		r.exhausted = true
		return nil, errors.Wrap(layerpeek.ErrRegistryError, err.Error())
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := r.auth.Do(req)
	if err != nil {
		r.exhausted = true
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		r.exhausted = true
		return nil, nil
	case http.StatusOK, http.StatusPartialContent:
		// fall through
	default:
		r.exhausted = true
		body, _ := io.ReadAll(resp.Body)
		return nil, &layerpeek.RegistryError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	r.learnTotal(resp)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		r.exhausted = true
		return nil, errors.Wrap(layerpeek.ErrRegistryError, err.Error())
	}

	r.cursor += int64(len(data))

	if resp.StatusCode == http.StatusOK {
		// The server ignored our Range header and sent the whole blob; one call covers it all.
		r.total = int64(len(data))
		r.exhausted = true
		return data, nil
	}

	if int64(len(data)) < r.chunkSize {
		r.exhausted = true
	}
	if r.total >= 0 && r.cursor >= r.total {
		r.exhausted = true
	}

	return data, nil
}

func (r *RangeReader) learnTotal(resp *http.Response) {
	if r.total >= 0 {
		return
	}
	cr := resp.Header.Get("Content-Range")
	if cr == "" {
		return
	}
	m := contentRangePattern.FindStringSubmatch(cr)
	if m == nil || m[3] == "*" {
		return
	}
	total, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return
	}
	r.total = total
}
