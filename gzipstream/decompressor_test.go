package gzipstream_test

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/layerforensics/layerpeek"
	"github.com/layerforensics/layerpeek/gzipstream"
	h "github.com/layerforensics/layerpeek/testhelpers"
)

func gzipBytes(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecompressorFeedsWholeStreamAtOnce(t *testing.T) {
	payload := bytes.Repeat([]byte("hello world "), 100)
	compressed := gzipBytes(t, payload)

	d := gzipstream.New()
	out, err := d.Feed(compressed)
	h.AssertNil(t, err)
	h.AssertEq(t, string(out), string(payload))
	h.AssertEq(t, string(d.Buffer()), string(payload))
	h.AssertNil(t, d.Err())
}

func TestDecompressorFeedsIncrementally(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefghij"), 500)
	compressed := gzipBytes(t, payload)

	d := gzipstream.New()
	var got []byte
	chunkSize := 37
	for i := 0; i < len(compressed); i += chunkSize {
		end := i + chunkSize
		if end > len(compressed) {
			end = len(compressed)
		}
		out, err := d.Feed(compressed[i:end])
		h.AssertNil(t, err)
		got = append(got, out...)
	}

	h.AssertEq(t, string(got), string(payload))
	h.AssertEq(t, string(d.Buffer()), string(payload))
}

func TestDecompressorRejectsNonGzip(t *testing.T) {
	d := gzipstream.New()
	_, err := d.Feed([]byte("not a gzip stream at all"))
	h.AssertError(t, err, layerpeek.ErrNotGzip.Error())
	h.AssertEq(t, d.Err() == err, true)

	// subsequent feeds return nothing further
	out, err2 := d.Feed([]byte("more data"))
	h.AssertNil(t, err2)
	h.AssertEq(t, len(out), 0)
}

func TestDecompressorWaitsForEnoughBytesBeforeMagicCheck(t *testing.T) {
	d := gzipstream.New()
	out, err := d.Feed([]byte{0x1f})
	h.AssertNil(t, err)
	h.AssertEq(t, len(out), 0)
	h.AssertNil(t, d.Err())
}
