package layerpeek

import (
	"fmt"

	units "github.com/docker/go-units"
)

// PeekResult is the outcome of enumerating one layer's tar entries (spec §3/§4.6).
type PeekResult struct {
	Digest             string
	Partial            bool
	BytesDownloaded    int64
	BytesDecompressed  int64
	EntriesFound       int
	Entries            []TarEntry
	Err                error
}

// Summary renders a short, human-readable progress line suitable for logging — e.g.
// "sha256:…: 1.2MB downloaded, 4.8MB decompressed, 214 entries (complete)" — using
// github.com/docker/go-units so sizes match the same formatting Docker tooling uses elsewhere
// in the pack, per spec §7 ("Peek and Carve always report partial progress").
func (p PeekResult) Summary() string {
	status := "complete"
	if p.Partial {
		status = "partial"
	}
	if p.Err != nil {
		status = "failed: " + p.Err.Error()
	}
	return fmt.Sprintf("%s: %s downloaded, %s decompressed, %d entries (%s)",
		p.Digest, units.HumanSize(float64(p.BytesDownloaded)), units.HumanSize(float64(p.BytesDecompressed)), p.EntriesFound, status)
}

// CarveResult is the outcome of extracting one file's bytes from a layer (spec §6 carve).
type CarveResult struct {
	LayerIndex      int
	LayerDigest     string
	BytesDownloaded int64
	LayerSize       int64
	ElapsedSeconds  float64
	Content         []byte
}
