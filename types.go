package layerpeek

import (
	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Platform identifies an OS/architecture pair used to select a manifest from an index
// (spec §3). Variant is carried through from the index for display only; the arch-selection
// rule matches on Architecture alone and ignores it.
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

// BlobDescriptor is "{ digest, size, mediaType }" per spec §3.
type BlobDescriptor struct {
	Digest    digest.Digest
	Size      int64
	MediaType string
}

// PlatformManifest is a single-platform manifest: a config descriptor plus an ordered list
// of layer descriptors (spec §3).
type PlatformManifest struct {
	MediaType string
	Config    BlobDescriptor
	Layers    []BlobDescriptor
}

// ManifestIndexEntry is one child of a ManifestIndex.
type ManifestIndexEntry struct {
	Digest   digest.Digest
	Platform Platform
}

// ManifestIndex is a multi-architecture manifest list (spec §3).
type ManifestIndex struct {
	Manifests []ManifestIndexEntry
}

// SelectPlatform implements the resolution rule in spec §3: when arch is non-empty, pick the
// first entry whose Platform.Architecture matches; otherwise pick the first entry; if the
// index is empty, or arch was requested and nothing matches, return ErrPlatformNotFound.
func (idx ManifestIndex) SelectPlatform(arch string) (ManifestIndexEntry, error) {
	if len(idx.Manifests) == 0 {
		return ManifestIndexEntry{}, ErrPlatformNotFound
	}
	if arch == "" {
		return idx.Manifests[0], nil
	}
	for _, m := range idx.Manifests {
		if m.Platform.Architecture == arch {
			return m, nil
		}
	}
	return ManifestIndexEntry{}, ErrPlatformNotFound
}

// ImageConfig is the image config JSON document (spec §3), modeled directly on
// github.com/opencontainers/image-spec so architecture/os/config/history/rootfs are decoded
// by a maintained, wire-compatible schema instead of a hand-rolled struct. Docker Distribution
// config blobs are a superset-compatible shape and decode cleanly into the same type.
type ImageConfig = ispec.Image
