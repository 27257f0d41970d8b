package orchestrate_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	_ "modernc.org/sqlite"

	"github.com/layerforensics/layerpeek"
	"github.com/layerforensics/layerpeek/catalog"
	"github.com/layerforensics/layerpeek/fakes"
	"github.com/layerforensics/layerpeek/orchestrate"
	h "github.com/layerforensics/layerpeek/testhelpers"
)

func TestOrchestrator(t *testing.T) {
	spec.Run(t, "Orchestrator", testOrchestrator, spec.Report(report.Terminal{}))
}

func newMemCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	h.AssertNil(t, err)
	c := catalog.New(db)
	h.AssertNil(t, c.Init(context.Background()))
	return c
}

// seedSingleLayerImage installs a one-layer "library/alpine:latest" amd64 image on the fake
// registry, returning the layer's gzip+tar bytes for content assertions.
func seedSingleLayerImage(t *testing.T, reg *fakes.Registry) []byte {
	t.Helper()

	layerBlob := h.GzipLayer(t,
		h.TarFileEntry{Name: "etc/"},
		h.TarFileEntry{Name: "etc/os-release", Contents: "NAME=\"Alpine Linux\"\n"},
	)
	layerDigest := digest.FromBytes(layerBlob)

	diffID := digest.FromBytes(layerBlob) // fake: content-addressed uncompressed diff ID stand-in
	cfg := ispec.Image{
		Platform: ispec.Platform{Architecture: "amd64", OS: "linux"},
		RootFS:   ispec.RootFS{Type: "layers", DiffIDs: []digest.Digest{diffID}},
	}
	configJSON, err := json.Marshal(cfg)
	h.AssertNil(t, err)
	configDigest := digest.FromBytes(configJSON)

	manifest := map[string]interface{}{
		"mediaType": "application/vnd.docker.distribution.manifest.v2+json",
		"config": map[string]interface{}{
			"mediaType": "application/vnd.docker.container.image.v1+json",
			"digest":    configDigest.String(),
			"size":      len(configJSON),
		},
		"layers": []interface{}{
			map[string]interface{}{
				"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
				"digest":    layerDigest.String(),
				"size":      len(layerBlob),
			},
		},
	}
	manifestJSON, err := json.Marshal(manifest)
	h.AssertNil(t, err)

	reg.SetManifest("latest", manifestJSON, "application/vnd.docker.distribution.manifest.v2+json")
	reg.SetBlob(configDigest.String(), configJSON)
	reg.SetBlob(layerDigest.String(), layerBlob)

	return layerBlob
}

func testOrchestrator(t *testing.T, when spec.G, it spec.S) {
	var (
		cat *catalog.Catalog
		reg *fakes.Registry
		orc *orchestrate.Orchestrator
		ctx context.Context
		ref layerpeek.Reference
	)

	it.Before(func() {
		cat = newMemCatalog(t)
		reg = fakes.NewRegistry("library", "alpine")
		orc = orchestrate.New(cat, orchestrate.WithClientOptions(reg.ClientOptions()...))
		ctx = context.Background()
		ref = layerpeek.Reference{Namespace: "library", Repo: "alpine", Tag: "latest"}
	})

	it.After(func() {
		reg.Close()
	})

	when("#Resolve", func() {
		it.Before(func() {
			seedSingleLayerImage(t, reg)
		})

		it("fetches and caches the config on a miss", func() {
			cfg, err := orc.Resolve(ctx, ref, layerpeek.Platform{Architecture: "amd64"}, false)
			h.AssertNil(t, err)
			h.AssertEq(t, cfg.LayerCount, 1)
			h.AssertEq(t, reg.TokenRequests(), 1)
		})

		it("reuses the cached config on a second call without hitting the registry again", func() {
			_, err := orc.Resolve(ctx, ref, layerpeek.Platform{Architecture: "amd64"}, false)
			h.AssertNil(t, err)
			tokenRequestsAfterFirst := reg.TokenRequests()

			_, err = orc.Resolve(ctx, ref, layerpeek.Platform{Architecture: "amd64"}, false)
			h.AssertNil(t, err)
			h.AssertEq(t, reg.TokenRequests(), tokenRequestsAfterFirst)
		})

		it("re-fetches upstream on an already-cached image when forceRefresh is set", func() {
			_, err := orc.Resolve(ctx, ref, layerpeek.Platform{Architecture: "amd64"}, false)
			h.AssertNil(t, err)
			tokenRequestsAfterFirst := reg.TokenRequests()

			cfg, err := orc.Resolve(ctx, ref, layerpeek.Platform{Architecture: "amd64"}, true)
			h.AssertNil(t, err)
			h.AssertEq(t, cfg.LayerCount, 1)
			if reg.TokenRequests() <= tokenRequestsAfterFirst {
				t.Fatalf("expected forceRefresh to hit the registry again, token requests stayed at %d", reg.TokenRequests())
			}
		})
	})

	when("#PeekLayer", func() {
		it.Before(func() {
			seedSingleLayerImage(t, reg)
		})

		it("peeks the one layer and persists entries", func() {
			result, err := orc.PeekLayer(ctx, ref, layerpeek.Platform{Architecture: "amd64"}, 0)
			h.AssertNil(t, err)
			h.AssertEq(t, result.EntriesFound, 2)

			entries, err := cat.ListEntries(ctx, result.Digest, "etc")
			h.AssertNil(t, err)
			h.AssertEq(t, len(entries), 1)
			h.AssertEq(t, entries[0].Name, "etc/os-release")

			status, err := cat.GetLayerStatus(ctx, "library", "alpine", "latest", "amd64")
			h.AssertNil(t, err)
			h.AssertEq(t, status.Layers[0].Peeked, true)
		})
	})

	when("#PeekAll", func() {
		it.Before(func() {
			seedSingleLayerImage(t, reg)
		})

		it("peeks every unpeeked layer", func() {
			results, err := orc.PeekAll(ctx, ref, layerpeek.Platform{Architecture: "amd64"})
			h.AssertNil(t, err)
			h.AssertEq(t, len(results), 1)
			h.AssertEq(t, results[0].EntriesFound, 2)
		})
	})

	when("#Carve", func() {
		it.Before(func() {
			seedSingleLayerImage(t, reg)
		})

		it("extracts the requested file from the given layer index", func() {
			result, err := orc.Carve(ctx, ref, layerpeek.Platform{Architecture: "amd64"}, "etc/os-release", 0)
			h.AssertNil(t, err)
			h.AssertEq(t, string(result.Content), "NAME=\"Alpine Linux\"\n")
			h.AssertEq(t, result.LayerIndex, 0)
		})

		it("returns NotFound for a path absent from that layer", func() {
			_, err := orc.Carve(ctx, ref, layerpeek.Platform{Architecture: "amd64"}, "etc/shadow", 0)
			var nf *layerpeek.NotFoundError
			if err == nil {
				t.Fatal("expected an error")
			}
			if _, ok := err.(*layerpeek.NotFoundError); !ok {
				t.Fatalf("expected *layerpeek.NotFoundError, got %T: %v (%v)", err, err, nf)
			}
		})
	})

	when("#CarveSearch", func() {
		it.Before(func() {
			seedSingleLayerImage(t, reg)
		})

		it("scans layers in manifest order and stops at the first match", func() {
			result, err := orc.CarveSearch(ctx, ref, layerpeek.Platform{Architecture: "amd64"}, "etc/os-release")
			h.AssertNil(t, err)
			h.AssertEq(t, string(result.Content), "NAME=\"Alpine Linux\"\n")
		})
	})
}
