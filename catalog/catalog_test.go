package catalog_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	_ "modernc.org/sqlite"

	"github.com/layerforensics/layerpeek"
	"github.com/layerforensics/layerpeek/catalog"
	h "github.com/layerforensics/layerpeek/testhelpers"
)

func TestCatalog(t *testing.T) {
	spec.Run(t, "Catalog", testCatalog, spec.Report(report.Terminal{}))
}

func newMemCatalog(t *testing.T, opts ...catalog.Option) *catalog.Catalog {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	h.AssertNil(t, err)
	c := catalog.New(db, opts...)
	h.AssertNil(t, c.Init(context.Background()))
	return c
}

func testCatalog(t *testing.T, when spec.G, it spec.S) {
	var (
		c   *catalog.Catalog
		ctx context.Context
	)

	it.Before(func() {
		c = newMemCatalog(t)
		ctx = context.Background()
	})

	when("#SaveImageConfig and #GetCachedConfig", func() {
		it("round-trips a config and its layer rows", func() {
			err := c.SaveImageConfig(ctx, "sha256:cfg1", "library", "alpine", "latest", "amd64",
				[]byte(`{"architecture":"amd64"}`), []string{"sha256:l0", "sha256:l1"}, []int64{100, 200})
			h.AssertNil(t, err)

			cfg, err := c.GetCachedConfig(ctx, "library", "alpine", "latest", "amd64")
			h.AssertNil(t, err)
			h.AssertEq(t, cfg.ConfigDigest, "sha256:cfg1")
			h.AssertEq(t, cfg.LayerCount, 2)

			status, err := c.GetLayerStatus(ctx, "library", "alpine", "latest", "amd64")
			h.AssertNil(t, err)
			h.AssertEq(t, len(status.Layers), 2)
			h.AssertEq(t, status.UnpeekedCount, 2)
			h.AssertEq(t, status.PeekedCount, 0)
		})

		it("returns nil for a miss", func() {
			cfg, err := c.GetCachedConfig(ctx, "library", "nonexistent", "latest", "amd64")
			h.AssertNil(t, err)
			h.AssertEq(t, cfg == nil, true)
		})

		it("replaces the layer set on a re-save for the same (ns,repo,tag,arch)", func() {
			h.AssertNil(t, c.SaveImageConfig(ctx, "sha256:cfg1", "library", "alpine", "latest", "amd64",
				[]byte(`{}`), []string{"sha256:l0"}, []int64{100}))
			h.AssertNil(t, c.SaveImageConfig(ctx, "sha256:cfg2", "library", "alpine", "latest", "amd64",
				[]byte(`{}`), []string{"sha256:l0", "sha256:l1"}, []int64{100, 200}))

			cfg, err := c.GetCachedConfig(ctx, "library", "alpine", "latest", "amd64")
			h.AssertNil(t, err)
			h.AssertEq(t, cfg.ConfigDigest, "sha256:cfg2")
			h.AssertEq(t, cfg.LayerCount, 2)
		})
	})

	when("#MarkLayerPeeked", func() {
		it("flips the peeked flag and records entries_count", func() {
			h.AssertNil(t, c.SaveImageConfig(ctx, "sha256:cfg1", "library", "alpine", "latest", "amd64",
				[]byte(`{}`), []string{"sha256:l0"}, []int64{100}))

			h.AssertNil(t, c.MarkLayerPeeked(ctx, "sha256:cfg1", 0, 12))

			status, err := c.GetLayerStatus(ctx, "library", "alpine", "latest", "amd64")
			h.AssertNil(t, err)
			h.AssertEq(t, status.Layers[0].Peeked, true)
			h.AssertEq(t, status.Layers[0].EntriesCount, 12)
			h.AssertEq(t, status.PeekedCount, 1)
		})
	})

	when("#SavePeekResult", func() {
		result := layerpeek.PeekResult{
			Digest:            "sha256:l0",
			EntriesFound:      2,
			BytesDownloaded:   1000,
			BytesDecompressed: 4000,
			Entries: []layerpeek.TarEntry{
				{Name: "etc/", IsDir: true, Mode: "drwxr-xr-x"},
				{Name: "etc/hostname", Size: 7, Mode: "-rw-r--r--"},
			},
		}

		it("inserts metadata and entries on first write", func() {
			h.AssertNil(t, c.SavePeekResult(ctx, "library", "alpine", "latest", 0, 2048, result))

			entries, err := c.ListEntries(ctx, "sha256:l0", "")
			h.AssertNil(t, err)
			h.AssertEq(t, len(entries), 1)
			h.AssertEq(t, entries[0].Name, "etc/")
		})

		it("skips by default on a second write for the same digest", func() {
			h.AssertNil(t, c.SavePeekResult(ctx, "library", "alpine", "latest", 0, 2048, result))

			err := c.SavePeekResult(ctx, "library", "alpine", "latest", 0, 2048, result)
			h.AssertError(t, err, layerpeek.ErrOverwriteSkipped.Error())
		})

		it("overwrites when the configured decision says so", func() {
			c = newMemCatalog(t, catalog.WithOverwriteDecision(func(string) bool { return true }))

			h.AssertNil(t, c.SavePeekResult(ctx, "library", "alpine", "latest", 0, 2048, result))
			h.AssertNil(t, c.SavePeekResult(ctx, "library", "alpine", "latest", 0, 2048, result))

			entries, err := c.ListEntries(ctx, "sha256:l0", "")
			h.AssertNil(t, err)
			h.AssertEq(t, len(entries), 1) // not duplicated
		})
	})

	when("#InvalidateConfig", func() {
		it("is a no-op when nothing is cached", func() {
			h.AssertNil(t, c.InvalidateConfig(ctx, "library", "nonexistent", "latest", "amd64"))
		})

		it("clears a cached config so the next resolve is a miss (force-refresh path)", func() {
			h.AssertNil(t, c.SaveImageConfig(ctx, "sha256:cfg1", "library", "alpine", "latest", "amd64",
				[]byte(`{}`), []string{"sha256:l0"}, []int64{100}))

			h.AssertNil(t, c.InvalidateConfig(ctx, "library", "alpine", "latest", "amd64"))

			cfg, err := c.GetCachedConfig(ctx, "library", "alpine", "latest", "amd64")
			h.AssertNil(t, err)
			h.AssertEq(t, cfg == nil, true)

			status, err := c.GetLayerStatus(ctx, "library", "alpine", "latest", "amd64")
			h.AssertNil(t, err)
			h.AssertEq(t, status == nil, true)
		})
	})

	when("#ListHistory", func() {
		it("paginates and filters by substring", func() {
			r1 := layerpeek.PeekResult{Digest: "sha256:a", EntriesFound: 1}
			r2 := layerpeek.PeekResult{Digest: "sha256:b", EntriesFound: 1}
			h.AssertNil(t, c.SavePeekResult(ctx, "library", "alpine", "latest", 0, 10, r1))
			h.AssertNil(t, c.SavePeekResult(ctx, "library", "debian", "latest", 0, 10, r2))

			page, err := c.ListHistory(ctx, "alpine", 1, 10, "scraped_at", "asc")
			h.AssertNil(t, err)
			h.AssertEq(t, page.Total, 1)
			h.AssertEq(t, page.Entries[0].Repo, "alpine")
		})
	})

	when("#SearchEntries", func() {
		it("substring-matches names with provenance", func() {
			result := layerpeek.PeekResult{
				Digest: "sha256:l0",
				Entries: []layerpeek.TarEntry{
					{Name: "etc/os-release", Size: 20},
					{Name: "etc/hostname", Size: 7},
				},
			}
			h.AssertNil(t, c.SavePeekResult(ctx, "library", "alpine", "latest", 0, 100, result))

			results, err := c.SearchEntries(ctx, "release", catalog.SearchScope{})
			h.AssertNil(t, err)
			h.AssertEq(t, len(results), 1)
			h.AssertEq(t, results[0].Name, "etc/os-release")
			h.AssertEq(t, results[0].Namespace, "library")
		})
	})

	when("#MergedDirectory", func() {
		it("shows the higher layer's entry as active and lower as overridden", func() {
			base := layerpeek.PeekResult{
				Digest: "sha256:l0",
				Entries: []layerpeek.TarEntry{
					{Name: "etc/hostname", Size: 5},
				},
			}
			top := layerpeek.PeekResult{
				Digest: "sha256:l1",
				Entries: []layerpeek.TarEntry{
					{Name: "etc/hostname", Size: 9},
				},
			}
			h.AssertNil(t, c.SavePeekResult(ctx, "library", "alpine", "latest", 0, 10, base))
			h.AssertNil(t, c.SavePeekResult(ctx, "library", "alpine", "latest", 1, 10, top))

			merged, err := c.MergedDirectory(ctx, "library", "alpine", "latest", "etc")
			h.AssertNil(t, err)
			h.AssertEq(t, len(merged), 2)
			h.AssertEq(t, merged[0].LayerIndex, 1)
			h.AssertEq(t, merged[0].Overridden, false)
			h.AssertEq(t, merged[1].LayerIndex, 0)
			h.AssertEq(t, merged[1].Overridden, true)
		})
	})
}
