// Package catalog implements the Local Catalog (spec §4.8): a relational cache of image
// configs, per-layer peek status, and per-layer filesystem entries, backed by
// modernc.org/sqlite — the pure-Go driver this spec's own prior Go rewrite picked for exactly
// this kind of local, file-based cache (see DESIGN.md).
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/layerforensics/layerpeek"
)

// OverwriteDecision is consulted by SavePeekResult when a layer_metadata row for the same
// digest already exists (spec §4.8 "overwrite decision callback"). Returning true overwrites
// the prior entries; false (the default) skips the write.
type OverwriteDecision func(layerDigest string) bool

// Option configures a Catalog at construction time.
type Option func(*Catalog)

// WithOverwriteDecision installs a non-default overwrite policy.
func WithOverwriteDecision(fn OverwriteDecision) Option {
	return func(c *Catalog) { c.overwrite = fn }
}

// Catalog is the durable store described in spec §3/§4.8, owning every persisted row; callers
// never hold references into its internal state.
type Catalog struct {
	db        *sql.DB
	overwrite OverwriteDecision
}

// Open opens (creating if absent) a sqlite database at path and runs Init.
func Open(path string, opts ...Option) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	c := New(db, opts...)
	if err := c.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an already-open *sql.DB, useful for tests against sqlite's ":memory:" DSN.
func New(db *sql.DB, opts ...Option) *Catalog {
	c := &Catalog{db: db, overwrite: func(string) bool { return false }}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Init creates the schema and indexes idempotently (spec §4.8 init()).
func (c *Catalog) Init(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	if _, err := c.db.ExecContext(ctx, schemaDDL); err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	return nil
}

// CachedConfig is GetCachedConfig's result (spec §4.8).
type CachedConfig struct {
	ConfigDigest string
	ConfigJSON   string
	LayerCount   int
	FetchedAt    string
}

// SaveImageConfig upserts the config row and rewrites its child image_layers rows atomically
// (spec §4.8 save_image_config). Freshly written layer rows start unpeeked.
func (c *Catalog) SaveImageConfig(ctx context.Context, configDigest, namespace, repo, tag, arch string,
	configJSON []byte, layerDigests []string, layerSizes []int64) error {

	if len(layerDigests) != len(layerSizes) {
		return errors.Wrap(layerpeek.ErrCacheError, "layerDigests and layerSizes length mismatch")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	defer tx.Rollback()

	// Drop the layer rows of whichever config currently holds this (namespace, repo, tag, arch)
	// before the upsert replaces its digest, so no image_layers row is left pointing at it.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM image_layers WHERE config_digest = ? OR config_digest IN (
			SELECT config_digest FROM image_configs WHERE namespace = ? AND repo = ? AND tag = ? AND arch = ?
		)
	`, configDigest, namespace, repo, tag, arch); err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}

	fetchedAt := nowString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO image_configs (config_digest, namespace, repo, tag, arch, config_json, layer_count, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, repo, tag, arch) DO UPDATE SET
			config_digest=excluded.config_digest,
			config_json=excluded.config_json,
			layer_count=excluded.layer_count,
			fetched_at=excluded.fetched_at
	`, configDigest, namespace, repo, tag, arch, string(configJSON), len(layerDigests), fetchedAt)
	if err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}

	for i, digest := range layerDigests {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO image_layers (config_digest, layer_index, layer_digest, layer_size, peeked, entries_count)
			VALUES (?, ?, ?, ?, 0, 0)
		`, configDigest, i, digest, layerSizes[i])
		if err != nil {
			return errors.Wrap(layerpeek.ErrCacheError, err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	return nil
}

// GetCachedConfig returns the cached config row, or nil if none exists (spec §4.8).
func (c *Catalog) GetCachedConfig(ctx context.Context, namespace, repo, tag, arch string) (*CachedConfig, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT config_digest, config_json, layer_count, fetched_at
		FROM image_configs WHERE namespace = ? AND repo = ? AND tag = ? AND arch = ?
	`, namespace, repo, tag, arch)

	var cc CachedConfig
	if err := row.Scan(&cc.ConfigDigest, &cc.ConfigJSON, &cc.LayerCount, &cc.FetchedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	return &cc, nil
}

// InvalidateConfig deletes a cached config (and its layer rows, via ON DELETE behavior emulated
// manually since modernc.org/sqlite foreign keys don't cascade without ON DELETE CASCADE) ahead
// of writing a fresh one, implementing the Orchestrator's force_refresh policy (spec §4.9).
func (c *Catalog) InvalidateConfig(ctx context.Context, namespace, repo, tag, arch string) error {
	cc, err := c.GetCachedConfig(ctx, namespace, repo, tag, arch)
	if err != nil || cc == nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM image_layers WHERE config_digest = ?`, cc.ConfigDigest); err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM image_configs WHERE config_digest = ?`, cc.ConfigDigest); err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	return nil
}

// LayerInfo is one row of LayerStatus.Layers.
type LayerInfo struct {
	Index        int
	Digest       string
	Size         int64
	Peeked       bool
	PeekedAt     string
	EntriesCount int
}

// LayerStatus is GetLayerStatus's result (spec §4.8).
type LayerStatus struct {
	ConfigDigest  string
	LayerCount    int
	Layers        []LayerInfo
	PeekedCount   int
	UnpeekedCount int
}

// GetLayerStatus returns the peek status of every layer belonging to a cached config, or nil if
// the image isn't cached (spec §4.8 get_layer_status).
func (c *Catalog) GetLayerStatus(ctx context.Context, namespace, repo, tag, arch string) (*LayerStatus, error) {
	cc, err := c.GetCachedConfig(ctx, namespace, repo, tag, arch)
	if err != nil || cc == nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT layer_index, layer_digest, layer_size, peeked, COALESCE(peeked_at, ''), entries_count
		FROM image_layers WHERE config_digest = ? ORDER BY layer_index ASC
	`, cc.ConfigDigest)
	if err != nil {
		return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	defer rows.Close()

	status := &LayerStatus{ConfigDigest: cc.ConfigDigest, LayerCount: cc.LayerCount}
	for rows.Next() {
		var li LayerInfo
		var peeked int
		if err := rows.Scan(&li.Index, &li.Digest, &li.Size, &peeked, &li.PeekedAt, &li.EntriesCount); err != nil {
			return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
		}
		li.Peeked = peeked != 0
		if li.Peeked {
			status.PeekedCount++
		} else {
			status.UnpeekedCount++
		}
		status.Layers = append(status.Layers, li)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	return status, nil
}

// MarkLayerPeeked flips an image_layers row to peeked (spec §4.8 mark_layer_peeked).
func (c *Catalog) MarkLayerPeeked(ctx context.Context, configDigest string, layerIndex int, entriesCount int) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE image_layers SET peeked = 1, peeked_at = ?, entries_count = ?
		WHERE config_digest = ? AND layer_index = ?
	`, nowString(), entriesCount, configDigest, layerIndex)
	if err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	return nil
}

// SavePeekResult persists a layer's entries and metadata, honouring overwrite-or-skip semantics
// (spec §4.8 save_peek_result): if layer_metadata already holds this digest, the configured
// OverwriteDecision is consulted; the default policy skips and returns ErrOverwriteSkipped.
func (c *Catalog) SavePeekResult(ctx context.Context, namespace, repo, tag string, layerIndex int,
	layerSize int64, result layerpeek.PeekResult) error {

	exists, err := c.layerMetadataExists(ctx, result.Digest)
	if err != nil {
		return err
	}
	if exists && !c.overwrite(result.Digest) {
		return layerpeek.ErrOverwriteSkipped
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	defer tx.Rollback()

	if exists {
		if _, err := tx.ExecContext(ctx, `DELETE FROM layer_entries WHERE layer_digest = ?`, result.Digest); err != nil {
			return errors.Wrap(layerpeek.ErrCacheError, err.Error())
		}
	}

	scrapedAt := nowString()
	exportFilename := layerpeek.MakeFileSafeName(fmt.Sprintf("%s/%s:%s", namespace, repo, tag)) +
		fmt.Sprintf("-layer%d.tar", layerIndex)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO layer_metadata
			(layer_digest, namespace, repo, tag, layer_index, layer_size, entries_count,
			 bytes_downloaded, bytes_decompressed, scraped_at, export_filename)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(layer_digest) DO UPDATE SET
			entries_count=excluded.entries_count,
			bytes_downloaded=excluded.bytes_downloaded,
			bytes_decompressed=excluded.bytes_decompressed,
			scraped_at=excluded.scraped_at,
			export_filename=excluded.export_filename
	`, result.Digest, namespace, repo, tag, layerIndex, layerSize, result.EntriesFound,
		result.BytesDownloaded, result.BytesDecompressed, scrapedAt, exportFilename)
	if err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}

	for _, e := range result.Entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO layer_entries
				(layer_digest, namespace, repo, tag, layer_index, scraped_at, name, size, typeflag,
				 is_dir, mode, uid, gid, mtime, linkname, is_symlink)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, result.Digest, namespace, repo, tag, layerIndex, scrapedAt, e.Name, e.Size, e.Typeflag,
			boolToInt(e.IsDir), e.Mode, e.UID, e.GID, e.Mtime, e.Linkname, boolToInt(e.IsSymlink))
		if err != nil {
			return errors.Wrap(layerpeek.ErrCacheError, err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	return nil
}

func (c *Catalog) layerMetadataExists(ctx context.Context, layerDigest string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM layer_metadata WHERE layer_digest = ?`, layerDigest).Scan(&n)
	if err != nil {
		return false, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	return n > 0, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// MarshalConfig is a small helper callers may use to produce the config_json bytes SaveImageConfig
// expects from a layerpeek.ImageConfig.
func MarshalConfig(cfg layerpeek.ImageConfig) ([]byte, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(layerpeek.ErrCacheError, err.Error())
	}
	return b, nil
}
