package catalog

// schemaDDL creates every table and index the Catalog needs (spec §3/§4.8), idempotently.
// modernc.org/sqlite enforces foreign keys only when PRAGMA foreign_keys=ON, set in Init.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS image_configs (
	config_digest TEXT PRIMARY KEY,
	namespace     TEXT NOT NULL,
	repo          TEXT NOT NULL,
	tag           TEXT NOT NULL,
	arch          TEXT NOT NULL,
	config_json   TEXT NOT NULL,
	layer_count   INTEGER NOT NULL,
	fetched_at    TEXT NOT NULL,
	UNIQUE(namespace, repo, tag, arch)
);

CREATE TABLE IF NOT EXISTS image_layers (
	config_digest TEXT NOT NULL REFERENCES image_configs(config_digest),
	layer_index   INTEGER NOT NULL,
	layer_digest  TEXT NOT NULL,
	layer_size    INTEGER NOT NULL,
	peeked        INTEGER NOT NULL DEFAULT 0,
	peeked_at     TEXT,
	entries_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (config_digest, layer_index)
);

CREATE TABLE IF NOT EXISTS layer_metadata (
	layer_digest       TEXT PRIMARY KEY,
	namespace          TEXT NOT NULL,
	repo               TEXT NOT NULL,
	tag                TEXT NOT NULL,
	layer_index        INTEGER NOT NULL,
	layer_size         INTEGER NOT NULL,
	entries_count      INTEGER NOT NULL,
	bytes_downloaded   INTEGER NOT NULL,
	bytes_decompressed INTEGER NOT NULL,
	scraped_at         TEXT NOT NULL,
	export_filename    TEXT
);

CREATE TABLE IF NOT EXISTS layer_entries (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	layer_digest TEXT NOT NULL,
	namespace    TEXT NOT NULL,
	repo         TEXT NOT NULL,
	tag          TEXT NOT NULL,
	layer_index  INTEGER NOT NULL,
	scraped_at   TEXT NOT NULL,
	name         TEXT NOT NULL,
	size         INTEGER NOT NULL,
	typeflag     INTEGER NOT NULL,
	is_dir       INTEGER NOT NULL,
	mode         TEXT NOT NULL,
	uid          INTEGER NOT NULL,
	gid          INTEGER NOT NULL,
	mtime        TEXT NOT NULL,
	linkname     TEXT NOT NULL,
	is_symlink   INTEGER NOT NULL,
	UNIQUE(layer_digest, name)
);

CREATE INDEX IF NOT EXISTS idx_layer_entries_digest ON layer_entries(layer_digest);
CREATE INDEX IF NOT EXISTS idx_layer_entries_name ON layer_entries(name);
CREATE INDEX IF NOT EXISTS idx_layer_entries_scope ON layer_entries(namespace, repo, tag);
`
