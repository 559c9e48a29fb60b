package storage

// schema is the durable state layout from spec.md §6, expressed as
// storage-engine-agnostic SQL (works unmodified against both the
// mattn/go-sqlite3 and canonical/go-dqlite/v2 backends this package
// supports).
const schema = `
CREATE TABLE IF NOT EXISTS sync_rules (
	id                   TEXT PRIMARY KEY,
	state                TEXT NOT NULL,
	last_checkpoint      INTEGER NOT NULL DEFAULT 0,
	last_checkpoint_lsn  TEXT NOT NULL DEFAULT '',
	no_checkpoint_before TEXT NOT NULL DEFAULT '',
	keepalive_op         INTEGER NOT NULL DEFAULT 0,
	snapshot_lsn         TEXT NOT NULL DEFAULT '',
	snapshot_done        INTEGER NOT NULL DEFAULT 0,
	last_fatal_error     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS source_tables (
	id                 TEXT PRIMARY KEY,
	group_id           TEXT NOT NULL,
	relation_id        TEXT NOT NULL,
	schema_name        TEXT NOT NULL,
	table_name         TEXT NOT NULL,
	replica_id_columns TEXT NOT NULL,
	snapshot_status    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS op_sequence (
	group_id TEXT PRIMARY KEY,
	next_op  INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS bucket_data (
	group_id  TEXT NOT NULL,
	bucket    TEXT NOT NULL,
	op_id     INTEGER NOT NULL,
	op        TEXT NOT NULL,
	row_id    TEXT NOT NULL DEFAULT '',
	object_type TEXT NOT NULL DEFAULT '',
	object_id TEXT NOT NULL DEFAULT '',
	subkey    TEXT NOT NULL DEFAULT '',
	checksum  INTEGER NOT NULL,
	data      BLOB,
	target_op INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (group_id, bucket, op_id)
);

CREATE TABLE IF NOT EXISTS bucket_parameters (
	group_id          TEXT NOT NULL,
	lookup            TEXT NOT NULL,
	source_table      TEXT NOT NULL,
	source_key        TEXT NOT NULL,
	id                TEXT NOT NULL,
	bucket_parameters BLOB NOT NULL,
	PRIMARY KEY (group_id, lookup, source_table, source_key)
);
CREATE INDEX IF NOT EXISTS bucket_parameters_lookup ON bucket_parameters (group_id, lookup);

CREATE TABLE IF NOT EXISTS current_data (
	group_id     TEXT NOT NULL,
	source_table TEXT NOT NULL,
	source_key   TEXT NOT NULL,
	data         BLOB NOT NULL,
	buckets      BLOB NOT NULL,
	lookups      BLOB NOT NULL,
	PRIMARY KEY (group_id, source_table, source_key)
);

CREATE TABLE IF NOT EXISTS write_checkpoints (
	user_id           TEXT NOT NULL,
	client_id         TEXT NOT NULL,
	lsn1              TEXT NOT NULL DEFAULT '',
	lsn2              TEXT NOT NULL DEFAULT '',
	processed_at_lsn  TEXT NOT NULL DEFAULT '',
	checkpoint        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, client_id)
);
`
