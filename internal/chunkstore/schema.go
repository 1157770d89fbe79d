package chunkstore

// schemaMigrationsTable tracks applied schema versions, mirroring the
// gateway's other local SQLite store.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema is the chunk store's sole table.
const initialSchema = `
CREATE TABLE IF NOT EXISTS image_chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chunk_key TEXT NOT NULL UNIQUE,
    device_mac TEXT NOT NULL,
    image_name TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    chunk_data BLOB NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    expires_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_image_chunks_identity
    ON image_chunks(device_mac, image_name, chunk_index);
CREATE INDEX IF NOT EXISTS idx_image_chunks_key ON image_chunks(device_mac, image_name);
CREATE INDEX IF NOT EXISTS idx_image_chunks_expires_at ON image_chunks(expires_at);
`
