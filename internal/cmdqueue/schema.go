package cmdqueue

const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema is the gateway-owned outbound command queue.
// No database RPC enqueues or lists commands, so this durable queue, like the
// device registry, lives in the gateway's own SQLite database.
const initialSchema = `
CREATE TABLE IF NOT EXISTS commands (
    command_id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    device_mac TEXT NOT NULL,
    command_type TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    status TEXT NOT NULL,
    issued_at DATETIME NOT NULL,
    delivered_at DATETIME,
    acknowledged_at DATETIME,
    retry_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_commands_status_issued ON commands(status, issued_at);
CREATE INDEX IF NOT EXISTS idx_commands_device_mac ON commands(device_mac, status);
`

type migration struct {
	version     int
	description string
	sql         string
}

var migrations = []migration{
	{version: 1, description: "command queue", sql: initialSchema},
}
