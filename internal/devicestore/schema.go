package devicestore

const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema is the gateway-owned device registry. No RPC
// creates a device row, so auto-provisioning and device_code
// allocation are the gateway's own responsibility against this table.
const initialSchema = `
CREATE TABLE IF NOT EXISTS devices (
    mac TEXT PRIMARY KEY,
    device_code TEXT NOT NULL UNIQUE,
    hardware_family TEXT NOT NULL,
    provisioning_status TEXT NOT NULL DEFAULT 'pending_mapping',
    company_id TEXT NOT NULL DEFAULT '',
    program_id TEXT NOT NULL DEFAULT '',
    site_id TEXT NOT NULL DEFAULT '',
    wake_schedule TEXT NOT NULL DEFAULT '',
    next_wake_at DATETIME,
    last_seen_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_devices_provisioning_status ON devices(provisioning_status);
CREATE INDEX IF NOT EXISTS idx_devices_hardware_family ON devices(hardware_family);
`

type migration struct {
	version     int
	description string
	sql         string
}

var migrations = []migration{
	{version: 1, description: "device registry", sql: initialSchema},
}
