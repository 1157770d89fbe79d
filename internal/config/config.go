// Package config loads the device gateway's process configuration: flag
// defaults overridden by environment variables.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds every knob the gatewayd process needs at startup. Nothing
// here is reloaded at runtime; the process restarts to pick up changes.
type Config struct {
	// Broker connection.
	BrokerURL      string
	BrokerUsername string
	BrokerPassword string
	CamPrefix      string

	// Database RPC surface.
	DatabaseURL string

	// Device-lineage cache.
	RedisAddr     string
	RedisPassword string

	// Blob storage.
	StorageBucket string
	StorageRegion string

	// Gateway-owned local durable state.
	DeviceStorePath string
	ChunkStorePath  string
	CmdQueuePath    string

	// Health/metrics/debug HTTP surface.
	HealthPort int

	// Default site cron when no device/site cron is known.
	DefaultCron string

	LogLevel string
}

// DefaultConfig returns the gateway's out-of-the-box configuration. Every
// field is overridable by an environment variable of the same shape as
// GATEWAY_<FIELD>, applied in Load after flags are parsed.
func DefaultConfig() Config {
	return Config{
		BrokerURL:       "tcp://localhost:1883",
		CamPrefix:       "cam",
		DatabaseURL:     "postgres://localhost:5432/fleetcam",
		RedisAddr:       "localhost:6379",
		StorageBucket:   "device-images",
		StorageRegion:   "us-east-1",
		DeviceStorePath: "/var/lib/devicegateway/devices.db",
		ChunkStorePath:  "/var/lib/devicegateway/chunks.db",
		CmdQueuePath:    "/var/lib/devicegateway/commands.db",
		HealthPort:      8080,
		DefaultCron:     "0 */3 * * *",
		LogLevel:        "info",
	}
}

// Load parses command-line flags into a DefaultConfig baseline, then
// applies environment-variable overrides. Env wins, so a container
// deployment can override any flag default.
func Load(args []string) (Config, error) {
	cfg := DefaultConfig()

	fs := flag.NewFlagSet("gatewayd", flag.ContinueOnError)
	fs.StringVar(&cfg.BrokerURL, "broker-url", cfg.BrokerURL, "MQTT broker URL")
	fs.StringVar(&cfg.CamPrefix, "cam-prefix", cfg.CamPrefix, "camera topic prefix")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres RPC database URL")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "device-lineage cache address")
	fs.StringVar(&cfg.StorageBucket, "storage-bucket", cfg.StorageBucket, "blob storage bucket")
	fs.StringVar(&cfg.StorageRegion, "storage-region", cfg.StorageRegion, "blob storage region")
	fs.StringVar(&cfg.DeviceStorePath, "device-store-path", cfg.DeviceStorePath, "device registry SQLite path")
	fs.StringVar(&cfg.ChunkStorePath, "chunk-store-path", cfg.ChunkStorePath, "chunk store SQLite path")
	fs.StringVar(&cfg.CmdQueuePath, "cmd-queue-path", cfg.CmdQueuePath, "command queue SQLite path")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "health/metrics HTTP port")
	fs.StringVar(&cfg.DefaultCron, "default-cron", cfg.DefaultCron, "fallback wake cron expression")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "logrus level")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("GATEWAY_BROKER_URL", &cfg.BrokerURL)
	str("GATEWAY_BROKER_USERNAME", &cfg.BrokerUsername)
	str("GATEWAY_BROKER_PASSWORD", &cfg.BrokerPassword)
	str("GATEWAY_CAM_PREFIX", &cfg.CamPrefix)
	str("GATEWAY_DATABASE_URL", &cfg.DatabaseURL)
	str("GATEWAY_REDIS_ADDR", &cfg.RedisAddr)
	str("GATEWAY_REDIS_PASSWORD", &cfg.RedisPassword)
	str("GATEWAY_STORAGE_BUCKET", &cfg.StorageBucket)
	str("GATEWAY_STORAGE_REGION", &cfg.StorageRegion)
	str("GATEWAY_DEVICE_STORE_PATH", &cfg.DeviceStorePath)
	str("GATEWAY_CHUNK_STORE_PATH", &cfg.ChunkStorePath)
	str("GATEWAY_CMD_QUEUE_PATH", &cfg.CmdQueuePath)
	str("GATEWAY_DEFAULT_CRON", &cfg.DefaultCron)
	str("GATEWAY_LOG_LEVEL", &cfg.LogLevel)

	if v, ok := os.LookupEnv("GATEWAY_HEALTH_PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HealthPort = port
		}
	}
}

// RPCTimeout bounds every individual Postgres RPC call.
const RPCTimeout = 10 * time.Second
