package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr             string
	NodeID           string
	DatabaseURL      string
	RedisURL         string
	SyncToken        string
	HistoryDir       string
	MigrationsDir    string
	CORSOrigin       string
	MeiliURL         string
	MeiliMasterKey   string
	ResolutionPolicy string
	SnapshotInterval time.Duration
	SnapshotKeep     int
	// Object storage - empty endpoint disables the blob archive
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

func Load() Config {
	return Config{
		Addr:             getenv("CONCORD_ADDR", ":8790"),
		NodeID:           getenv("CONCORD_NODE_ID", defaultNodeID()),
		DatabaseURL:      getenv("DATABASE_URL", ""),
		RedisURL:         getenv("REDIS_URL", ""),
		SyncToken:        getenv("CONCORD_SYNC_TOKEN", "concord-sync-token"),
		HistoryDir:       getenv("CONCORD_HISTORY_DIR", "./data/history"),
		MigrationsDir:    getenv("CONCORD_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:       getenv("CONCORD_CORS_ORIGIN", "*"),
		MeiliURL:         getenv("MEILI_URL", ""),
		MeiliMasterKey:   getenv("MEILI_MASTER_KEY", ""),
		ResolutionPolicy: getenv("CONCORD_RESOLUTION_POLICY", "last-writer-wins"),
		SnapshotInterval: time.Duration(getenvInt("CONCORD_SNAPSHOT_INTERVAL_SECONDS", 300)) * time.Second,
		SnapshotKeep:     getenvInt("CONCORD_SNAPSHOT_KEEP", 10),
		MinioEndpoint:    getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey:   getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:   getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:      getenv("MINIO_BUCKET", "concord-snapshots"),
		MinioUseSSL:      getenv("MINIO_USE_SSL", "") == "true",
	}
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "node-1"
	}
	return host
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
