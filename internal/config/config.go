package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration. Load reads it from the environment on
// every call so administrative changes (auto-register policy, token secret,
// code formula) take effect without a restart.
type Config struct {
	Port      string
	DBPath    string
	DataDir   string // artifact storage root for command reports
	RedisAddr string
	RedisPass string
	RedisDB   int

	AutoRegister    bool   // allow unknown/mismatched nodes to self-register
	NodeCodeFormula string // e.g. "md5({UUID}@{MachineGuid}@{Macs})"
	TokenSecret     string // "algorithm:secret", e.g. "HS256:stardust"
	TokenExpire     time.Duration
	HeartbeatPeriod int // seconds, sent back to agents in ping responses

	NotifyURLs string // comma-separated Shoutrrr URLs for security events
}

// Load returns the server configuration from environment variables.
func Load() Config {
	return Config{
		Port:      getEnv("PORT", "9080"),
		DBPath:    getEnv("DB_PATH", "stardust.db"),
		DataDir:   getEnv("DATA_DIR", "data"),
		RedisAddr: getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPass: getEnv("REDIS_PASS", ""),
		RedisDB:   getEnvInt("REDIS_DB", 0),

		AutoRegister:    getEnv("AUTO_REGISTER", "true") == "true",
		NodeCodeFormula: getEnv("NODE_CODE_FORMULA", "md5({UUID}@{MachineGuid}@{Macs})"),
		TokenSecret:     getEnv("TOKEN_SECRET", "HS256:stardust"),
		TokenExpire:     time.Duration(getEnvInt("TOKEN_EXPIRE", 7200)) * time.Second,
		HeartbeatPeriod: getEnvInt("HEARTBEAT_PERIOD", 60),

		NotifyURLs: getEnv("NOTIFY_URLS", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
