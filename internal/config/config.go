package config

import (
	"os"
	"strconv"
	"strings"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Config struct {
	Mode     Mode
	HTTPAddr string

	DBDriver string
	DBDSN    string

	// Platform allowlist: bare hostnames the paginator/token client may
	// ever contact. Empty means every sync is refused.
	AllowedPlatformHosts []string

	// Hosts permitted to use plain http in dev mode (local LMS containers).
	DevHTTPHosts []string

	// Manual sync cooldown, seconds between user-triggered syncs per class.
	SyncWaitSeconds int

	// Access-token cache tuning.
	TokenRefreshBufferSeconds int
	TokenFallbackTTLSeconds   int

	// Scripted batch loop interval, seconds. 0 disables the loop.
	BatchIntervalSeconds int

	// Operator credentials for the manual sync endpoint.
	OperatorUser     string
	OperatorPassHash string // bcrypt

	CORSOrigins []string
}

func FromEnv() Config {
	mode := Mode(os.Getenv("MODE"))
	if mode == "" {
		mode = ModeOffline
	}
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	return Config{
		Mode:     mode,
		HTTPAddr: addr,

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		AllowedPlatformHosts: csvOr("ALLOWED_PLATFORM_HOSTS", ""),
		DevHTTPHosts:         csvOr("DEV_HTTP_HOSTS", "localhost,127.0.0.1"),

		SyncWaitSeconds:           envInt("SYNC_WAIT_SECONDS", 300),
		TokenRefreshBufferSeconds: envInt("TOKEN_REFRESH_BUFFER_SECONDS", 60),
		TokenFallbackTTLSeconds:   envInt("TOKEN_FALLBACK_TTL_SECONDS", 3600),
		BatchIntervalSeconds:      envInt("BATCH_INTERVAL_SECONDS", 900),

		OperatorUser:     envOr("OPERATOR_USER", "operator"),
		OperatorPassHash: envOr("OPERATOR_PASS_HASH", ""),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

// IsDev reports whether http (non-TLS) platform endpoints may be allowed
// for hosts listed in DevHTTPHosts.
func (c Config) IsDev() bool { return c.Mode == ModeOffline }

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
