package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

const minSigningKeyLen = 32

// App holds the runtime configuration of a scanning station, loaded from environment variables.
type App struct {
	Env      string
	HTTPPort string
	LogLevel string
	Location *time.Location

	DBDriver    string
	DatabaseURL string

	RedisAddr     string
	NotifyBackend string
	NotifyChannel string

	BackendURL     string
	BackendToken   string
	BackendTimeout time.Duration

	QRSecretKey string
	BlockID     int64

	SyncInterval         time.Duration
	EventRefreshInterval time.Duration
	RefreshDebounce      time.Duration
	RefreshMaxElapsed    time.Duration

	ScanRearmDelay time.Duration
	StrictEventDay bool

	JWTIssuer       string
	JWTSigningKey   string
	AccessTTL       time.Duration
	OperatorPINHash string

	RateLimitPerSec float64
	RateLimitBurst  int

	SentryDSN string
}

// Load returns station config populated from environment variables with sensible defaults.
func Load() App {
	return App{
		Env:                  getEnv("APP_ENV", "dev"),
		HTTPPort:             getEnv("HTTP_PORT", "8081"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		Location:             locationEnv("TZ", "Asia/Manila"),
		DBDriver:             getEnv("DB_DRIVER", "sqlite3"),
		DatabaseURL:          getEnv("DATABASE_URL", "./data/eventlog.db"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		NotifyBackend:        getEnv("NOTIFY_BACKEND", "redis"),
		NotifyChannel:        getEnv("NOTIFY_CHANNEL", "eventlog:notifications"),
		BackendURL:           strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:3000/api"), "/"),
		BackendToken:         os.Getenv("BACKEND_TOKEN"),
		BackendTimeout:       durationEnv("BACKEND_TIMEOUT", 10*time.Second),
		QRSecretKey:          getEnv("QR_SECRET_KEY", ""),
		BlockID:              int64(intEnv("BLOCK_ID", 0)),
		SyncInterval:         durationEnv("SYNC_INTERVAL", 30*time.Second),
		EventRefreshInterval: durationEnv("EVENT_REFRESH_INTERVAL", 5*time.Minute),
		RefreshDebounce:      durationEnv("REFRESH_DEBOUNCE", 250*time.Millisecond),
		RefreshMaxElapsed:    durationEnv("REFRESH_MAX_ELAPSED", 30*time.Second),
		ScanRearmDelay:       durationEnv("SCAN_REARM_DELAY", 2*time.Second),
		StrictEventDay:       boolEnv("STRICT_EVENT_DAY", false),
		JWTIssuer:            getEnv("JWT_ISSUER", "eventlog-station"),
		JWTSigningKey:        os.Getenv("JWT_SIGNING_KEY"),
		AccessTTL:            durationEnv("ACCESS_TTL", 12*time.Hour),
		OperatorPINHash:      os.Getenv("OPERATOR_PIN_HASH"),
		RateLimitPerSec:      floatEnv("RATE_LIMIT_PER_SEC", 5),
		RateLimitBurst:       intEnv("RATE_LIMIT_BURST", 10),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
	}
}

// Production reports whether the station runs with production settings.
func (a App) Production() bool {
	return a.Env == "production" || a.Env == "prod"
}

// OperatorSigningKey is the key guarding the /v1 routes. It is empty, and
// operator auth is off, unless a PIN hash is configured.
func (a App) OperatorSigningKey() string {
	if a.OperatorPINHash == "" {
		return ""
	}
	return a.JWTSigningKey
}

// Validate rejects settings the station cannot run with.
func (a App) Validate() error {
	var errs []error
	switch a.DBDriver {
	case "sqlite3", "pgx":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER: unsupported driver %q", a.DBDriver))
	}
	if a.QRSecretKey == "" {
		if a.Production() {
			errs = append(errs, errors.New("QR_SECRET_KEY is required in production"))
		}
	}
	if a.OperatorPINHash != "" {
		switch {
		case a.JWTSigningKey == "":
			errs = append(errs, errors.New("JWT_SIGNING_KEY is required when OPERATOR_PIN_HASH is set"))
		case a.Production() && len(a.JWTSigningKey) < minSigningKeyLen:
			errs = append(errs, fmt.Errorf("JWT_SIGNING_KEY must be at least %d bytes in production", minSigningKeyLen))
		}
	}
	if a.SyncInterval <= 0 {
		errs = append(errs, errors.New("SYNC_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}

func floatEnv(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		var parsed float64
		if _, err := fmt.Sscanf(val, "%g", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid float for %s, using fallback %g", key, fallback)
	}
	return fallback
}

func locationEnv(key, fallback string) *time.Location {
	name := getEnv(key, fallback)
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("invalid time zone for %s: %v, using local time", key, err)
		return time.Local
	}
	return loc
}
