// internal/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config
//
// Every setting the service reads at startup. Values are filled once by
// Load() and are read-only afterwards.
type Config struct {

	// ---------------------------
	// Identity / network
	// ---------------------------

	ServiceName string // service field on every log line
	InstanceID  string // hostname, random hex when unavailable
	HTTPAddr    string // HTTP bind address (":8080")

	// ---------------------------
	// Logging
	// ---------------------------

	LogLevel   string // zerolog level name
	LogPretty  bool   // console writer instead of JSON
	LogSampleN uint32 // keep 1/N debug+info lines (0 or 1 = keep all)

	// ---------------------------
	// Engine
	// ---------------------------

	MaxBodySize          int64         // POST /events body cap (bytes)
	ChannelSize          int           // engine EventCh buffer
	EvictionDamper       time.Duration // minimum record age before navigation evicts it
	CountTransportErrors bool          // failed requests count as errors

	// ---------------------------
	// Scope / sources
	// ---------------------------

	ScopeHosts []string // host globs a beacon must match
	ScopeTypes []string // resource types a beacon must have
	CDPURL     string   // DevTools websocket URL; empty disables the CDP source

	// ---------------------------
	// Archive (S3)
	// ---------------------------
	// Disabled while ArchiveBucket is empty. Once set, AWS_REGION and the
	// prefix become required.
	//
	// SDK retries are pinned to zero; S3AppRetries is the only retry knob.

	ArchiveBucket string
	ArchivePrefix string
	AWSRegion     string
	ArchiveQueue  int           // buffered batches waiting for upload
	S3Timeout     time.Duration // per PutObject attempt
	S3AppRetries  int

	// ---------------------------
	// Local spool
	// ---------------------------

	SpoolDir          string
	SpoolMaxAge       time.Duration // files older than this are deleted
	SpoolMaxSizeBytes int64         // directory size cap
}

// ArchiveEnabled reports whether evicted records are exported.
func (c Config) ArchiveEnabled() bool { return c.ArchiveBucket != "" }

// Defaults
const (
	DefaultServiceName = "pixelwatch"
	DefaultHTTPAddr    = ":8080"
	DefaultScopeHost   = "sp.analytics.yahoo.com"
)

// Load
//
// Reads .env (when present) and then the process environment. Malformed
// values stop the process immediately.
func Load() Config {
	// a missing .env file is normal outside local development
	_ = godotenv.Load()

	cfg := Config{
		ServiceName: env("SERVICE_NAME", DefaultServiceName),
		InstanceID:  fallbackInstanceID(),
		HTTPAddr:    env("HTTP_ADDR", DefaultHTTPAddr),

		LogLevel:   env("LOG_LEVEL", "info"),
		LogPretty:  envBool("LOG_PRETTY", false),
		LogSampleN: uint32(envInt("LOG_SAMPLE_N", 0)),

		MaxBodySize:          envInt64("MAX_BODY_SIZE", 1<<20),
		ChannelSize:          envInt("CHANNEL_SIZE", 4096),
		EvictionDamper:       envDur("EVICTION_DAMPER", 5*time.Second),
		CountTransportErrors: envBool("COUNT_TRANSPORT_ERRORS", true),

		ScopeHosts: envList("SCOPE_HOSTS", []string{DefaultScopeHost}),
		ScopeTypes: envList("SCOPE_TYPES", []string{"script", "image"}),
		CDPURL:     env("CDP_URL", ""),

		ArchiveBucket: env("ARCHIVE_BUCKET", ""),
		ArchivePrefix: env("ARCHIVE_PREFIX", "evicted"),
		AWSRegion:     env("AWS_REGION", ""),
		ArchiveQueue:  envInt("ARCHIVE_QUEUE", 64),
		S3Timeout:     envDur("S3_TIMEOUT", 5*time.Second),
		S3AppRetries:  envInt("S3_APP_RETRIES", 3),

		SpoolDir:          env("SPOOL_DIR", "./spool"),
		SpoolMaxAge:       envDur("SPOOL_MAX_AGE", 24*time.Hour),
		SpoolMaxSizeBytes: envInt64("SPOOL_MAX_SIZE_BYTES", 256<<20),
	}

	if cfg.ArchiveEnabled() {
		cfg.AWSRegion = must("AWS_REGION")
		cfg.ArchivePrefix = strings.Trim(cfg.ArchivePrefix, "/")
		if cfg.ArchivePrefix == "" {
			log.Fatalf("ARCHIVE_PREFIX must not be empty when ARCHIVE_BUCKET is set")
		}
	}
	if cfg.ChannelSize <= 0 {
		log.Fatalf("invalid CHANNEL_SIZE=%d: must be positive", cfg.ChannelSize)
	}
	if cfg.EvictionDamper < 0 {
		log.Fatalf("invalid EVICTION_DAMPER=%s: must not be negative", cfg.EvictionDamper)
	}
	return cfg
}

// env / envInt / envInt64 / envDur / envBool / envList
//
// Optional settings. An unset variable yields def; a set but malformed one
// is fail-fast, the same as a missing required value.
func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envInt(key string, def int) int {
	v := env(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := env(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := env(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

func envBool(key string, def bool) bool {
	v := env(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

func envList(key string, def []string) []string {
	v := env(key, "")
	if v == "" {
		return def
	}
	return splitList(v)
}

// splitList splits a comma separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// must
//
// Required setting: missing means exit.
func must(key string) string {
	v := env(key, "")
	if v == "" {
		log.Fatalf("missing required env: %s", key)
	}
	return v
}

// fallbackInstanceID
//
// Identifies this process in logs and archive object names.
//   - default: hostname (unique per task/container)
//   - fallback: random uuid prefix
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
