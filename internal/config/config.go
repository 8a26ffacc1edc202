package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
)

// Store backends accepted by STORE_BACKEND.
const (
	BackendAuto     = "auto"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config contains all runtime settings for the module state service.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR"         envDefault:":8080"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT"  envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"atelier"`
	AllowAnyOrigin   bool          `env:"APP_ALLOW_ANY_ORIGIN"`

	LogLevel       string `env:"APP_LOG_LEVEL"       envDefault:"info"`
	LogDevelopment bool   `env:"APP_LOG_DEVELOPMENT"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"auto"`
	DatabaseURL  string `env:"DATABASE_URL"`
	SQLitePath   string `env:"SQLITE_PATH"   envDefault:".atelier/state.db"`
	// Opening an unavailable backend is retried before falling back to memory.
	StoreOpenAttempts int           `env:"STORE_OPEN_ATTEMPTS" envDefault:"3"`
	StoreOpenBackoff  time.Duration `env:"STORE_OPEN_BACKOFF"  envDefault:"250ms"`

	AutosaveDelay        time.Duration `env:"AUTOSAVE_DELAY"         envDefault:"800ms"`
	AutosaveWriteTimeout time.Duration `env:"AUTOSAVE_WRITE_TIMEOUT" envDefault:"5s"`
	// Off by default: edits younger than AutosaveDelay are lost on shutdown.
	AutosaveFlushOnShutdown bool `env:"AUTOSAVE_FLUSH_ON_SHUTDOWN"`

	Modules        []string `env:"ATELIER_MODULES" envSeparator:"," envDefault:"photoshoot,poses,characters,video,voice"`
	PerfWindowSize int      `env:"PERF_WINDOW_SIZE" envDefault:"256"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	return load(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.BindAddr = strings.TrimSpace(cfg.BindAddr)
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":8080"
	}
	cfg.MetricsNamespace = strings.TrimSpace(cfg.MetricsNamespace)
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "atelier"
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendAuto
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.SQLitePath = strings.TrimSpace(cfg.SQLitePath)
	cfg.Modules = cleanModules(cfg.Modules)

	switch cfg.StoreBackend {
	case BackendAuto, BackendMemory, BackendSQLite, BackendPostgres:
	default:
		return Config{}, fmt.Errorf("STORE_BACKEND must be one of auto, memory, sqlite, postgres; got %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == BackendPostgres && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
	}
	if cfg.StoreBackend == BackendSQLite && cfg.SQLitePath == "" {
		return Config{}, fmt.Errorf("SQLITE_PATH is required when STORE_BACKEND=sqlite")
	}
	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.AutosaveDelay <= 0 {
		return Config{}, fmt.Errorf("AUTOSAVE_DELAY must be positive")
	}
	if cfg.AutosaveWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("AUTOSAVE_WRITE_TIMEOUT must be positive")
	}
	if cfg.StoreOpenAttempts <= 0 {
		return Config{}, fmt.Errorf("STORE_OPEN_ATTEMPTS must be positive")
	}
	if cfg.StoreOpenBackoff < 0 {
		return Config{}, fmt.Errorf("STORE_OPEN_BACKOFF must be >= 0")
	}
	if cfg.PerfWindowSize <= 0 {
		return Config{}, fmt.Errorf("PERF_WINDOW_SIZE must be positive")
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, fmt.Errorf("APP_LOG_LEVEL parse error: %w", err)
	}

	return cfg, nil
}

func cleanModules(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
