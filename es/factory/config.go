package factory

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Environment keys. Each key is looked up first with the factory name as a
// prefix ("ORDERS_PUPSTORE_URL") and then without it ("PUPSTORE_URL").
const (
	KeyURL               = "PUPSTORE_URL"
	KeyConnectionCreator = "PUPSTORE_CONNECTION_CREATOR"
	KeyCreateTable       = "CREATE_TABLE"
	KeyAutoflush         = "AUTOFLUSH"
	KeyLockTimeout       = "PUPSTORE_LOCK_TIMEOUT"
	KeyMaxOpenConns      = "PUPSTORE_MAX_OPEN_CONNS"
	KeyMaxIdleConns      = "PUPSTORE_MAX_IDLE_CONNS"
	KeyConnMaxLifetime   = "PUPSTORE_CONN_MAX_LIFETIME"
	KeySQLiteWAL         = "PUPSTORE_SQLITE_WAL"
)

var keys = []string{
	KeyURL, KeyConnectionCreator, KeyCreateTable, KeyAutoflush, KeyLockTimeout,
	KeyMaxOpenConns, KeyMaxIdleConns, KeyConnMaxLifetime, KeySQLiteWAL,
}

// Flag is a boolean that accepts y/yes/t/true/on/1 and n/no/f/false/off/0.
type Flag bool

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Flag) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "y", "yes", "t", "true", "on", "1":
		*f = true
	case "n", "no", "f", "false", "off", "0":
		*f = false
	default:
		return fmt.Errorf("invalid truth value %q", text)
	}
	return nil
}

// Config is the environment configuration of a factory.
type Config struct {
	// URL selects the engine by scheme: postgres://, postgresql://, pgx://,
	// mysql://, sqlite://, file: or :memory:
	URL string `env:"PUPSTORE_URL"`

	// ConnectionCreator names a connector registered with WithConnectionCreator
	ConnectionCreator string `env:"PUPSTORE_CONNECTION_CREATOR"`

	// CreateTable creates the recorder tables when a recorder is constructed
	CreateTable Flag `env:"CREATE_TABLE" envDefault:"yes"`

	// Autoflush flushes staged writes before queries
	Autoflush Flag `env:"AUTOFLUSH" envDefault:"yes"`

	// LockTimeout bounds the PostgreSQL notification lock wait
	LockTimeout time.Duration `env:"PUPSTORE_LOCK_TIMEOUT"`

	MaxOpenConns    int           `env:"PUPSTORE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"PUPSTORE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"PUPSTORE_CONN_MAX_LIFETIME"`

	// SQLiteWAL switches file databases to write-ahead logging
	SQLiteWAL Flag `env:"PUPSTORE_SQLITE_WAL" envDefault:"yes"`
}

// Environ converts os.Environ style entries to a map.
func Environ(entries []string) map[string]string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		if k, v, ok := strings.Cut(e, "="); ok {
			m[k] = v
		}
	}
	return m
}

// LoadConfig parses the configuration of the named factory from environ.
// A nil environ reads the process environment.
func LoadConfig(name string, environ map[string]string) (Config, error) {
	if environ == nil {
		environ = Environ(os.Environ())
	}

	merged := make(map[string]string, len(environ))
	for k, v := range environ {
		merged[k] = v
	}
	if prefix := envPrefix(name); prefix != "" {
		for _, key := range keys {
			if v, ok := environ[prefix+key]; ok {
				merged[key] = v
			}
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: merged}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// envPrefix returns the key prefix for a factory name.
func envPrefix(name string) string {
	if name == "" {
		return ""
	}
	return strings.ToUpper(name) + "_"
}

// lookupKeys lists the keys a value is looked up under, in order.
func lookupKeys(name, key string) []string {
	if prefix := envPrefix(name); prefix != "" {
		return []string{prefix + key, key}
	}
	return []string{key}
}
