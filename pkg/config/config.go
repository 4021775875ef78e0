// Package config holds the server settings. Values come from an optional YAML
// file, then PARLOR_* environment variables, then command-line flags; the
// last two are resolved through viper.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/parlor/pkg/redisstream"
)

const (
	MinTypingTTL = 5 * time.Second
	MaxTypingTTL = 10 * time.Second
)

type Settings struct {
	Addr     string               `yaml:"addr"`
	Database DatabaseSettings     `yaml:"database"`
	Auth     AuthSettings         `yaml:"auth"`
	Users    []UserEntry          `yaml:"users"`
	Gateway  GatewaySettings      `yaml:"gateway"`
	Typing   TypingSettings       `yaml:"typing"`
	History  HistorySettings      `yaml:"history"`
	Redis    redisstream.Settings `yaml:"redis"`
	Outbox   OutboxSettings       `yaml:"outbox"`
}

type DatabaseSettings struct {
	Driver string `yaml:"driver"` // sqlite|postgres
	// DSN is used verbatim when set. For sqlite, Path is the fallback.
	DSN  string `yaml:"dsn"`
	Path string `yaml:"path"`
}

type AuthSettings struct {
	JWTSecret string `yaml:"jwt-secret"`
	Issuer    string `yaml:"issuer"`
	Algorithm string `yaml:"algorithm"`
}

type UserEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type GatewaySettings struct {
	PingInterval    time.Duration `yaml:"ping-interval"`
	PongWait        time.Duration `yaml:"pong-wait"`
	WriteTimeout    time.Duration `yaml:"write-timeout"`
	SendBuffer      int           `yaml:"send-buffer"`
	MaxMessageBytes int64         `yaml:"max-message-bytes"`
	AllowedOrigins  []string      `yaml:"allowed-origins"`
}

type TypingSettings struct {
	TTL time.Duration `yaml:"ttl"`
}

type HistorySettings struct {
	DefaultPageSize int `yaml:"default-page-size"`
	MaxPageSize     int `yaml:"max-page-size"`
}

type OutboxSettings struct {
	Buffer int `yaml:"buffer"`
}

// Default returns settings suitable for local development.
func Default() Settings {
	return Settings{
		Addr: ":8080",
		Database: DatabaseSettings{
			Driver: "sqlite",
			Path:   "parlor.db",
		},
		Auth: AuthSettings{Algorithm: "HS256"},
		Gateway: GatewaySettings{
			PingInterval:    20 * time.Second,
			PongWait:        30 * time.Second,
			WriteTimeout:    10 * time.Second,
			SendBuffer:      64,
			MaxMessageBytes: 64 << 10,
		},
		Typing:  TypingSettings{TTL: 6 * time.Second},
		History: HistorySettings{DefaultPageSize: 30, MaxPageSize: 100},
		Redis: redisstream.Settings{
			Addr: "localhost:6379",
		},
		Outbox: OutboxSettings{Buffer: 256},
	}
}

// Viper keys for values that flags or the environment may override. The
// flag of the same name is bound by the command that offers it.
const (
	KeyAddr          = "addr"
	KeyDBDriver      = "db-driver"
	KeyDBPath        = "db"
	KeyDBDSN         = "db-dsn"
	KeyJWTSecret     = "jwt-secret"
	KeyRedisEnabled  = "redis-enabled"
	KeyRedisAddr     = "redis-addr"
	KeyRedisPassword = "redis-password"
)

var envBindings = map[string]string{
	KeyJWTSecret:     "PARLOR_JWT_SECRET",
	KeyDBDSN:         "PARLOR_DATABASE_DSN",
	KeyRedisPassword: "PARLOR_REDIS_PASSWORD",
	KeyRedisAddr:     "PARLOR_REDIS_ADDR",
}

// BindEnv maps the secrets and connection strings to their PARLOR_* variables.
func BindEnv(v *viper.Viper) error {
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return errors.Wrapf(err, "bind %s", env)
		}
	}
	return nil
}

// Load reads path on top of Default(). An empty path skips the file.
func Load(path string) (Settings, error) {
	s := Default()
	if p := strings.TrimSpace(path); p != "" {
		b, err := os.ReadFile(filepath.Clean(p))
		if err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", p)
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return Settings{}, errors.Wrapf(err, "parse config %s", p)
		}
	}
	return s, nil
}

// FromViper loads the config file v resolved, if any, and applies every
// override key that is set in v.
func FromViper(v *viper.Viper) (Settings, error) {
	if v == nil {
		return Settings{}, errors.New("viper is nil")
	}
	s, err := Load(v.ConfigFileUsed())
	if err != nil {
		return Settings{}, err
	}
	s.Apply(v)
	return s, nil
}

// Apply copies the override keys that are set in v. Unchanged flags are not
// considered set.
func (s *Settings) Apply(v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	str(KeyAddr, &s.Addr)
	str(KeyDBDriver, &s.Database.Driver)
	str(KeyDBPath, &s.Database.Path)
	str(KeyDBDSN, &s.Database.DSN)
	str(KeyJWTSecret, &s.Auth.JWTSecret)
	str(KeyRedisAddr, &s.Redis.Addr)
	str(KeyRedisPassword, &s.Redis.Password)
	if v.IsSet(KeyRedisEnabled) {
		s.Redis.Enabled = v.GetBool(KeyRedisEnabled)
	}
}

// Validate rejects unusable settings and clamps tunables into their allowed range.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("addr is empty")
	}
	switch s.Database.Driver {
	case "", "sqlite":
		s.Database.Driver = "sqlite"
		if strings.TrimSpace(s.Database.DSN) == "" && strings.TrimSpace(s.Database.Path) == "" {
			return errors.New("database.path or database.dsn is required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(s.Database.DSN) == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return errors.Errorf("unsupported database driver %q", s.Database.Driver)
	}
	if len(s.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt-secret must be at least 16 bytes (set PARLOR_JWT_SECRET)")
	}
	seen := map[string]struct{}{}
	for i, u := range s.Users {
		id := strings.TrimSpace(u.ID)
		if id == "" {
			return errors.Errorf("users[%d]: empty id", i)
		}
		if _, dup := seen[id]; dup {
			return errors.Errorf("users[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
	}

	g := &s.Gateway
	if g.PongWait <= 0 {
		g.PongWait = 30 * time.Second
	}
	if g.PingInterval <= 0 || g.PingInterval >= g.PongWait {
		g.PingInterval = g.PongWait * 2 / 3
	}
	if g.WriteTimeout <= 0 {
		g.WriteTimeout = 10 * time.Second
	}
	if g.SendBuffer <= 0 {
		g.SendBuffer = 64
	}
	if g.MaxMessageBytes <= 0 {
		g.MaxMessageBytes = 64 << 10
	}

	switch {
	case s.Typing.TTL <= 0:
		s.Typing.TTL = 6 * time.Second
	case s.Typing.TTL < MinTypingTTL:
		s.Typing.TTL = MinTypingTTL
	case s.Typing.TTL > MaxTypingTTL:
		s.Typing.TTL = MaxTypingTTL
	}

	if s.History.MaxPageSize <= 0 {
		s.History.MaxPageSize = 100
	}
	if s.History.DefaultPageSize <= 0 || s.History.DefaultPageSize > s.History.MaxPageSize {
		s.History.DefaultPageSize = min(30, s.History.MaxPageSize)
	}
	if s.Outbox.Buffer <= 0 {
		s.Outbox.Buffer = 256
	}
	if s.Redis.Enabled && strings.TrimSpace(s.Redis.Addr) == "" {
		return errors.New("redis.addr is required when redis.enabled is set")
	}
	return nil
}
