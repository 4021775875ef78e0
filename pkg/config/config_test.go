package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123"

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parlor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
auth:
  jwt-secret: "`+testSecret+`"
users:
  - id: u1
    name: Ada
  - id: u2
    name: Grace
typing:
  ttl: 8s
gateway:
  send-buffer: 16
`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	require.Equal(t, ":9090", s.Addr)
	require.Len(t, s.Users, 2)
	require.Equal(t, 8*time.Second, s.Typing.TTL)
	require.Equal(t, 16, s.Gateway.SendBuffer)
	require.Equal(t, 20*time.Second, s.Gateway.PingInterval)
	require.Equal(t, "sqlite", s.Database.Driver)
}

func TestFromViperAppliesEnvThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parlor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
auth:
  jwt-secret: from-file-0123456789
database:
  dsn: file:from-file.db
`), 0o600))
	t.Setenv("PARLOR_JWT_SECRET", testSecret)
	t.Setenv("PARLOR_DATABASE_DSN", "")

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, BindEnv(v))

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.String(KeyAddr, "", "")
	fs.Bool(KeyRedisEnabled, false, "")
	fs.String(KeyRedisAddr, "", "")
	require.NoError(t, fs.Parse([]string{"--redis-enabled", "--redis-addr", "redis:6380"}))
	require.NoError(t, v.BindPFlags(fs))

	s, err := FromViper(v)
	require.NoError(t, err)
	require.Equal(t, testSecret, s.Auth.JWTSecret)
	require.Equal(t, "file:from-file.db", s.Database.DSN)
	require.Equal(t, ":9090", s.Addr)
	require.True(t, s.Redis.Enabled)
	require.Equal(t, "redis:6380", s.Redis.Addr)
}

func TestFromViperWithoutConfigFile(t *testing.T) {
	s, err := FromViper(viper.New())
	require.NoError(t, err)
	require.Equal(t, Default().Addr, s.Addr)
	require.Equal(t, "sqlite", s.Database.Driver)
}

func TestValidateClampsTypingTTL(t *testing.T) {
	s := Default()
	s.Auth.JWTSecret = testSecret

	s.Typing.TTL = time.Second
	require.NoError(t, s.Validate())
	require.Equal(t, MinTypingTTL, s.Typing.TTL)

	s.Typing.TTL = time.Minute
	require.NoError(t, s.Validate())
	require.Equal(t, MaxTypingTTL, s.Typing.TTL)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Settings){
		"short secret":       func(s *Settings) { s.Auth.JWTSecret = "short" },
		"unknown driver":     func(s *Settings) { s.Database.Driver = "oracle" },
		"postgres needs dsn": func(s *Settings) { s.Database.Driver = "postgres" },
		"duplicate user": func(s *Settings) {
			s.Users = []UserEntry{{ID: "u1"}, {ID: "u1"}}
		},
		"redis without addr": func(s *Settings) {
			s.Redis.Enabled = true
			s.Redis.Addr = ""
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := Default()
			s.Auth.JWTSecret = testSecret
			mutate(&s)
			require.Error(t, s.Validate())
		})
	}
}

func TestValidateFixesPingInterval(t *testing.T) {
	s := Default()
	s.Auth.JWTSecret = testSecret
	s.Gateway.PongWait = 3 * time.Second
	s.Gateway.PingInterval = 5 * time.Second
	require.NoError(t, s.Validate())
	require.Equal(t, 2*time.Second, s.Gateway.PingInterval)
}
