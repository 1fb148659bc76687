// Package config loads the gateway configuration from defaults, an optional
// config file, SOCKETHUB_* environment variables and bound command flags.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Keys used in config files, env vars (SOCKETHUB_STORE_URL, ...) and flag bindings.
const (
	KeyStoreURL          = "store.url"
	KeyConnectTimeout    = "store.connect_timeout"
	KeyDisconnectTimeout = "store.disconnect_timeout"
	KeyRetryAttempts     = "store.retry_attempts"
	KeyRetryBackoff      = "store.retry_backoff"
	KeyParentSecret      = "parent.secret"
	KeyParentID          = "parent.id"
	KeyRequestLimit      = "ratelimit.requests"
	KeyWindow            = "ratelimit.window"
	KeyBlockDuration     = "ratelimit.block"
	KeySessionLimit      = "ratelimit.sessions"
	KeySweepInterval     = "platforms.sweep_interval"
	KeyCleanupTimeout    = "platforms.cleanup_timeout"
	KeyPlatforms         = "platforms.enabled"
	KeySpawner           = "platforms.spawner"
	KeyPollInterval      = "queue.poll_interval"
	KeyListenAddr        = "http.listen"
	KeyAdminAddr         = "admin.listen"
	KeyAdminKey          = "admin.key"
)

// Spawner modes for platform instances.
const (
	SpawnerInProcess = "inprocess"
	SpawnerExec      = "exec"
)

type Config struct {
	StoreURL          string
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	RetryAttempts     int
	RetryBackoff      time.Duration

	ParentSecret string
	ParentID     string

	RequestLimit  int
	Window        time.Duration
	BlockDuration time.Duration
	// SessionLimit caps new sessions per client address per minute.
	SessionLimit int

	SweepInterval  time.Duration
	CleanupTimeout time.Duration
	Platforms      []string
	Spawner        string

	PollInterval time.Duration

	ListenAddr string
	AdminAddr  string
	AdminKey   string
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyStoreURL, d.StoreURL)
	v.SetDefault(KeyConnectTimeout, d.ConnectTimeout)
	v.SetDefault(KeyDisconnectTimeout, d.DisconnectTimeout)
	v.SetDefault(KeyRetryAttempts, d.RetryAttempts)
	v.SetDefault(KeyRetryBackoff, d.RetryBackoff)
	v.SetDefault(KeyRequestLimit, d.RequestLimit)
	v.SetDefault(KeyWindow, d.Window)
	v.SetDefault(KeyBlockDuration, d.BlockDuration)
	v.SetDefault(KeySessionLimit, d.SessionLimit)
	v.SetDefault(KeySweepInterval, d.SweepInterval)
	v.SetDefault(KeyCleanupTimeout, d.CleanupTimeout)
	v.SetDefault(KeyPlatforms, d.Platforms)
	v.SetDefault(KeySpawner, d.Spawner)
	v.SetDefault(KeyPollInterval, d.PollInterval)
	v.SetDefault(KeyListenAddr, d.ListenAddr)
	v.SetDefault(KeyAdminAddr, d.AdminAddr)
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("SOCKETHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into v and resolves a Config.
// A missing parent secret or parent id is generated randomly, which scopes
// every stored record to this process lifetime.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		StoreURL:          v.GetString(KeyStoreURL),
		ConnectTimeout:    v.GetDuration(KeyConnectTimeout),
		DisconnectTimeout: v.GetDuration(KeyDisconnectTimeout),
		RetryAttempts:     v.GetInt(KeyRetryAttempts),
		RetryBackoff:      v.GetDuration(KeyRetryBackoff),
		ParentSecret:      v.GetString(KeyParentSecret),
		ParentID:          v.GetString(KeyParentID),
		RequestLimit:      v.GetInt(KeyRequestLimit),
		Window:            v.GetDuration(KeyWindow),
		BlockDuration:     v.GetDuration(KeyBlockDuration),
		SessionLimit:      v.GetInt(KeySessionLimit),
		SweepInterval:     v.GetDuration(KeySweepInterval),
		CleanupTimeout:    v.GetDuration(KeyCleanupTimeout),
		Platforms:         v.GetStringSlice(KeyPlatforms),
		Spawner:           strings.ToLower(v.GetString(KeySpawner)),
		PollInterval:      v.GetDuration(KeyPollInterval),
		ListenAddr:        v.GetString(KeyListenAddr),
		AdminAddr:         v.GetString(KeyAdminAddr),
		AdminKey:          v.GetString(KeyAdminKey),
	}

	if cfg.ParentSecret == "" {
		s, err := randomHex(32)
		if err != nil {
			return nil, fmt.Errorf("generate parent secret: %w", err)
		}
		cfg.ParentSecret = s
	}
	if cfg.ParentID == "" {
		id, err := randomHex(8)
		if err != nil {
			return nil, fmt.Errorf("generate parent id: %w", err)
		}
		cfg.ParentID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.StoreURL == "":
		return errors.New("config: store url is required")
	case c.RetryAttempts < 1:
		return errors.New("config: store retry attempts must be at least 1")
	case c.RequestLimit < 1:
		return errors.New("config: ratelimit requests must be at least 1")
	case c.SessionLimit < 1:
		return errors.New("config: ratelimit sessions must be at least 1")
	case c.Window <= 0 || c.BlockDuration <= 0:
		return errors.New("config: ratelimit window and block must be positive")
	case c.SweepInterval <= 0:
		return errors.New("config: sweep interval must be positive")
	case c.PollInterval <= 0:
		return errors.New("config: queue poll interval must be positive")
	case c.Spawner != SpawnerInProcess && c.Spawner != SpawnerExec:
		return fmt.Errorf("config: unknown spawner %q", c.Spawner)
	}
	return nil
}

func Default() *Config {
	return &Config{
		StoreURL:          "sqlite://sockethub.db",
		ConnectTimeout:    5 * time.Second,
		DisconnectTimeout: 5 * time.Second,
		RetryAttempts:     3,
		RetryBackoff:      200 * time.Millisecond,
		RequestLimit:      100,
		Window:            time.Second,
		BlockDuration:     5 * time.Second,
		SessionLimit:      30,
		SweepInterval:     15 * time.Second,
		CleanupTimeout:    5 * time.Second,
		Platforms:         []string{"dummy"},
		Spawner:           SpawnerInProcess,
		PollInterval:      50 * time.Millisecond,
		ListenAddr:        ":10550",
		AdminAddr:         "127.0.0.1:10551",
	}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
