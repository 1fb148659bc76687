// Package logging provides structured logging configuration.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration options.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New creates a new configured zap logger.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, err
		}
	}

	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = "json"
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.LevelKey = "level"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.CallerKey = "caller"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "sockethub")), nil
}

// Sync flushes any buffered log entries.
func Sync(logger *zap.Logger) {
	_ = logger.Sync()
}

// FromEnv creates a Config from environment variables.
func FromEnv() Config {
	return Config{
		Level:  getenv("SOCKETHUB_LOG_LEVEL", "info"),
		Format: getenv("SOCKETHUB_LOG_FORMAT", "json"),
	}
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// Component returns a zap field for the component name.
func Component(name string) zap.Field { return zap.String("component", name) }

// Addr returns a zap field for an address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Platform returns a zap field for a platform name.
func Platform(name string) zap.Field { return zap.String("platform", name) }

// SocketID returns a zap field for a socket identifier.
func SocketID(id string) zap.Field { return zap.String("socket_id", id) }

// InstanceID returns a zap field for a platform instance identifier.
// Instance ids are hashes and never reveal the actor.
func InstanceID(id string) zap.Field { return zap.String("instance_id", id) }

// Queue returns a zap field for a queue identity.
func Queue(name string) zap.Field { return zap.String("queue", name) }

// JobTitle returns a zap field for a job title.
func JobTitle(title string) zap.Field { return zap.String("job", title) }

// JobID returns a zap field for a job row id.
func JobID(id int64) zap.Field { return zap.Int64("job_id", id) }

// Verb returns a zap field for an activity type.
func Verb(verb string) zap.Field { return zap.String("verb", verb) }

// Driver returns a zap field for a store driver name.
func Driver(name string) zap.Field { return zap.String("driver", name) }

// Attempt returns a zap field for a retry attempt number.
func Attempt(n int) zap.Field { return zap.Int("attempt", n) }
