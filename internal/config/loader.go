// Package config loads gamesync's layered application configuration.
//
// Precedence, lowest to highest: built-in defaults, config file
// (gamesync.yaml in the working directory or the user config directory),
// GAMESYNC_* environment variables, runtime overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the application configuration. Job behaviour lives in the job
// manifest, not here.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	DataDir string        `mapstructure:"data_dir"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Workers int           `mapstructure:"workers"`
	Runs    RunsConfig    `mapstructure:"runs"`
	Publish PublishConfig `mapstructure:"publish"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ServerConfig configures the optional status server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RunsConfig locates the run registry. An empty Dir means
// <data_dir>/runs.
type RunsConfig struct {
	Dir string `mapstructure:"dir"`
}

// PublishConfig holds explicit object-storage credentials. Both empty means
// the AWS default credential chain is used.
type PublishConfig struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// RunsDir returns the effective run registry directory.
func (c *Config) RunsDir() string {
	if strings.TrimSpace(c.Runs.Dir) != "" {
		return c.Runs.Dir
	}
	return filepath.Join(c.DataDir, "runs")
}

// EnvSpec binds one environment variable to a config key path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *Identity
)

// Load builds the configuration and stores it for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	identity := *appIdentity
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v, identity)

	v.SetConfigName(identity.ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper, identity Identity) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("data_dir", gfconfig.GetAppDataDir(identity.ConfigName))

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8089)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("workers", 1)

	v.SetDefault("runs.dir", "")

	v.SetDefault("publish.access_key_id", "")
	v.SetDefault("publish.secret_access_key", "")
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port out of range: %d", c.Server.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1, got %d", c.Workers)
	}
	if (c.Publish.AccessKeyID == "") != (c.Publish.SecretAccessKey == "") {
		return fmt.Errorf("config: publish.access_key_id and publish.secret_access_key must be set together")
	}
	return nil
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()
	if identity == nil || identity.EnvPrefix == "" {
		return []EnvSpec{}
	}

	p := identity.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "DATA_DIR", Path: "data_dir"},
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "WORKERS", Path: "workers"},
		{Name: p + "RUNS_DIR", Path: "runs.dir"},
		{Name: p + "PUBLISH_ACCESS_KEY_ID", Path: "publish.access_key_id"},
		{Name: p + "PUBLISH_SECRET_ACCESS_KEY", Path: "publish.secret_access_key"},
	}
}

func getUserConfigPaths() []string {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()
	if identity == nil || identity.ConfigName == "" {
		return []string{}
	}

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, identity.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", identity.ConfigName)
		if len(paths) == 0 || paths[0] != p {
			paths = append(paths, p)
		}
	}
	return paths
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}
