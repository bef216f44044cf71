package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/shlex"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "TRAINJOBS"
	ConfigName = "trainjobs"
)

// Config is the fully resolved application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Health    HealthConfig    `mapstructure:"health"`
}

type ServerConfig struct {
	Host            string          `mapstructure:"host"`
	Port            int             `mapstructure:"port"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	DevMode         bool            `mapstructure:"dev_mode"`
	APIToken        string          `mapstructure:"api_token"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// AuthRequired reports whether /api/v1 requests must carry X-API-Token.
func (s ServerConfig) AuthRequired() bool {
	return !s.DevMode || s.APIToken != ""
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Profile    string `mapstructure:"profile"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type ExecutorConfig struct {
	Mode         string        `mapstructure:"mode"`
	RunnerCmd    []string      `mapstructure:"runner_cmd"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Epochs       int           `mapstructure:"epochs"`
	ArtifactsDir string        `mapstructure:"artifacts_dir"`
	WorkDir      string        `mapstructure:"work_dir"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	RunIDMode    string        `mapstructure:"run_id_mode"`
}

type ArtifactsConfig struct {
	Sink string           `mapstructure:"sink"`
	S3   S3ArtifactConfig `mapstructure:"s3"`
}

type S3ArtifactConfig struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	Prefix         string `mapstructure:"prefix"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type SimulatorConfig struct {
	QueuedFor       time.Duration `mapstructure:"queued_for"`
	RunningFor      time.Duration `mapstructure:"running_for"`
	RunningProgress int           `mapstructure:"running_progress"`
}

type HealthConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EnvSpec maps a short environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load resolves configuration from defaults, an optional config file,
// environment variables and runtime overrides (highest precedence last).
// The result also becomes the process-wide config returned by GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the config produced by the most recent Load, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.dev_mode", true)
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.rps", 5.0)
	v.SetDefault("server.rate_limit.burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)

	v.SetDefault("store.path", filepath.Join("data", "jobs_store.json"))

	v.SetDefault("executor.mode", "auto")
	v.SetDefault("executor.runner_cmd", []string{})
	v.SetDefault("executor.timeout", "1800s")
	v.SetDefault("executor.epochs", 1)
	v.SetDefault("executor.artifacts_dir", "artifacts")
	v.SetDefault("executor.work_dir", "")
	v.SetDefault("executor.grace_period", "3s")
	v.SetDefault("executor.run_id_mode", "legacy")

	v.SetDefault("artifacts.sink", "file")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.region", "")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.profile", "")
	v.SetDefault("artifacts.s3.prefix", "")
	v.SetDefault("artifacts.s3.force_path_style", false)

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", filepath.Join("data", "journal.db"))

	v.SetDefault("simulator.queued_for", "1s")
	v.SetDefault("simulator.running_for", "3s")
	v.SetDefault("simulator.running_progress", 55)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.timeout", "2s")
}

// Validate rejects combinations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if !c.Server.DevMode && strings.TrimSpace(c.Server.APIToken) == "" {
		return fmt.Errorf("server.api_token must be set when server.dev_mode is false")
	}
	switch strings.ToLower(c.Executor.Mode) {
	case "auto", "mock", "real":
	default:
		return fmt.Errorf("executor.mode must be auto, mock or real (got %q)", c.Executor.Mode)
	}
	switch strings.ToLower(c.Artifacts.Sink) {
	case "file":
	case "s3":
		if strings.TrimSpace(c.Artifacts.S3.Bucket) == "" {
			return fmt.Errorf("artifacts.s3.bucket is required when artifacts.sink is s3")
		}
	default:
		return fmt.Errorf("artifacts.sink must be file or s3 (got %q)", c.Artifacts.Sink)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

func getEnvSpecs() []EnvSpec {
	short := []struct{ name, path string }{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"DEV_MODE", "server.dev_mode"},
		{"API_TOKEN", "server.api_token"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"LOG_FILE", "logging.file"},
		{"STORE_PATH", "store.path"},
		{"EXECUTOR_MODE", "executor.mode"},
		{"RUNNER_CMD", "executor.runner_cmd"},
		{"RUN_TIMEOUT", "executor.timeout"},
		{"RUNNER_EPOCHS", "executor.epochs"},
		{"ARTIFACTS_DIR", "executor.artifacts_dir"},
		{"ARTIFACT_SINK", "artifacts.sink"},
		{"S3_BUCKET", "artifacts.s3.bucket"},
		{"S3_REGION", "artifacts.s3.region"},
		{"S3_ENDPOINT", "artifacts.s3.endpoint"},
		{"JOURNAL_ENABLED", "journal.enabled"},
		{"JOURNAL_PATH", "journal.path"},
	}
	specs := make([]EnvSpec, 0, len(short))
	for _, s := range short {
		specs = append(specs, EnvSpec{Name: EnvPrefix + "_" + s.name, Path: s.path})
	}
	return specs
}

func readConfigFile(v *viper.Viper) error {
	if explicit := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func getUserConfigPaths() []string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return []string{}
	}
	return []string{filepath.Join(dir, ConfigName)}
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToArgvHook(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// stringToArgvHook splits a command line into argv using shell quoting rules.
func stringToArgvHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]string{}) {
			return data, nil
		}
		argv, err := shlex.Split(data.(string))
		if err != nil {
			return nil, fmt.Errorf("split command %q: %w", data, err)
		}
		return argv, nil
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
