package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	configName = "config"
	configType = "toml"
	envPrefix  = "QUESTD"
	defaultDir = ".questd"
)

type Config struct {
	Pool       PoolConfig       `mapstructure:"pool"`
	API        APIConfig        `mapstructure:"api"`
	Tasks      TasksConfig      `mapstructure:"tasks"`
	Identities IdentitiesConfig `mapstructure:"identities"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
}

type PoolConfig struct {
	Workers      int           `mapstructure:"workers"`
	PerWorkerCap int           `mapstructure:"per_worker_cap"`
	GlobalCap    int           `mapstructure:"global_cap"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
}

type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ProxyURL       string        `mapstructure:"proxy_url"`
}

type TasksConfig struct {
	DurationIDs  []string      `mapstructure:"duration_ids"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type IdentitiesConfig struct {
	Privileged  []string `mapstructure:"privileged"`
	MaxFailures int      `mapstructure:"max_failures"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

// SecretsConfig selects where credentials live. "pass" uses pass(1) and falls
// back to the file store under storage.dir when pass is unusable.
type SecretsConfig struct {
	Backend    string `mapstructure:"backend"`
	PassPrefix string `mapstructure:"pass_prefix"`
}

const (
	SecretsBackendFile = "file"
	SecretsBackendPass = "pass"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultDurationTaskIDs are the task ids whose target is a number of seconds.
var DefaultDurationTaskIDs = []string{
	"WATCH_VIDEO",
	"WATCH_VIDEO_ON_MOBILE",
	"PLAY_ON_DESKTOP",
	"PLAY_ON_XBOX",
	"PLAY_ON_PLAYSTATION",
	"STREAM_ON_DESKTOP",
	"PLAY_ACTIVITY",
}

// Load reads path, or config.toml under ~/.questd when path is empty. A missing
// default file is not an error; a missing explicit file is.
func Load(path string) (*viper.Viper, Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, Config{}, fmt.Errorf("resolve home directory: %w", err)
	}

	v := viper.New()
	setDefaults(v, filepath.Join(homeDir, defaultDir))

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(filepath.Join(homeDir, defaultDir))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, Config{}, err
	}
	return v, cfg, nil
}

func setDefaults(v *viper.Viper, storageDir string) {
	v.SetDefault("pool.workers", 2)
	v.SetDefault("pool.per_worker_cap", 25)
	v.SetDefault("pool.global_cap", 50)
	v.SetDefault("pool.stop_grace", 500*time.Millisecond)
	v.SetDefault("pool.ready_timeout", 10*time.Second)
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.request_timeout", 30*time.Second)
	v.SetDefault("api.max_attempts", 3)
	v.SetDefault("api.proxy_url", "")
	v.SetDefault("tasks.duration_ids", DefaultDurationTaskIDs)
	v.SetDefault("tasks.poll_interval", 30*time.Second)
	v.SetDefault("identities.privileged", []string{})
	v.SetDefault("identities.max_failures", 3)
	v.SetDefault("http.listen", "127.0.0.1:7878")
	v.SetDefault("storage.dir", storageDir)
	v.SetDefault("secrets.backend", SecretsBackendFile)
	v.SetDefault("secrets.pass_prefix", "questd")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Pool.Workers < 1 {
		errs = append(errs, fmt.Errorf("pool.workers must be at least 1, got %d", c.Pool.Workers))
	}
	if c.Pool.PerWorkerCap < 0 {
		errs = append(errs, fmt.Errorf("pool.per_worker_cap must not be negative, got %d", c.Pool.PerWorkerCap))
	}
	if c.Pool.GlobalCap < 0 {
		errs = append(errs, fmt.Errorf("pool.global_cap must not be negative, got %d", c.Pool.GlobalCap))
	}
	if c.Pool.StopGrace < 0 {
		errs = append(errs, errors.New("pool.stop_grace must not be negative"))
	}
	if c.Identities.MaxFailures < 0 {
		errs = append(errs, errors.New("identities.max_failures must not be negative"))
	}
	switch c.Secrets.Backend {
	case SecretsBackendFile, SecretsBackendPass:
	default:
		errs = append(errs, fmt.Errorf("secrets.backend must be %q or %q, got %q", SecretsBackendFile, SecretsBackendPass, c.Secrets.Backend))
	}
	if c.API.MaxAttempts < 0 {
		errs = append(errs, errors.New("api.max_attempts must not be negative"))
	}
	return errors.Join(errs...)
}

// RequireAPI reports a missing api.base_url. There is no built-in default.
func (c Config) RequireAPI() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url is not configured")
	}
	return nil
}

// Watch calls onChange with the re-decoded config whenever the config file
// changes. Invalid edits are logged and skipped.
func Watch(v *viper.Viper, logger *zap.Logger, onChange func(Config)) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "config"))

	v.OnConfigChange(func(event fsnotify.Event) {
		cfg, err := Decode(v)
		if err != nil {
			logger.Warn("ignoring invalid config change", zap.String("file", event.Name), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("file", event.Name), zap.String("op", event.Op.String()))
		onChange(cfg)
	})
	v.WatchConfig()
}
