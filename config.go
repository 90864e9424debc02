package jaclip

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by LoadConfig, e.g.
// JACLIP_MAX_SEQ_LEN or JACLIP_HUB_OFFLINE.
const EnvPrefix = "JACLIP"

// Config stores the settings of the loader and the formatter.
// The values are read by viper from a config file or environment variables.
type Config struct {
	ModelID     string    `mapstructure:"model_id"`
	MaxSeqLen   int       `mapstructure:"max_seq_len"`
	Device      string    `mapstructure:"device"`
	LowerCase   bool      `mapstructure:"lower_case"`
	Backend     string    `mapstructure:"backend"`
	LibraryPath string    `mapstructure:"library_path"`
	Hub         HubFields `mapstructure:"hub"`
}

// HubFields is the configurable part of HubConfig.
type HubFields struct {
	Token      string        `mapstructure:"token"`
	Revision   string        `mapstructure:"revision"`
	CacheDir   string        `mapstructure:"cache_dir"`
	Offline    bool          `mapstructure:"offline"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("model_id", DefaultModelID)
	v.SetDefault("max_seq_len", DefaultMaxSeqLen)
	v.SetDefault("device", string(DeviceCPU))
	v.SetDefault("lower_case", true)
	v.SetDefault("backend", string(BackendAuto))
	v.SetDefault("library_path", "")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.revision", HFDefaultRevision)
	v.SetDefault("hub.cache_dir", "")
	v.SetDefault("hub.offline", false)
	v.SetDefault("hub.timeout", HFDefaultTimeout)
	v.SetDefault("hub.max_retries", HFMaxRetries)
	v.SetDefault("hub.cache_ttl", time.Duration(0))
}

// LoadConfig reads configuration from a YAML file or environment variables.
// With an empty path, jaclip.yaml is looked up in the working directory and
// its absence is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("jaclip")
		v.SetConfigType("yaml")
	}
	setConfigDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unable to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.MaxSeqLen <= 1 {
		return errors.Wrapf(ErrInvalidMaxSeqLen, "max_seq_len %d", c.MaxSeqLen)
	}
	if _, err := ParseDevice(c.Device); err != nil {
		return errors.Wrap(err, "invalid device")
	}
	if _, err := ParseBackend(c.Backend); err != nil {
		return errors.Wrap(err, "invalid backend")
	}
	if c.ModelID != "" && !isLocalDir(c.ModelID) {
		if err := validateModelID(c.ModelID); err != nil {
			return errors.Wrapf(err, "invalid model_id %s", c.ModelID)
		}
	}
	return nil
}

// LoaderOptions converts the config into options for LoadTokenizer.
func (c *Config) LoaderOptions(logger zerolog.Logger) ([]LoaderOption, error) {
	backend, err := ParseBackend(c.Backend)
	if err != nil {
		return nil, err
	}
	hubOpts := []HubOption{
		WithHFOfflineMode(c.Hub.Offline),
		WithHFLogger(logger),
	}
	if c.Hub.Token != "" {
		hubOpts = append(hubOpts, WithHFToken(c.Hub.Token))
	}
	if c.Hub.Revision != "" {
		hubOpts = append(hubOpts, WithHFRevision(c.Hub.Revision))
	}
	if c.Hub.CacheDir != "" {
		hubOpts = append(hubOpts, WithHFCacheDir(c.Hub.CacheDir))
	}
	if c.Hub.Timeout > 0 {
		hubOpts = append(hubOpts, WithHFTimeout(c.Hub.Timeout))
	}
	if c.Hub.MaxRetries > 0 {
		hubOpts = append(hubOpts, WithHFMaxRetries(c.Hub.MaxRetries))
	}
	if c.Hub.CacheTTL > 0 {
		hubOpts = append(hubOpts, WithHFCacheTTL(c.Hub.CacheTTL))
	}
	opts := []LoaderOption{
		WithLowerCase(c.LowerCase),
		WithBackend(backend),
		WithHubOptions(hubOpts...),
		WithLogger(logger),
	}
	if c.LibraryPath != "" {
		opts = append(opts, WithTokenizerLibraryPath(c.LibraryPath))
	}
	return opts, nil
}

// TokenizeOptions converts the config into options for Tokenize.
func (c *Config) TokenizeOptions(logger zerolog.Logger) ([]TokenizeOption, error) {
	device, err := ParseDevice(c.Device)
	if err != nil {
		return nil, err
	}
	loaderOpts, err := c.LoaderOptions(logger)
	if err != nil {
		return nil, err
	}
	return []TokenizeOption{
		WithModelID(c.ModelID),
		WithMaxSeqLen(c.MaxSeqLen),
		WithDevice(device),
		WithLoaderOptions(loaderOpts...),
	}, nil
}
