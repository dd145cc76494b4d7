package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix scopes environment overrides, e.g. CACHEDRESOURCE_STORAGEPATH.
	EnvPrefix = "CACHEDRESOURCE"

	defaultMemoryCapacity    = 4 * 1024 * 1024
	defaultDiskCapacity      = 200 * 1024 * 1024
	defaultStoragePath       = "cached_resources"
	defaultAdmissionFraction = 0.05
	defaultWorkers           = 8
	defaultListenPort        = 5080
)

// Load reads the TOML file at path, applies defaults and environment
// overrides, then validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Cache.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	cfg.Cache.StoragePath = absStorage

	return &cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.Global.LogLevel = "info"
	cfg.Global.LogMaxSize = 100
	cfg.Global.LogMaxBackups = 10
	cfg.Global.LogCompress = true
	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("RequestTimeout", "30s")
	v.SetDefault("StoragePath", defaultStoragePath)
	v.SetDefault("MemoryCapacity", defaultMemoryCapacity)
	v.SetDefault("DiskCapacity", defaultDiskCapacity)
	v.SetDefault("AdmissionFraction", defaultAdmissionFraction)
	v.SetDefault("Workers", defaultWorkers)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.RequestTimeout.DurationValue() == 0 {
		g.RequestTimeout = Duration(30 * time.Second)
	}
}

func applyCacheDefaults(c *CacheConfig) {
	if strings.TrimSpace(c.StoragePath) == "" {
		c.StoragePath = defaultStoragePath
	}
	if c.MemoryCapacity == 0 {
		c.MemoryCapacity = defaultMemoryCapacity
	}
	if c.DiskCapacity == 0 {
		c.DiskCapacity = defaultDiskCapacity
	}
	if c.AdmissionFraction == 0 {
		c.AdmissionFraction = defaultAdmissionFraction
	}
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("cannot parse duration: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseByteSize(v)
			if err != nil {
				return nil, err
			}
			return ByteSize(parsed), nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported byte size type: %T", v)
		}
	}
}
