package config

import (
	"reflect"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/pkg/errors"
)

// envPrefix is the environment variable prefix used by all settings.
const envPrefix = "MIXPROP"

// newViper builds a Viper instance with YAML file type, the MIXPROP_ env
// prefix and a key replacer that maps "." to "_", so that "cache.redis.addr"
// resolves to MIXPROP_CACHE_REDIS_ADDR. Every key of Config is bound
// explicitly because AutomaticEnv alone only covers keys present in a file.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v, "", reflect.TypeOf(Config{}))
	return v
}

func bindEnvKeys(v *viper.Viper, prefix string, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct && f.Type.PkgPath() != "time" {
			bindEnvKeys(v, key, f.Type)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// Load reads the YAML file at configPath, merges MIXPROP_* environment
// overrides, applies defaults and validates the result.
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigParseError); ok {
			return nil, errors.Wrap(err, errors.ErrCodeSerialization, "config: failed to parse config file").WithDetail(configPath)
		}
		return nil, errors.Wrap(err, errors.ErrCodeNotFound, "config: failed to read config file").WithDetail(configPath)
	}
	return unmarshalAndFinalize(v)
}

// LoadFromEnv builds a Config from MIXPROP_* environment variables alone.
//
//	MIXPROP_<SECTION>_<FIELD>   e.g.  MIXPROP_LOG_LEVEL, MIXPROP_CHECKPOINT_DIR
func LoadFromEnv() (*Config, error) {
	return unmarshalAndFinalize(newViper())
}

func unmarshalAndFinalize(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "config: failed to unmarshal configuration")
	}

	ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch monitors configPath and invokes onChange with the newly parsed
// Config whenever the file changes on disk. Changes that fail to parse or
// validate are logged and skipped. Watch does not block.
func Watch(configPath string, log logging.Logger, onChange func(*Config)) error {
	log = logging.OrNop(log)
	v := newViper()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrap(err, errors.ErrCodeNotFound, "config: failed to read config file").WithDetail(configPath)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := unmarshalAndFinalize(v)
		if err != nil {
			log.Warn("config change rejected", logging.String("file", e.Name), logging.Err(err))
			return
		}
		log.Info("config reloaded", logging.String("file", e.Name))
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// WatchLogLevel applies log.level edits of configPath to l at runtime. It
// is a no-op for loggers that cannot change level.
func WatchLogLevel(configPath string, l logging.Logger) error {
	setter, ok := l.(logging.LevelSetter)
	if !ok {
		return nil
	}
	return Watch(configPath, l, func(cfg *Config) {
		setter.SetLevel(cfg.Log.Level)
	})
}

// MustLoad is Load that panics on error, for use in main.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic("config: MustLoad failed: " + err.Error())
	}
	return cfg
}
