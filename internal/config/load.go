package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "toml"
	configDir  = ".config/perfpilot"
	envPrefix  = "PERFPILOT"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads the TOML config file (path, or $HOME/.config/perfpilot/config.toml)
// and PERFPILOT_ environment overrides on top of Default. A missing file is
// not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	walk("", reflect.ValueOf(Default()), func(key string, value reflect.Value) {
		v.SetDefault(key, value.Interface())
	})

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		if homeDir, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(homeDir, configDir))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &configNotFound):
		case path != "" && errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// Encode renders the configuration as TOML with durations in their string form.
func Encode(cfg Config) ([]byte, error) {
	doc := map[string]any{}
	walk("", reflect.ValueOf(cfg), func(key string, value reflect.Value) {
		section, field, _ := strings.Cut(key, ".")
		table, ok := doc[section].(map[string]any)
		if !ok {
			table = map[string]any{}
			doc[section] = table
		}
		if value.Type() == durationType {
			table[field] = time.Duration(value.Int()).String()
			return
		}
		table[field] = value.Interface()
	})

	data, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}

	return data, nil
}

// walk visits every leaf field keyed by its dotted mapstructure path.
func walk(prefix string, value reflect.Value, visit func(key string, value reflect.Value)) {
	typ := value.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		name := field.Tag.Get("mapstructure")
		if name == "" {
			name = strings.ToLower(field.Name)
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		fieldValue := value.Field(i)
		if field.Type.Kind() == reflect.Struct && field.Type != durationType {
			walk(key, fieldValue, visit)
			continue
		}
		visit(key, fieldValue)
	}
}
