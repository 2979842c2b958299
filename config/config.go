// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage provider selection.
const (
	ProviderLocalFile = "local"
	ProviderMemory    = "memory"
)

// Config aggregates configuration for the application.
type Config struct {
	GRPC    GRPCConfig    `mapstructure:"grpc"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Storage StorageConfig `mapstructure:"storage"`
	Cache   CacheConfig   `mapstructure:"cache"`
}

// GRPCConfig addresses the build event and remote cache services.
type GRPCConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// HTTPConfig addresses the dashboard query and blob fetch endpoints.
type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// StorageConfig selects where invocation state and cached blobs live.
type StorageConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
}

// CacheConfig tunes the remote cache surface.
type CacheConfig struct {
	WriterTTL time.Duration `mapstructure:"writer_ttl"`
}

func defaultConfig() *Config {
	return &Config{
		GRPC:    GRPCConfig{ListenAddr: ":5000"},
		HTTP:    HTTPConfig{ListenAddr: ":3001"},
		Storage: StorageConfig{Provider: ProviderLocalFile, BaseDir: ".buildlake"},
		Cache:   CacheConfig{WriterTTL: 10 * time.Minute},
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "BUILDLAKE" and the dot character
// in keys is replaced by an underscore. For example, "storage.base_dir"
// becomes "BUILDLAKE_STORAGE_BASE_DIR".
func Load() (*Config, error) {
	cfg := defaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("BUILDLAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Provider {
	case ProviderLocalFile, ProviderMemory:
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	if c.Storage.Provider == ProviderLocalFile && c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required for the %s provider", ProviderLocalFile)
	}
	if c.GRPC.ListenAddr == "" {
		return fmt.Errorf("grpc.listen_addr is required")
	}
	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("http.listen_addr is required")
	}
	if c.Cache.WriterTTL <= 0 {
		return fmt.Errorf("cache.writer_ttl must be positive")
	}
	return nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
