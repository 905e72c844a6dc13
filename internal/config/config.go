// Package config is used to load the configuration file
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/blacktop/jpatch/pkg/bytecode"
	"github.com/blacktop/jpatch/pkg/engine"
)

const (
	defaultCacheSize = 4096
	maxParallelism   = 256
)

type engineConfig struct {
	Frames      bytecode.FrameMode `mapstructure:"frames"`
	CacheSize   int                `mapstructure:"cache_size"`
	Parallelism int                `mapstructure:"parallelism"`
	DumpDir     string             `mapstructure:"dump_dir"`
	Strict      bool               `mapstructure:"strict"`
	Verify      bool               `mapstructure:"verify"`
}

// Config is the configuration struct
type Config struct {
	Engine     engineConfig `mapstructure:"engine"`
	Signatures string       `mapstructure:"signatures"`
}

func (c *Config) verify() error {
	if c.Engine.Frames == bytecode.NoFrames {
		return fmt.Errorf("frame mode %s cannot be configured; it is chosen per class", c.Engine.Frames)
	}
	if c.Engine.CacheSize == 0 {
		c.Engine.CacheSize = defaultCacheSize
	} else if c.Engine.CacheSize < 0 {
		return fmt.Errorf("cache_size must be positive, got %d", c.Engine.CacheSize)
	}
	if c.Engine.Parallelism < 0 || c.Engine.Parallelism > maxParallelism {
		return fmt.Errorf("parallelism must be between 0 and %d, got %d", maxParallelism, c.Engine.Parallelism)
	}
	if c.Engine.DumpDir != "" {
		if err := os.MkdirAll(c.Engine.DumpDir, 0o750); err != nil {
			return fmt.Errorf("failed to create dump_dir: %w", err)
		}
	}
	if c.Signatures == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		c.Signatures = filepath.Join(home, ".config", "jpatch", "signatures")
	}
	return nil
}

// EngineOptions converts the engine section into engine.Options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		Frames:      c.Engine.Frames,
		CacheSize:   c.Engine.CacheSize,
		Parallelism: c.Engine.Parallelism,
		Verify:      c.Engine.Verify,
		DumpDir:     c.Engine.DumpDir,
		Strict:      c.Engine.Strict,
	}
}

// frameModeHook decodes frame mode names.
func frameModeHook(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeFor[bytecode.FrameMode]() || from.Kind() != reflect.String {
		return data, nil
	}
	return bytecode.ParseFrameMode(data.(string))
}

// LoadConfig loads the configuration from v, or from the global viper
// instance if v is nil.
func LoadConfig(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.GetViper()
	}
	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		frameModeHook,
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}
	return &c, nil
}
