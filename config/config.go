// Package config loads settings for the xiafs command-line tool from
// defaults, an optional YAML file and XIAFS_* environment variables, in
// increasing order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/dargueta/xiafs"
	"github.com/spf13/viper"
)

type FormatConfig struct {
	ZoneShift   uint   `mapstructure:"zone_shift"`
	KernelZones uint   `mapstructure:"kernel_zones"`
	Preset      string `mapstructure:"preset"`
	RootMode    uint16 `mapstructure:"root_mode"`
}

type MountConfig struct {
	ReadOnly bool   `mapstructure:"read_only"`
	UID      uint16 `mapstructure:"uid"`
	GID      uint16 `mapstructure:"gid"`
	Verbose  bool   `mapstructure:"verbose"`
}

type CheckConfig struct {
	// Workers is the number of goroutines scanning inodes. 0 means one per CPU.
	Workers int `mapstructure:"workers"`
}

type Config struct {
	Format FormatConfig `mapstructure:"format"`
	Mount  MountConfig  `mapstructure:"mount"`
	Check  CheckConfig  `mapstructure:"check"`
}

// MountOptions converts the mount settings to [xiafs.MountOptions].
func (cfg *Config) MountOptions() xiafs.MountOptions {
	return xiafs.MountOptions{
		ReadOnly: cfg.Mount.ReadOnly,
		UID:      cfg.Mount.UID,
		GID:      cfg.Mount.GID,
		Verbose:  cfg.Mount.Verbose,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("format.zone_shift", 0)
	v.SetDefault("format.kernel_zones", 0)
	v.SetDefault("format.preset", "")
	v.SetDefault("format.root_mode", xiafs.DefaultDirectoryMode&xiafs.PermissionMask)
	v.SetDefault("mount.read_only", false)
	v.SetDefault("mount.uid", 0)
	v.SetDefault("mount.gid", 0)
	v.SetDefault("mount.verbose", false)
	v.SetDefault("check.workers", 0)
}

// Load reads the configuration. If `path` is empty, a file named xiafs.yaml
// is looked for in the current directory, $HOME/.xiafs and /etc/xiafs, and
// it's fine if there isn't one. An explicitly given file must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("xiafs")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.xiafs")
		v.AddConfigPath("/etc/xiafs")
	}

	// XIAFS_MOUNT_READ_ONLY overrides mount.read_only, and so on.
	v.SetEnvPrefix("XIAFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Format.ZoneShift > xiafs.MaxZoneShift {
		return nil, fmt.Errorf(
			"format.zone_shift must be in [0, %d], got %d", xiafs.MaxZoneShift, cfg.Format.ZoneShift)
	}
	return &cfg, nil
}
