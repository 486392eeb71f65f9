// Package config loads usbflash settings from defaults, an optional
// usbflash.yaml, USBFLASH_* environment variables and command line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/usbflash/tools/internal/catalog"
	"github.com/usbflash/tools/internal/imagewriter"
)

type Config struct {
	// Image writing
	ChunkSize  int  `mapstructure:"chunk-size"`
	VerifyFull bool `mapstructure:"verify-full"`

	// Device selection, inclusive bounds in bytes
	MinCapacity uint64 `mapstructure:"min-capacity"`
	MaxCapacity uint64 `mapstructure:"max-capacity"`

	// Provisioning
	VolumeLabel   string        `mapstructure:"volume-label"`
	MountRoot     string        `mapstructure:"mount-root"`
	SettleTimeout time.Duration `mapstructure:"settle-timeout"`

	// OverlayDir is used when flash is not given --overlay.
	OverlayDir string `mapstructure:"overlay-dir"`

	// Journal is the path of the SQLite run journal. Empty disables it.
	Journal string `mapstructure:"journal"`

	S3Region string `mapstructure:"s3-region"`

	Verbose bool `mapstructure:"verbose"`
}

func defaultJournal() string {
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		stateDir = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateDir, "usbflash", "journal.db")
}

// RegisterPflags adds the flags for all configuration keys to fs.
func RegisterPflags(fs *pflag.FlagSet) {
	fs.String("config", "", "path of a YAML configuration file (default: ./usbflash.yaml or $HOME/.config/usbflash/usbflash.yaml)")
	fs.Int("chunk-size", imagewriter.DefaultChunkSize, "block-stream write size in bytes; cancellation is observed between chunks")
	fs.Bool("verify-full", false, "re-read and hash everything written instead of only the first chunk")
	fs.Uint64("min-capacity", catalog.DefaultMinCapacity, "smallest device capacity in bytes offered as a target")
	fs.Uint64("max-capacity", catalog.DefaultMaxCapacity, "largest device capacity in bytes offered as a target")
	fs.String("volume-label", "BOOT", "FAT volume label of the provisioned partition")
	fs.String("mount-root", "", "directory in which temporary mount points are created (default: the system temp dir)")
	fs.Duration("settle-timeout", 10*time.Second, "how long to wait for partition device nodes to appear")
	fs.String("overlay-dir", "", "default boot configuration directory to install into EFI/")
	fs.String("journal", defaultJournal(), "SQLite journal of past runs; empty disables the journal")
	fs.String("s3-region", "", "AWS region for s3:// images (default: from the AWS configuration)")
	fs.BoolP("verbose", "v", false, "log debug messages")
}

// Load resolves the configuration. fs may be nil; otherwise its flags take
// precedence over all other sources.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetDefault("chunk-size", imagewriter.DefaultChunkSize)
	v.SetDefault("verify-full", false)
	v.SetDefault("min-capacity", uint64(catalog.DefaultMinCapacity))
	v.SetDefault("max-capacity", uint64(catalog.DefaultMaxCapacity))
	v.SetDefault("volume-label", "BOOT")
	v.SetDefault("settle-timeout", 10*time.Second)
	v.SetDefault("journal", defaultJournal())

	v.SetEnvPrefix("USBFLASH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var explicit string
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			explicit = f.Value.String()
		}
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("usbflash")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/usbflash")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ChunkSize <= 0 || c.ChunkSize%512 != 0 {
		return fmt.Errorf("chunk-size must be a positive multiple of 512, got %d", c.ChunkSize)
	}
	if c.MinCapacity > c.MaxCapacity {
		return fmt.Errorf("min-capacity (%d) exceeds max-capacity (%d)", c.MinCapacity, c.MaxCapacity)
	}
	if len(c.VolumeLabel) > 11 {
		return fmt.Errorf("volume-label %q is longer than 11 characters", c.VolumeLabel)
	}
	if c.SettleTimeout <= 0 {
		return fmt.Errorf("settle-timeout must be positive")
	}
	return nil
}
