// Package config loads framegrabber settings from defaults, an optional YAML file and
// FRAMEGRABBER_* environment variables, in increasing precedence. Command-line flags
// bound by the caller win over all of them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key for environment lookup: ffmpeg_path is
// read from FRAMEGRABBER_FFMPEG_PATH.
const EnvPrefix = "FRAMEGRABBER"

type Config struct {
	// Engine
	FFmpegPath      string        `mapstructure:"ffmpeg_path"` // "" = FRAMEGRABBER_FFMPEG_PATH or PATH lookup
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollAttempts    int           `mapstructure:"poll_attempts"`

	// Segmented recording
	StagingDir      string        `mapstructure:"staging_dir"`
	OutputDir       string        `mapstructure:"output_dir"`
	SegmentDuration time.Duration `mapstructure:"segment_duration"`
	SegmentExt      string        `mapstructure:"segment_ext"`
	RotateInterval  time.Duration `mapstructure:"rotate_interval"`

	// State
	LedgerPath    string `mapstructure:"ledger_path"`    // "" disables the ledger
	TranscriptDir string `mapstructure:"transcript_dir"` // "" disables stderr transcripts

	// Preview
	PreviewAddr     string `mapstructure:"preview_addr"`
	PreviewMaxConns int    `mapstructure:"preview_max_conns"`
	Metrics         bool   `mapstructure:"metrics"`
}

// Default returns the built-in settings.
func Default() *Config {
	state := StateDir()
	return &Config{
		LivenessTimeout: 10 * time.Second,
		PollInterval:    50 * time.Millisecond,
		PollAttempts:    50,
		StagingDir:      filepath.Join(state, "staging"),
		OutputDir:       "./recordings",
		SegmentDuration: time.Minute,
		SegmentExt:      "mp4",
		RotateInterval:  time.Second,
		LedgerPath:      filepath.Join(state, "ledger.db"),
		PreviewAddr:     ":8090",
		PreviewMaxConns: 64,
		Metrics:         true,
	}
}

// New returns a viper instance with defaults registered and environment binding on.
// Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("ffmpeg_path", d.FFmpegPath)
	v.SetDefault("liveness_timeout", d.LivenessTimeout)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("poll_attempts", d.PollAttempts)
	v.SetDefault("staging_dir", d.StagingDir)
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("segment_duration", d.SegmentDuration)
	v.SetDefault("segment_ext", d.SegmentExt)
	v.SetDefault("rotate_interval", d.RotateInterval)
	v.SetDefault("ledger_path", d.LedgerPath)
	v.SetDefault("transcript_dir", d.TranscriptDir)
	v.SetDefault("preview_addr", d.PreviewAddr)
	v.SetDefault("preview_max_conns", d.PreviewMaxConns)
	v.SetDefault("metrics", d.Metrics)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (or, when file is "", framegrabber.yaml from ConfigDir or the
// working directory if present) into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("framegrabber")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the operations cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.LivenessTimeout <= 0 {
		errs = append(errs, fmt.Errorf("liveness_timeout must be > 0"))
	}
	if c.PollInterval <= 0 || c.PollAttempts <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval and poll_attempts must be > 0"))
	}
	if c.RotateInterval <= 0 {
		errs = append(errs, fmt.Errorf("rotate_interval must be > 0"))
	}
	if c.SegmentDuration <= 0 {
		errs = append(errs, fmt.Errorf("segment_duration must be > 0"))
	}
	if c.StagingDir != "" && c.OutputDir != "" && filepath.Clean(c.StagingDir) == filepath.Clean(c.OutputDir) {
		errs = append(errs, fmt.Errorf("staging_dir and output_dir must differ"))
	}
	if c.PreviewMaxConns < 0 {
		errs = append(errs, fmt.Errorf("preview_max_conns must be >= 0"))
	}
	return errors.Join(errs...)
}

// ConfigDir is $XDG_CONFIG_HOME/framegrabber or ~/.config/framegrabber.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "framegrabber")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".framegrabber"
	}
	return filepath.Join(home, ".config", "framegrabber")
}

// StateDir is $XDG_STATE_HOME/framegrabber or ~/.local/state/framegrabber.
func StateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "framegrabber")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".framegrabber"
	}
	return filepath.Join(home, ".local", "state", "framegrabber")
}
