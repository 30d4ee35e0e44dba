// Package config defines the YAML-driven configuration surface for the
// demuxer's ambient concerns (HTTP download retries, playlist loader
// cadence, and logging), grounded on
// ilijajolevski-ilinden/internal/config's struct-tag + reflection
// defaulting idiom.
package config

import "time"

// DownloadConfig controls the retry/backoff policy used by
// internal/download for playlist and segment fetches.
type DownloadConfig struct {
	Timeout         time.Duration `yaml:"timeout" default:"10s"`
	MaxRetries      int           `yaml:"max_retries" default:"3"`
	InitialInterval time.Duration `yaml:"initial_interval" default:"200ms"`
	MaxInterval     time.Duration `yaml:"max_interval" default:"5s"`
	UserAgent       string        `yaml:"user_agent" default:"hlsdemux/1"`
}

// LoaderConfig holds the playlist loader FSM's settings (spec.md §4.2).
// Package loader reads only EnableBlockingReload and EnableDeltaUpdates;
// MinReloadInterval, DeltaAgeFraction and MaxLoadRetries are decoded and
// defaulted but not read by the loader, which uses half the playlist's
// skip boundary as the delta age limit and a fixed limit of three retries.
type LoaderConfig struct {
	MinReloadInterval time.Duration `yaml:"min_reload_interval" default:"1s"`
	DeltaAgeFraction  float64       `yaml:"delta_age_fraction" default:"0.5"`
	EnableBlockingReload bool       `yaml:"enable_blocking_reload" default:"true"`
	EnableDeltaUpdates   bool       `yaml:"enable_delta_updates" default:"true"`
	MaxLoadRetries       int        `yaml:"max_load_retries" default:"3"`
}

// LogConfig controls the zerolog writer and level, in the register the
// rest of the pack configures logging in (e.g. ManuGH-xg2g, rendiffdev).
type LogConfig struct {
	Level  string `yaml:"level" default:"info"`
	Pretty bool   `yaml:"pretty" default:"false"`
}

// DemuxerConfig is the top-level configuration document.
type DemuxerConfig struct {
	Download DownloadConfig `yaml:"download"`
	Loader   LoaderConfig   `yaml:"loader"`
	Log      LogConfig      `yaml:"log"`
}
