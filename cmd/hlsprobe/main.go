// Command hlsprobe drives a core.Demuxer against a live master playlist
// URL and logs the fragments it would hand a downstream player, one line
// per update_fragment_info call (spec.md §6), until the stream ends or
// sync is lost.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mogiioin/hlsdemux/core"
	"github.com/mogiioin/hlsdemux/internal/clock"
	"github.com/mogiioin/hlsdemux/internal/config"
	"github.com/mogiioin/hlsdemux/internal/download"
)

func main() {
	masterURI := flag.String("uri", "", "master playlist URL (required)")
	configPath := flag.String("config", "", "optional YAML config file (internal/config.DemuxerConfig)")
	startBitrate := flag.Uint("start-bitrate", 0, "initial bitrate cap in bits/s (0 = pick the default variant)")
	minBitrate := flag.Uint("min-bitrate", 0, "initial bitrate floor in bits/s")
	pollInterval := flag.Duration("poll", 200*time.Millisecond, "how often to retry a Busy fragment read")
	flag.Parse()

	if *masterURI == "" {
		fmt.Fprintln(os.Stderr, "hlsprobe: -uri is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hlsprobe:", err)
		os.Exit(1)
	}
	log := newLogger(cfg.Log)

	if err := run(*masterURI, cfg, log, uint32(*startBitrate), uint32(*minBitrate), *pollInterval); err != nil {
		log.Fatal().Err(err).Msg("hlsprobe: exiting")
	}
}

func loadConfig(path string) (*config.DemuxerConfig, error) {
	if path == "" {
		cfg := &config.DemuxerConfig{}
		config.SetDefaults(cfg)
		return cfg, nil
	}
	return config.Load(path)
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var w = os.Stderr
	if cfg.Pretty {
		cw := zerolog.NewConsoleWriter()
		cw.Out = w
		return zerolog.New(cw).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func run(masterURI string, cfg *config.DemuxerConfig, log zerolog.Logger, startBitrate, minBitrate uint32, poll time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dl := download.New(cfg.Download)
	result, err := dl.Get(ctx, masterURI, nil)
	if err != nil {
		return fmt.Errorf("hlsprobe: fetch master playlist: %w", err)
	}

	d, err := core.New(dl, clock.New(), *cfg, log, result.Data, "", masterURI, startBitrate, minBitrate)
	if err != nil {
		return fmt.Errorf("hlsprobe: build demuxer: %w", err)
	}

	log.Info().Str("variant", d.Variant.Current().URI).Uint32("bandwidth", d.Variant.Current().Bandwidth).
		Msg("hlsprobe: starting")

	go d.Run(ctx)
	d.Start()
	defer d.Stop()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, status := d.MainFragmentInfo()
		switch status {
		case core.Ready:
			log.Info().Str("uri", info.URI).Dur("duration", info.Duration).
				Bool("discont", info.Discont).Int64("offset", info.Offset).
				Msg("fragment")
		case core.Eos:
			log.Info().Msg("hlsprobe: end of stream")
			return nil
		case core.LostSync:
			return fmt.Errorf("hlsprobe: lost sync with the live playlist")
		case core.Busy:
			// not yet loaded; retry on the next tick.
		}
	}
}
