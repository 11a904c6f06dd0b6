//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/edcompanion/engine/internal/config"
	xlog "github.com/edcompanion/engine/internal/log"
)

type reconfigurer interface {
	SetConfig(cfg *config.Config)
}

// reloadOnSignal re-reads the config file on SIGHUP and hands it to the
// monitor until ctx is done.
func reloadOnSignal(ctx context.Context, opts *rootOptions, target reconfigurer) {
	logger := xlog.WithComponent("main")
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := opts.loadConfig()
			if err != nil {
				logger.Error().Err(err).Str("event", "config.reload_failed").Msg("keeping previous config")
				continue
			}
			logger.Info().Str("event", "config.reloaded").Str("path", opts.configPath).Msg("config reloaded")
			target.SetConfig(cfg)
		}
	}
}
