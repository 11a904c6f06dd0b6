package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	xlog "github.com/edcompanion/engine/internal/log"
	"github.com/edcompanion/engine/internal/metrics"
	"github.com/edcompanion/engine/internal/monitor"
	"github.com/edcompanion/engine/internal/race"
	"github.com/edcompanion/engine/internal/records"
	"github.com/edcompanion/engine/internal/state"
	"github.com/edcompanion/engine/internal/ws"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	port         int
	skipExisting bool
	race         string
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the websocket/HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, opts)
		},
	}

	cmd.Flags().IntVar(&opts.port, "port", 0, "override server port")
	cmd.Flags().BoolVar(&opts.skipExisting, "skip-existing", false, "ignore journal lines written before startup")
	cmd.Flags().StringVar(&opts.race, "race", "", "race definition file or library slug; overrides config")

	return cmd
}

func runServe(ctx context.Context, rootOpts *rootOptions, opts *serveOptions) error {
	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if opts.skipExisting {
		cfg.Journal.SkipExisting = true
	}
	if opts.race != "" {
		cfg.Race.File = opts.race
	}
	logger := xlog.WithComponent("main")

	m := metrics.New()
	store := state.NewStore(state.DefaultRecentEvents)
	broadcaster := ws.NewBroadcaster(store, cfg.Server.BroadcastThrottle, cfg.Server.SnapshotInterval,
		cfg.Server.MaxConnections, ws.WithMetrics(m))
	defer broadcaster.Stop()

	tracker, err := records.NewTracker(records.NewStore(cfg.Race.RecordsDir))
	if err != nil {
		return fmt.Errorf("loading race records: %w", err)
	}
	tracker.OnPersonalBest(func(rec records.RaceRecord, previous *records.Run) {
		p := ws.PersonalBestPayload{Race: rec.Race, RunID: rec.Best.RunID, Elapsed: rec.Best.Elapsed, Finishes: rec.Finishes}
		if previous != nil {
			p.Previous = &previous.Elapsed
		}
		broadcaster.QueuePersonalBest(p)
	})

	mon, err := monitor.New(cfg, store, broadcaster,
		monitor.WithMetrics(m),
		monitor.WithCompletionObserver(tracker.Observe))
	if err != nil {
		return err
	}

	var library *race.Library
	if cfg.Race.LibraryDir != "" {
		library = race.NewLibrary(cfg.Race.LibraryDir)
	}
	server := ws.NewServer(cfg.Server, store, broadcaster, mon, library, m.Handler())
	server.SetRecords(tracker)
	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mon.Start(gctx)
		return nil
	})
	g.Go(func() error {
		tracker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("event", "http.listening").Str("addr", httpServer.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Str("event", "main.shutdown").Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		reloadOnSignal(gctx, rootOpts, mon)
		return nil
	})

	return g.Wait()
}
