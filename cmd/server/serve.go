package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/soundrooms/internal/adapters/http"
	"github.com/dkeye/soundrooms/internal/adapters/memory"
	"github.com/dkeye/soundrooms/internal/adapters/natsync"
	"github.com/dkeye/soundrooms/internal/adapters/redisstore"
	"github.com/dkeye/soundrooms/internal/adapters/s3blob"
	"github.com/dkeye/soundrooms/internal/adapters/signal"
	"github.com/dkeye/soundrooms/internal/app"
	"github.com/dkeye/soundrooms/internal/app/balance"
	"github.com/dkeye/soundrooms/internal/app/fsm"
	"github.com/dkeye/soundrooms/internal/app/orch"
	"github.com/dkeye/soundrooms/internal/app/peersync"
	"github.com/dkeye/soundrooms/internal/app/ratelimit"
	"github.com/dkeye/soundrooms/internal/app/roomdata"
	"github.com/dkeye/soundrooms/internal/config"
	"github.com/dkeye/soundrooms/internal/core"
	"github.com/dkeye/soundrooms/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket server and the balancer (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

// openSync connects the sync channel for cfg.Sync.Backend.
func openSync(cfg *config.Config) (core.SyncChannel, error) {
	switch cfg.Sync.Backend {
	case "memory":
		log.Warn().Str("module", "main").Msg("in-process sync channel: peers will not be discovered")
		return memory.NewHub().Channel(cfg.SyncTopicName), nil
	case "nats", "":
		ch, err := natsync.Dial(cfg.NATS.URL, cfg.SyncTopicName)
		if err != nil {
			return nil, fmt.Errorf("open sync channel: %w", err)
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("unknown sync backend %q", cfg.Sync.Backend)
	}
}

// openRecords connects the record store for cfg.Records.Backend. The returned
// func releases it.
func openRecords(ctx context.Context, cfg *config.Config) (core.RecordStore, func() error, error) {
	switch cfg.Records.Backend {
	case "memory":
		return memory.NewRecords(), func() error { return nil }, nil
	case "redis", "":
		s, err := redisstore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("open record store: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown records backend %q", cfg.Records.Backend)
	}
}

func rateLimitOptions(rl config.RateLimit) ratelimit.Options {
	return ratelimit.Options{Enabled: rl.Enabled, Threshold: rl.Threshold, TTL: rl.TTL}
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ch, err := openSync(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := ch.Close(); err != nil {
			log.Error().Str("module", "main").Err(err).Msg("close sync channel")
		}
	}()

	records, closeRecords, err := openRecords(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRecords(); err != nil {
			log.Error().Str("module", "main").Err(err).Msg("close record store")
		}
	}()

	state := app.NewState(
		fsm.New(cfg.RoomNames),
		roomdata.New(cfg.RoomNames, roomdata.Rules{
			MaxClientsPerRoom: cfg.MaxClientsPerRoom,
			Thresholds:        cfg.Thresholds(),
		}),
		app.NewServerState(cfg.ServerID, cfg.LocalAddress(), cfg.RoomNames, cfg.Sync.WarmupListLength),
	)
	reg := app.NewRegistry()
	m := metrics.New(string(cfg.ServerID))

	o := orch.New(ctx, state, reg, app.SimplePolicy{}, m, orch.SettingsFromConfig(cfg))

	perClient := ratelimit.New("per_client", rateLimitOptions(cfg.PerClientRateLimit))
	perType := ratelimit.New("per_message_type", rateLimitOptions(cfg.PerMessageTypeRateLimit))
	perClient.Start()
	perType.Start()
	defer perClient.Stop()
	defer perType.Stop()

	peers := peersync.New(ctx, state, ch, records, peersync.SettingsFromConfig(cfg),
		peersync.WithRateLimiters(perClient, perType),
		peersync.WithClientCount(reg.Count),
		peersync.WithMetrics(m),
	)
	if err := peers.Start(); err != nil {
		return err
	}
	if err := peers.LoadRateLimits(ctx); err != nil {
		log.Warn().Str("module", "main").Err(err).Msg("keeping configured rate limits")
	}
	// Nothing is served until the sync channel delivers steadily.
	if err := peers.WarmUp(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	limits := signal.Limits{}
	if cfg.PerClientRateLimit.Enabled {
		limits.PerClient = perClient
	}
	if cfg.PerMessageTypeRateLimit.Enabled {
		limits.PerType = perType
	}
	msgRouter := signal.NewRouter(o, limits, m, cfg.Production.DropViewerMessages)
	ctrl := signal.NewSignalWSController(o, msgRouter, signal.SettingsFromConfig(cfg))

	wsSrv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.ServerPort),
		Handler: router.SetupRouter(ctx, cfg, ctrl, m),
	}
	lbSrv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.BalancerPort),
		Handler: router.SetupBalancer(balance.New(state), router.BalancerSettingsFromConfig(cfg)),
	}
	if cfg.SSL.Enabled {
		tlsCfg, err := router.LoadTLS(ctx, s3blob.NewFromConfig(cfg.S3), router.TLSFiles{
			Bucket: cfg.SSLBucket(),
			Key:    cfg.SSLKeyObject(),
			Cert:   cfg.SSLCertObject(),
		})
		if err != nil {
			return fmt.Errorf("load balancer certificate: %w", err)
		}
		lbSrv.TLSConfig = tlsCfg
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(gctx, "websocket", wsSrv) })
	g.Go(func() error { return listen(gctx, "balancer", lbSrv) })
	g.Go(func() error { return o.Run(gctx) })
	g.Go(func() error { return peers.Run(gctx) })

	err = g.Wait()
	log.Info().Str("module", "main").Msg("server exited")
	return err
}

// listen serves srv until ctx ends, then shuts it down gracefully.
func listen(ctx context.Context, name string, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("module", "main").Str("server", name).Str("addr", srv.Addr).Bool("tls", srv.TLSConfig != nil).Msg("listening")
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errc <- err
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}

	log.Info().Str("module", "main").Str("server", name).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Str("module", "main").Str("server", name).Err(err).Msg("server forced to shutdown")
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
