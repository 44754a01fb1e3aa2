package main

import (
	"chartsync/internal/backfill"
	"chartsync/internal/config"
	"chartsync/internal/feed"
	"chartsync/internal/logger"
	"chartsync/internal/model"
	"chartsync/internal/resolution"
	"chartsync/internal/service"
	"chartsync/internal/websocket"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// healthService is the gRPC health service name chartd reports under.
const healthService = "chartsync.Session"

var (
	mintOverride     string
	currencyOverride string
	modeOverride     string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a chart session",
	Long: `Start a chart session for the configured token.

This will:
• Connect to the price/trade feed and keep the socket alive
• Backfill history for every configured resolution
• Log every bar, mark and average line update
• Serve gRPC health on server.addr

Examples:
  chartd run --config config.yaml
  chartd run --mint <address> --currency USD --mode mcap`,
	RunE: runSession,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&mintOverride, "mint", "", "token mint address (overrides instrument.mint)")
	runCmd.Flags().StringVar(&currencyOverride, "currency", "", "quote currency, SOL or USD (overrides instrument.currency)")
	runCmd.Flags().StringVar(&modeOverride, "mode", "", "value mode, price or mcap (overrides instrument.mode)")
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyOverrides(cfg)

	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	session, resolutions, err := newSession(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to initiate session")
		return err
	}
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.Stop()

	for _, res := range resolutions {
		if err := subscribe(ctx, cfg, session, res); err != nil {
			return err
		}
	}

	// Set up TCP listener for gRPC server
	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	// Create gRPC server with keepalive parameters for connection management
	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,  // Close idle connections after 5 minutes
			MaxConnectionAge:  30 * time.Minute, // Force reconnection after 30 minutes
			Time:              20 * time.Second, // Send keepalive pings every 20 seconds
			Timeout:           10 * time.Second, // Wait 10 seconds for ping response
		}),
	)

	// Register health check service; status follows the feed socket
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	go trackHealth(ctx, session, healthServer)

	go func() {
		<-ctx.Done()
		log.Info().Msg("initiating graceful shutdown")
		healthServer.Shutdown()
		s.GracefulStop() // Stop accepting new requests and finish existing ones
	}()

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("mint", cfg.Instrument.Mint).
		Strs("resolutions", cfg.Instrument.Resolutions).
		Msg("chartd starting")

	// Serve blocks until shutdown
	if err := s.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func applyOverrides(cfg *config.Config) {
	if mintOverride != "" {
		cfg.Instrument.Mint = mintOverride
	}
	if currencyOverride != "" {
		cfg.Instrument.Currency = currencyOverride
	}
	if modeOverride != "" {
		cfg.Instrument.Mode = modeOverride
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
}

// newSession wires the feed connection, data source and renderer into a
// session.
func newSession(cfg *config.Config) (*service.Session, []resolution.Resolution, error) {
	currency, err := cfg.Currency()
	if err != nil {
		return nil, nil, err
	}
	mode, err := cfg.Mode()
	if err != nil {
		return nil, nil, err
	}
	resolutions, err := cfg.Resolutions()
	if err != nil {
		return nil, nil, err
	}

	codec := feed.NewCodec()
	conn, err := websocket.NewFeedConnection(websocket.Config{
		Endpoint:           cfg.Feed.URL,
		Codec:              codec,
		TLSInsecureSkip:    cfg.Feed.TLSInsecureSkip,
		PingPeriod:         cfg.Feed.PingPeriod,
		HeartbeatInterval:  cfg.Feed.HeartbeatInterval,
		HeartbeatTolerance: cfg.Feed.HeartbeatTolerance,
		WatchdogPeriod:     cfg.Feed.WatchdogPeriod,
		ReconnectDelay:     cfg.Feed.ReconnectDelay,
		MaxReconnectDelay:  cfg.Feed.MaxReconnectDelay,
		SendTimeout:        cfg.Feed.SendTimeout,
		QueueSize:          cfg.Feed.QueueSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create feed connection: %w", err)
	}

	source, err := backfill.NewClient(backfill.Config{
		BaseURL:       cfg.Backfill.BaseURL,
		Timeout:       cfg.Backfill.Timeout,
		RatePerSecond: cfg.Backfill.RatePerSecond,
		Burst:         cfg.Backfill.Burst,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create backfill client: %w", err)
	}

	session, err := service.NewSession(service.SessionConfig{
		Instrument:        cfg.Instrument.Mint,
		Currency:          currency,
		Mode:              mode,
		Resolution:        resolutions[0],
		TrackedWallets:    cfg.Wallets(),
		MaxGapFill:        cfg.Session.MaxGapFill,
		TickBufferLimit:   cfg.Session.TickBufferLimit,
		HistoryRetries:    cfg.Backfill.Retries,
		HistoryRetryDelay: cfg.Backfill.RetryDelay,
	}, service.Deps{
		Feed:     conn,
		History:  source,
		Renderer: newLogRenderer(cfg.Instrument.Mint),
		Codec:    codec,
	})
	if err != nil {
		return nil, nil, err
	}
	return session, resolutions, nil
}

// subscribe backfills res and then follows its live bars.
func subscribe(ctx context.Context, cfg *config.Config, session *service.Session, res resolution.Resolution) error {
	barLog := log.With().
		Str("component", "bars").
		Str("resolution", res.String()).
		Logger()

	if _, err := session.Subscribe(ctx, "", res, func(bar model.Bar) {
		barLog.Info().
			Int64("time", bar.Time).
			Float64("open", bar.Open).
			Float64("high", bar.High).
			Float64("low", bar.Low).
			Float64("close", bar.Close).
			Float64("volume", bar.Volume).
			Msg("bar")
	}); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", res, err)
	}

	now := time.Now().UnixMilli()
	countBack := cfg.Backfill.CountBack
	result, err := session.History(ctx, service.HistoryRequest{
		Resolution: res,
		From:       now - int64(countBack)*res.WidthMillis(),
		To:         now,
		CountBack:  countBack,
	})
	if err != nil {
		return fmt.Errorf("failed to load history for %s: %w", res, err)
	}
	barLog.Info().Int("bars", len(result.Bars)).Bool("noData", result.NoData).Msg("history loaded")
	return nil
}

// trackHealth mirrors the feed socket state into the health service.
func trackHealth(ctx context.Context, session *service.Session, hs *health.Server) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
			if session.Connected() {
				status = grpc_health_v1.HealthCheckResponse_SERVING
			}
			if status != last {
				hs.SetServingStatus(healthService, status)
				log.Info().Stringer("status", status).Msg("feed health changed")
				last = status
			}
		}
	}
}
