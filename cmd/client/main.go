/*
Package main implements a watcher for the feed health of a running chartd.

The watcher asks chartd's gRPC health service for the current status of the
session, then streams every transition of the feed socket between SERVING
and NOT_SERVING until it is interrupted.

Usage:

	go run ./cmd/client -addr=localhost:50051
	go run ./cmd/client -addr=chartd:50051 -service=chartsync.Session -timeout=2s
*/
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var (
	serverAddr   = flag.String("addr", "localhost:50051", "chartd gRPC address in the format host:port")
	service      = flag.String("service", "chartsync.Session", "health service name to watch")
	checkTimeout = flag.Duration("timeout", 5*time.Second, "timeout for the initial health check")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Str("addr", *serverAddr).
		Str("service", *service).
		Logger()

	if err := validateFlags(); err != nil {
		log.Fatal().Err(err).Msg("invalid flags")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create grpc client")
	}
	defer conn.Close()

	if err := watch(ctx, grpc_health_v1.NewHealthClient(conn), log); err != nil {
		log.Fatal().Err(err).Msg("health watch ended")
	}
	log.Info().Msg("watcher stopped")
}

// watch checks once so that an unreachable chartd fails fast, then follows
// the status stream until it ends or ctx is cancelled.
func watch(ctx context.Context, client grpc_health_v1.HealthClient, log zerolog.Logger) error {
	checkCtx, cancel := context.WithTimeout(ctx, *checkTimeout)
	resp, err := client.Check(checkCtx, &grpc_health_v1.HealthCheckRequest{Service: *service})
	cancel()
	if err != nil {
		return err
	}
	log.Info().Stringer("status", resp.GetStatus()).Msg("current status")

	stream, err := client.Watch(ctx, &grpc_health_v1.HealthCheckRequest{Service: *service})
	if err != nil {
		return err
	}

	for {
		update, err := stream.Recv()
		switch {
		case errors.Is(err, io.EOF):
			log.Info().Msg("server closed the stream")
			return nil
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}
		log.Info().Stringer("status", update.GetStatus()).Msg("feed health changed")
	}
}

func validateFlags() error {
	if *serverAddr == "" {
		return errors.New("server address cannot be empty")
	}
	if *service == "" {
		return errors.New("service name cannot be empty")
	}
	if *checkTimeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}
