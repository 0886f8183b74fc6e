// Command simboat runs a simulated autonomous boat against a shoregate
// relay for local testing. It streams synthetic telemetry, acknowledges
// commands, and answers WebRTC offers with a direct data feed.
//
// Usage:
//
//	simboat -server ws://localhost:8000 -id my-boat
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/driftlab/shoregate/internal/simboat"
)

func main() {
	server := flag.String("server", "ws://localhost:8000", "relay base URL")
	id := flag.String("id", "", "device id (default: random simulated-boat-XXXXXXXX)")
	interval := flag.Duration("interval", time.Second, "telemetry interval")
	seed := flag.Int64("seed", 0, "random walk seed (0 = time-based)")
	flag.Parse()

	deviceID := *id
	if deviceID == "" {
		deviceID = fmt.Sprintf("simulated-boat-%s", uuid.NewString()[:8])
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	boat := simboat.NewBoat(simboat.BoatConfig{
		ServerURL:         *server,
		DeviceID:          deviceID,
		TelemetryInterval: *interval,
		Seed:              *seed,
		Logger:            logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting simulated boat", "device_id", deviceID, "server", *server)
	if err := boat.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("simboat stopped", "error", err)
		os.Exit(1)
	}
}
