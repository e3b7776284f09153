package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aicf/config"
	"aicf/core"
	"aicf/observability/logging"
	"aicf/observability/otel"
	"aicf/rpc"
)

const shutdownGrace = 10 * time.Second

func logLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configFile := flag.String("config", "./aicf.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("aicfd", cfg.Node.Environment, logging.Options{
		FilePath: cfg.Node.LogFile,
		Level:    logLevel(cfg.Node.LogLevel),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := otel.Init(ctx, otel.Config{
		ServiceName: "aicfd",
		Environment: cfg.Node.Environment,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Error("telemetry init failed", slog.Any("error", err))
		os.Exit(1)
	}

	node, err := core.NewNode(cfg, logger)
	if err != nil {
		logger.Error("node init failed", slog.Any("error", err))
		os.Exit(1)
	}
	node.Start(ctx)

	metricsSrv := &http.Server{
		Addr:    cfg.Node.MetricsAddress,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("metrics listening", slog.String("addr", cfg.Node.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	rpcSrv := &http.Server{
		Addr:    cfg.Node.RPCAddress,
		Handler: rpc.NewServer(node, cfg.RPC, logger).Router(),
	}
	go func() {
		logger.Info("rpc listening", slog.String("addr", cfg.Node.RPCAddress))
		if err := rpcSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := rpcSrv.Shutdown(graceCtx); err != nil {
		logger.Warn("rpc shutdown", slog.Any("error", err))
	}
	if err := metricsSrv.Shutdown(graceCtx); err != nil {
		logger.Warn("metrics shutdown", slog.Any("error", err))
	}
	node.Stop()
	if err := shutdownTelemetry(graceCtx); err != nil {
		logger.Warn("telemetry shutdown", slog.Any("error", err))
	}
}
