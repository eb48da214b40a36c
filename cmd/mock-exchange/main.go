package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ismaiel54/exchange-tester/internal/config"
	"github.com/ismaiel54/exchange-tester/internal/exchangesim"
	"github.com/ismaiel54/exchange-tester/internal/logging"
	"github.com/ismaiel54/exchange-tester/internal/observability"
	"github.com/ismaiel54/exchange-tester/internal/transport"
	_ "github.com/ismaiel54/exchange-tester/internal/transport/drivers"
)

func main() {
	var (
		fillEvery = flag.Int("fill-every", 0, "Emit a fill after every Nth ack (0 disables fills)")
		serve     = flag.Bool("serve", false, "Serve /healthz, /metrics, /stats and gRPC health while running")
	)
	flag.Parse()

	cfg, err := config.LoadConfig("mock-exchange")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLoggerWithFormat(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	orders, responses := cfg.ExchangeEndpoints()
	logger.Info("starting mock-exchange",
		zap.String("driver", cfg.Transport.Driver),
		zap.String("orders", orders.Address),
		zap.String("responses", responses.Address),
		zap.Int("fill_every", *fillEvery),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	topts := cfg.TransportOptions()
	topts.Logger = logger
	// separate consumer group from the harness
	topts.KafkaGroup = cfg.Transport.KafkaGroup + "-exchange"

	in, err := transport.OpenInbound(ctx, topts, orders)
	if err != nil {
		logger.Fatal("failed to open order endpoint", zap.Error(err))
	}
	defer in.Close()

	out, err := transport.OpenOutbound(ctx, topts, responses)
	if err != nil {
		logger.Fatal("failed to open response endpoint", zap.Error(err))
	}
	defer out.Close()

	sim := exchangesim.New(in, out, exchangesim.Options{
		PollTimeout: cfg.Harness.PollTimeout,
		FillEvery:   *fillEvery,
	}, logger)

	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.SetStatsSource(func() any { return sim.Stats() })
	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	errChan := make(chan error, 2)
	if *serve {
		grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
		if err != nil {
			logger.Fatal("failed to listen on gRPC port", zap.Error(err))
		}
		go func() {
			logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
			if err := grpcServer.Serve(grpcListener); err != nil {
				errChan <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
		go func() {
			if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("HTTP server error: %w", err)
			}
		}()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- sim.Run(runCtx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errChan:
		logger.Error("server error", zap.Error(err))
	case err := <-done:
		if err != nil {
			logger.Error("simulator stopped", zap.Error(err))
		}
	}

	cancelRun()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("simulator did not stop in time")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	stats := sim.Stats()
	fmt.Printf("\n=== Mock Exchange Summary ===\n")
	fmt.Printf("Received: %d\n", stats.Received)
	fmt.Printf("Acks: %d\n", stats.Acks)
	fmt.Printf("Rejects: %d\n", stats.Rejects)
	fmt.Printf("Fills: %d\n", stats.Fills)
	fmt.Printf("Cancels: %d\n", stats.Cancels)
	fmt.Printf("Reply failures: %d\n", stats.Failed)
	fmt.Printf("\n")
}
