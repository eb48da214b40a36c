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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ismaiel54/exchange-tester/internal/chaos"
	"github.com/ismaiel54/exchange-tester/internal/config"
	"github.com/ismaiel54/exchange-tester/internal/harness"
	"github.com/ismaiel54/exchange-tester/internal/logging"
	"github.com/ismaiel54/exchange-tester/internal/observability"
	"github.com/ismaiel54/exchange-tester/internal/transport"
	_ "github.com/ismaiel54/exchange-tester/internal/transport/drivers"
)

func main() {
	cfg, err := config.LoadConfig("exchange-tester")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var (
		valid         = flag.Int("valid", 10, "Number of valid orders per batch")
		invalid       = flag.Int("invalid", 10, "Number of malformed payloads per batch")
		settle        = flag.Duration("settle", cfg.Harness.Settle, "Time to wait for responses after the last batch")
		serve         = flag.Bool("serve", false, "Serve /healthz, /metrics, /stats and gRPC health while running")
		soak          = flag.Duration("soak", 0, "Keep sending batches for this long (0 sends one batch)")
		batchInterval = flag.Duration("batch-interval", time.Second, "Interval between soak batches")
	)
	flag.Parse()

	logger, err := logging.NewLoggerWithFormat(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	runID := uuid.New().String()
	logger = logger.With(zap.String("run_id", runID))

	logger.Info("starting exchange-tester",
		zap.String("driver", cfg.Transport.Driver),
		zap.String("outbound", cfg.Transport.OutboundAddr),
		zap.String("inbound", cfg.Transport.InboundAddr),
		zap.Int("hwm", cfg.Transport.HWM),
		zap.Int("valid", *valid),
		zap.Int("invalid", *invalid),
		zap.Duration("soak", *soak),
		zap.Bool("chaos", cfg.Chaos.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	topts := cfg.TransportOptions()
	topts.Logger = logger

	out, err := transport.OpenOutbound(ctx, topts, cfg.OutboundEndpoint())
	if err != nil {
		logger.Fatal("failed to open outbound endpoint", zap.Error(err))
	}
	in, err := transport.OpenInbound(ctx, topts, cfg.InboundEndpoint())
	if err != nil {
		out.Close()
		logger.Fatal("failed to open inbound endpoint", zap.Error(err))
	}
	out = chaos.WrapOutbound(out, chaos.New(cfg.Chaos, logger), cfg.Transport.OutboundAddr)

	metrics := harness.NewMetrics(prometheus.DefaultRegisterer)
	if err := metrics.Register(); err != nil {
		logger.Warn("failed to register metrics", zap.Error(err))
	}

	opts := cfg.HarnessOptions()
	opts.Metrics = metrics
	h := harness.New(out, in, opts, logger)

	var shutdown func()
	if *serve {
		shutdown = startServers(cfg, h, logger)
	}

	result := runScenario(ctx, h, plan{
		Valid:         *valid,
		Invalid:       *invalid,
		Settle:        *settle,
		Soak:          *soak,
		BatchInterval: *batchInterval,
	}, logger)

	if shutdown != nil {
		shutdown()
	}

	final := result.Final
	fmt.Printf("\n=== Exchange Tester Summary ===\n")
	fmt.Printf("Run ID: %s\n", runID)
	fmt.Printf("Driver: %s\n", cfg.Transport.Driver)
	fmt.Printf("Batches: %d\n", result.Batches)
	fmt.Printf("Requested: %d\n", result.Requested)
	fmt.Printf("Sent: %d\n", result.Sent)
	fmt.Printf("Failed: %d\n", result.Failed)
	if cfg.Chaos.Enabled {
		dropped, corrupted := injectedFaults(out)
		fmt.Printf("Chaos dropped: %d\n", dropped)
		fmt.Printf("Chaos corrupted: %d\n", corrupted)
	}
	fmt.Printf("Responses: %d\n", final.Total)
	fmt.Printf("  Acks: %d\n", final.Acks)
	fmt.Printf("  Rejects: %d\n", final.Rejects)
	fmt.Printf("  Fills: %d\n", final.Fills)
	fmt.Printf("  Unknown: %d\n", final.Unknown)
	fmt.Printf("Decode errors: %d\n", final.DecodeErrors)
	fmt.Printf("\n")

	if result.StopErr != nil {
		logger.Error("harness did not stop cleanly", zap.Error(result.StopErr))
	}
	if result.Failed > 0 || result.StopErr != nil {
		os.Exit(1)
	}
}

// startServers runs the HTTP and gRPC health servers and returns their shutdown
func startServers(cfg *config.Config, h *harness.Harness, logger *zap.Logger) func() {
	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.SetReadinessProbe(h.Running)
	healthChecker.SetStatsSource(func() any { return h.Stats() })

	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := healthChecker.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down health checker", zap.Error(err))
		}
		grpcServer.GracefulStop()
	}
}
