package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/graphmesh/event-worker/internal/config"
	"github.com/graphmesh/event-worker/internal/health"
	natsstore "github.com/graphmesh/event-worker/internal/nats"
	"github.com/graphmesh/event-worker/internal/scheduler"
	"github.com/graphmesh/event-worker/internal/server"
	"github.com/graphmesh/event-worker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	store, err := natsstore.New(cfg.NatsURL, cfg.LeaseTimeout)
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("connected to NATS", "url", cfg.NatsURL, "worker_id", cfg.WorkerID)

	monitor := health.New(health.Options{})
	registry := prometheus.NewRegistry()
	registry.MustRegister(health.NewCollector(monitor))

	executor := natsstore.NewExecClient(store.Conn(), cfg.ExecSubject)
	processor := worker.NewProcessor(store, executor, monitor, cfg)
	poller := worker.NewPoller(cfg, store, processor, monitor)

	sched, err := scheduler.New(store, monitor, cfg.ReapInterval, cfg.PurgeSchedule, cfg.PurgeRetention)
	if err != nil {
		slog.Error("invalid maintenance schedule", "error", err)
		os.Exit(1)
	}

	if err := poller.Start(); err != nil {
		slog.Error("failed to start poller", "error", err)
		os.Exit(1)
	}
	sched.Start()

	// Operational HTTP server.
	router := server.NewRouter(monitor, poller, registry, cfg.WorkerID)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("operational server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// gRPC health endpoint whose serving status tracks aggregate health.
	grpcServer := grpc.NewServer()
	healthSrv := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	healthStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-healthStop:
				return
			case <-ticker.C:
				serving := healthpb.HealthCheckResponse_SERVING
				if monitor.Status() == health.StatusUnhealthy {
					serving = healthpb.HealthCheckResponse_NOT_SERVING
				}
				healthSrv.SetServingStatus("", serving)
			}
		}
	}()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("failed to listen for gRPC", "port", cfg.GRPCPort, "error", err)
			os.Exit(1)
		}
		slog.Info("gRPC health server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker")
	close(healthStop)
	if err := poller.Stop(); err != nil {
		slog.Warn("poller stop", "error", err)
	}
	sched.Stop()
	grpcServer.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("worker stopped")
}
