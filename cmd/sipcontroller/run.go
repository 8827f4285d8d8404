package main

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dense-identity/callcore/internal/callstore"
	"github.com/dense-identity/callcore/internal/calltracker"
	"github.com/dense-identity/callcore/internal/config"
	"github.com/dense-identity/callcore/internal/logger"
	"github.com/dense-identity/callcore/internal/metrics"
	"github.com/dense-identity/callcore/internal/sipcontroller"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Baresip and read call commands from stdin",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func run(parent context.Context, in io.Reader, out io.Writer) error {
	if err := config.LoadEnv(); err != nil {
		return errors.Wrap(err, "loading env file")
	}
	cfg, err := config.New[config.Tracker]()
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := cfg.LogLevel
	if cfg.Verbose {
		level = "debug"
	}
	logger.Configure(level, cfg.LogFormat)
	log := logger.With("component", "main")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return err
	}

	ctrlCfg, err := cfg.Controller()
	if err != nil {
		return err
	}
	ctrlCfg.Observer = collector
	ctrlCfg.Tracker.Logger = logger.With("component", "tracker")
	notifiers := []calltracker.Notifier{collector}

	var wg sync.WaitGroup
	store, err := callstore.New(ctx, cfg.CallStore())
	if err != nil {
		return err
	}
	defer func() {
		stop()
		wg.Wait()
		_ = store.Close()
	}()
	if store != nil {
		records := callstore.NewNotifier(store, 256)
		notifiers = append(notifiers, records)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = records.Run(ctx)
		}()
	}
	ctrlCfg.Tracker.Notifier = calltracker.MultiNotifier(notifiers...)

	controller := sipcontroller.NewController(ctrlCfg)

	lis, err := net.Listen("tcp", cfg.GrpcAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", cfg.GrpcAddr)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("health server listening", "addr", cfg.GrpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc serve error", "error", err)
		}
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	log.Info("sipcontroller starting",
		"baresip", cfg.BaresipAddr,
		"domain", cfg.SipDomain,
		"d2d", cfg.D2DEnabled,
		"callstore", cfg.CallStoreEnabled,
	)
	go commandLoop(ctx, &console{ctrl: controller, store: store, out: out}, in, stop)

	return controller.Run(ctx)
}
