// Command coap-server runs a CoAP endpoint serving a few demo resources.
//
// Resources:
//
//	/hello    GET, plain text
//	/time     GET, observable (text, JSON or CBOR via Accept)
//	/large    GET, 4 KiB octet stream delivered blockwise
//	/echo     POST/PUT, echoes the request body
//
// Configuration is layered: built-in defaults, then the YAML file named by
// -config, then COAP_* environment variables (a .env file is read first),
// then the flags below.
//
// Usage:
//
//	coap-server [flags]
//
// Examples:
//
//	# Serve on the default port with debug logging
//	coap-server -log-level debug
//
//	# Write a protocol capture and expose Prometheus metrics
//	coap-server -protocol-log server.clog -metrics :9100
//
//	# Announce the endpoint over mDNS
//	coap-server -mdns -instance kitchen
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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mash-protocol/coap-go/pkg/config"
	"github.com/mash-protocol/coap-go/pkg/discovery"
	"github.com/mash-protocol/coap-go/pkg/engine"
	"github.com/mash-protocol/coap-go/pkg/log"
	"github.com/mash-protocol/coap-go/pkg/metrics"
	"github.com/mash-protocol/coap-go/pkg/transport"
)

// Version is reported in the mDNS TXT records.
var Version = "dev"

var (
	configFile  = flag.String("config", "", "YAML configuration file")
	envFile     = flag.String("env", ".env", "dotenv file loaded before the environment is read")
	listen      = flag.String("listen", "", "UDP listen address (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	protocolLog = flag.String("protocol-log", "", "Write a CBOR protocol capture to this file")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address")
	mdns        = flag.Bool("mdns", false, "Announce the endpoint over mDNS")
	instance    = flag.String("instance", "", "mDNS instance name (default derived from host name)")
	tick        = flag.Duration("tick", time.Second, "Update interval of the observable /time resource")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("coap-server terminated", "error", err)
		os.Exit(1)
	}
	logger.Info("coap-server stopped")
}

func loadConfig() (config.Config, error) {
	if err := config.LoadDotEnv(*envFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		return config.Config{}, err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *protocolLog != "" {
		cfg.ProtocolLog = *protocolLog
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *mdns {
		cfg.Discovery.Enabled = true
	}
	if *instance != "" {
		cfg.Discovery.Instance = *instance
	}
	return cfg, cfg.Validate()
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	ec := cfg.Engine()
	ec.Logger = logger

	plog, closeLog, err := protocolLogger(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLog()
	ec.ProtocolLogger = plog

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		ec.Metrics = metrics.New(metrics.DefaultNamespace, reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	udp, err := transport.ListenUDP(ctx, cfg.UDP(logger))
	if err != nil {
		return err
	}
	e := engine.New(udp, ec)

	c := newClock(time.Now())
	if err := register(e, c); err != nil {
		_ = e.Close()
		return err
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Close()
		return err
	}
	logger.Info("coap-server listening", "addr", e.LocalAddr(), "session", e.ID())

	g.Go(func() error { return c.run(ctx, *tick, e.NotifyChanged) })

	if cfg.Discovery.Enabled {
		adv := discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{
			Domain: cfg.Discovery.Domain,
			TTL:    discovery.DefaultTTL,
			Logger: logger,
		})
		if err := adv.Advertise(ctx, serviceInfo(cfg, e)); err != nil {
			logger.Warn("mDNS advertisement not started", "error", err)
		} else {
			defer adv.Stop()
		}
	}

	g.Go(func() error { return stopSignalHandler(ctx, cancel, logger) })

	// Shut the collaborators down once the group context ends.
	g.Go(func() error {
		<-ctx.Done()
		if metricsServer != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return e.Close()
	})

	return g.Wait()
}

func protocolLogger(cfg config.Config, logger *slog.Logger) (log.Logger, func(), error) {
	if cfg.ProtocolLog == "" {
		if cfg.LogLevel == "debug" {
			return log.NewSlogAdapter(logger), func() {}, nil
		}
		return log.NoopLogger{}, func() {}, nil
	}
	file, err := log.NewFileLogger(cfg.ProtocolLog)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol log: %w", err)
	}
	closeFn := func() {
		if err := file.Close(); err != nil {
			logger.Warn("closing protocol log", "error", err)
		}
	}
	logger.Info("writing protocol log", "path", cfg.ProtocolLog)
	if cfg.LogLevel == "debug" {
		return log.NewMultiLogger(file, log.NewSlogAdapter(logger)), closeFn, nil
	}
	return file, closeFn, nil
}

func serviceInfo(cfg config.Config, e *engine.Engine) *discovery.ServiceInfo {
	name := cfg.Discovery.Instance
	if name == "" {
		host, _ := os.Hostname()
		name = discovery.DefaultInstanceName(host)
	}
	return &discovery.ServiceInfo{
		Instance:   name,
		Port:       e.LocalAddr().Port(),
		SessionID:  e.ID(),
		Resources:  e.Mux().Paths(),
		Observable: e.Mux().Observables(),
		Software:   Version,
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
