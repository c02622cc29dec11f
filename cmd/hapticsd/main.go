package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lemonforest/mlehaptics-sub009/pkg/clock"
	"github.com/lemonforest/mlehaptics-sub009/pkg/engine"
	"github.com/lemonforest/mlehaptics-sub009/pkg/identity"
	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
	"github.com/lemonforest/mlehaptics-sub009/pkg/metrics"
	"github.com/lemonforest/mlehaptics-sub009/pkg/telemetry"
	"github.com/lemonforest/mlehaptics-sub009/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	addr := flag.String("addr", "", "Unit hardware address (overrides config)")
	httpPort := flag.Int("http", 0, "HTTP API port (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hapticsd: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Unit.Addr = *addr
	}
	if *httpPort != 0 {
		cfg.HTTPPort = *httpPort
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}

	logger := logging.NewJSONLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	unitAddr, err := identity.ParseAddr(cfg.Unit.Addr)
	if err != nil {
		logger.Error("invalid unit address", logging.Error(err))
		os.Exit(1)
	}
	self := identity.Unit{Addr: unitAddr, Battery: cfg.Unit.Battery}

	boot, err := transport.NewZMQBootstrap(transport.ZMQConfig{
		Self:          self,
		ListenAddr:    cfg.Bootstrap.Listen,
		AdvertiseAddr: cfg.Bootstrap.Advertise,
		PeerAddrs:     cfg.Bootstrap.Peers,
	}, logger)
	if err != nil {
		logger.Error("failed to create bootstrap link", logging.Error(err))
		os.Exit(1)
	}
	if err := boot.Start(); err != nil {
		logger.Error("failed to start bootstrap link", logging.Error(err))
		os.Exit(1)
	}
	defer boot.Close()

	op, err := transport.NewNNGOperational(transport.NNGConfig{
		ListenAddr: cfg.Operational.Listen,
		DialAddr:   cfg.Operational.Dial,
	}, logger)
	if err != nil {
		logger.Error("failed to create operational link", logging.Error(err))
		os.Exit(1)
	}
	defer op.Close()

	var actuator engine.Actuator
	if cfg.Actuator.Device != "" {
		motor, err := newMotorActuator(cfg.Actuator.Device)
		if err != nil {
			logger.Error("failed to open actuator", logging.Error(err))
			os.Exit(1)
		}
		defer motor.Close()
		actuator = motor
	} else {
		logger.Warn("no actuator device configured, logging commands only")
		actuator = &logActuator{logger: logger.With(logging.Component("actuator"))}
	}

	registry := metrics.NewRegistry()
	opts := []engine.Option{engine.WithRegistry(registry)}
	if cfg.Telemetry.Path != "" {
		sink, err := os.OpenFile(cfg.Telemetry.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Error("failed to open telemetry sink", logging.Error(err))
			os.Exit(1)
		}
		defer sink.Close()
		opts = append(opts, engine.WithRecorder(telemetry.NewRecorder(telemetry.DefaultCapacity, sink)))
	}

	eng, err := engine.New(cfg.engineConfig(), self, boot, op, clock.System(), actuator, logger, opts...)
	if err != nil {
		logger.Error("failed to assemble engine", logging.Error(err))
		os.Exit(1)
	}

	server := newHTTPServer(cfg.HTTPPort, eng, registry, logger)
	go func() {
		logger.Info("http api listening", logging.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", logging.Error(err))
		}
	}()
	defer server.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", logging.String("signal", sig.String()))
		eng.Stop()
		<-runErr
	case err := <-runErr:
		if err != nil {
			logger.Error("engine exited", logging.Error(err))
			os.Exit(1)
		}
		logger.Info("engine exited")
	}
}
