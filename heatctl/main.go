// Command heatctl holds the inner zone of a test chamber at the temperature of
// the outer zone by driving a heater through a DAQ board.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/itohio/heatctl/pkg/config"
	"github.com/itohio/heatctl/pkg/controller"
	"github.com/itohio/heatctl/pkg/daq"
	"github.com/itohio/heatctl/pkg/mqtt"
	"github.com/itohio/heatctl/pkg/web"
)

const (
	startTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

var _ web.Controller = (*controller.Controller)(nil)

func main() {
	var (
		configFlag    = flag.String("config", "config.yaml", "Configuration file path")
		portFlag      = flag.String("port", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		mockFlag      = flag.Bool("mock", false, "Use a simulated chamber instead of the serial device")
		logLevelFlag  = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
		listPortsFlag = flag.Bool("list-ports", false, "List serial ports and exit")
		writeFlag     = flag.Bool("write-config", false, "Write the effective configuration to the config file and exit")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *listPortsFlag {
		ports, err := daq.Ports()
		if err != nil {
			logger.Fatalf("Failed to list ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p.Name)
		}
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if *portFlag != "" {
		cfg.Device.Port = *portFlag
	}
	if *mockFlag {
		cfg.Device.Kind = config.DeviceMock
	}
	if *logLevelFlag != "" {
		cfg.Log.Level = *logLevelFlag
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Fatalf("Invalid log level: %v", err)
	}
	logger.SetLevel(level)

	if *writeFlag {
		if err := cfg.Save(*configFlag); err != nil {
			logger.Fatalf("Failed to save configuration: %v", err)
		}
		logger.WithField("file", *configFlag).Info("Configuration written")
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Controller stopped with an error")
		os.Exit(1)
	}
}

// run starts the controller and its outer surfaces and blocks until a signal
// arrives or the controller stops on its own.
func run(cfg *config.Config, logger *logrus.Logger) error {
	dev, err := openDevice(cfg, logger)
	if err != nil {
		return err
	}

	ctl := controller.New(cfg, dev, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	if cfg.MQTT.Broker != "" {
		pub, err := mqtt.NewRealPublisher(cfg.MQTT, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer pub.Close()

		fwd := mqtt.NewForwarder(pub, logger)
		ctl.OnFault(fwd.Fault)
		snaps, unsubscribe := ctl.Tracker().Subscribe(0)
		defer unsubscribe()

		wg.Add(1)
		go func() {
			defer wg.Done()
			fwd.Run(ctx, snaps)
		}()
	}

	var srv *web.Server
	if cfg.HTTP.Addr != "" {
		srv = web.New(cfg.HTTP.Addr, ctl.Tracker(), ctl, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.WithField("addr", cfg.HTTP.Addr).Info("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil {
				logger.WithError(err).Error("HTTP server failed")
				cancel()
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, startTimeout)
	err = ctl.Start(startCtx)
	startCancel()
	if err != nil {
		cancel()
		shutdown(srv, logger)
		wg.Wait()
		return fmt.Errorf("start controller: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"device":     cfg.Device.Kind,
		"inner_zone": cfg.Control.InnerZone,
		"outer_zone": cfg.Control.OuterZone,
	}).Info("Controller running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var cause error
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig).Info("Received shutdown signal")
	case <-ctl.Done():
		cause = ctl.Err()
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down...")
	stopErr := ctl.Stop()
	if errors.Is(stopErr, controller.ErrNotRunning) {
		stopErr = nil
	}

	shutdown(srv, logger)
	cancel()
	wg.Wait()

	logger.Info("Shutdown complete")
	return errors.Join(cause, stopErr)
}

func shutdown(srv *web.Server, logger *logrus.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}
}
