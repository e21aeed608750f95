package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/itohio/heatctl/pkg/config"
	"github.com/itohio/heatctl/pkg/daq"
)

// openDevice creates the DAQ device named by the configuration. The device is
// connected by the controller.
func openDevice(cfg *config.Config, logger *logrus.Logger) (daq.Device, error) {
	var dev daq.Device
	switch cfg.Device.Kind {
	case config.DeviceMock:
		logger.Info("Using simulated chamber")
		dev = daq.NewMock(cfg)
	case config.DeviceSerial:
		dev = daq.NewSerial(cfg.Device.Port, cfg.Device.BaudRate, cfg.Device.ReadTimeout, logger)
	default:
		return nil, fmt.Errorf("unknown device kind %q", cfg.Device.Kind)
	}

	if cfg.Device.GPIOChip == "" {
		return dev, nil
	}

	out, err := daq.NewGPIOOutput(dev, cfg.Device.GPIOChip, cfg.PWM.Channel)
	if err != nil {
		return nil, fmt.Errorf("open heater output: %w", err)
	}
	logger.WithFields(logrus.Fields{"chip": cfg.Device.GPIOChip, "line": cfg.PWM.Channel}).Info("Heater driven by GPIO")
	return out, nil
}
