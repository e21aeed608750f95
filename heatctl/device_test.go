package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/heatctl/pkg/config"
	"github.com/itohio/heatctl/pkg/daq"
)

func TestOpenDevice(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	cfg := config.Default()
	cfg.Device.Kind = config.DeviceMock
	dev, err := openDevice(cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &daq.Mock{}, dev)

	cfg.Device.Kind = config.DeviceSerial
	dev, err = openDevice(cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &daq.Serial{}, dev)
	assert.False(t, dev.IsConnected())

	cfg.Device.Kind = "usb"
	_, err = openDevice(cfg, logger)
	assert.Error(t, err)
}
