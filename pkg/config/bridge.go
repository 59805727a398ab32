package config

import (
	"fmt"

	"github.com/fako1024/btobd/pkg/logging"
	"github.com/fako1024/btobd/pkg/platform"
	"github.com/fako1024/btobd/pkg/platform/ble"
	"github.com/fako1024/btobd/pkg/platform/bluez"
	"github.com/fako1024/btobd/pkg/platform/mock"
	"github.com/fako1024/btobd/pkg/platform/serialport"
)

// DemoDevices denotes the devices offered by the mock bridge
var DemoDevices = []platform.Advertisement{
	{Address: "00:1D:A5:68:98:8B", Name: "OBDII"},
	{Address: "00:1D:A5:00:00:01", Name: "Vgate iCar Pro"},
	{Address: "66:1E:32:00:00:02", Name: "Car Bluetooth Audio"},
	{Address: "8C:DE:52:00:00:03", Name: "Generic BT Speaker"},
}

// NewBridge instantiates the configured bridge. The returned function releases it
func (c BridgeConfig) NewBridge(logger logging.Logger) (platform.Bridge, func() error, error) {
	logger = logging.Named(logger, c.Type)

	switch c.Type {
	case BridgeMock:
		b := mock.New(mock.WithDevices(DemoDevices...))
		return b, func() error { return nil }, nil

	case BridgeBLE:
		b, err := ble.New(ble.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize BLE bridge: %w", err)
		}
		return b, b.Close, nil

	case BridgeBlueZ:
		b, err := bluez.New(
			bluez.WithAdapter(c.Adapter),
			bluez.WithPIN(c.PIN),
			bluez.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize BlueZ bridge: %w", err)
		}
		return b, b.Close, nil

	case BridgeSerial:
		options := []func(*serialport.Bridge){
			serialport.WithBaudRate(c.BaudRate),
			serialport.WithLogger(logger),
		}
		if len(c.Ports) > 0 {
			options = append(options, serialport.WithPatterns(c.Ports...))
		}
		b := serialport.New(options...)
		return b, b.Close, nil
	}

	return nil, nil, fmt.Errorf("invalid bridge type `%s`", c.Type)
}
