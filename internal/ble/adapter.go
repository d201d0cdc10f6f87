// Package ble implements radio.Platform over Bluetooth Low Energy. Peers
// are found by advertisement scanning, and a stream is a pair of GATT
// characteristics of a serial-style service: one written to, one notifying.
package ble

import (
	"context"
	"errors"
)

// ErrUnsupported is returned for operations LE has no equivalent for,
// such as dialing a fixed RFCOMM channel.
var ErrUnsupported = errors.New("ble: operation not supported over LE")

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Advertisement is one scan result.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to found until ctx is done.
	Scan(ctx context.Context, found func(Advertisement)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, addr string) (Connection, error)
}
