// Package dataplane defines the types shared by every stage of the forwarder:
// ports, frames, the NIC transport contract and the startup error classes.
package dataplane

import (
	"errors"
	"fmt"
	"net"
)

// MaxPorts is the number of ports addressable by a port mask.
const MaxPorts = 32

// PortID identifies a NIC port. Valid IDs are 0..MaxPorts-1.
type PortID uint16

// Port is a NIC port participating in forwarding.
// Immutable after startup.
type Port struct {
	ID      PortID
	Name    string
	MAC     net.HardwareAddr
	Enabled bool
}

// Frame is a single received Ethernet frame.
//
// A Frame is owned by the core that received it until it is either freed
// or handed to a transmit buffer.
type Frame struct {
	// Data is the raw frame starting at the destination MAC.
	Data []byte
	// Port is the ingress port. It identifies the pool the frame
	// must be returned to.
	Port PortID
	// Ref is an opaque handle owned by the transport.
	Ref uint64
}

// Receiver polls a port for frames.
type Receiver interface {
	// Receive fills buf with up to len(buf) frames from port and returns
	// the filled prefix. It never blocks.
	Receive(port PortID, buf []Frame) []Frame
}

// Transmitter sends frames and recycles the ones it did not accept.
type Transmitter interface {
	// Transmit hands frames to the NIC queue of port and returns how many
	// leading frames were accepted. Accepted frames are owned by the
	// transport afterwards. It never blocks.
	Transmit(port PortID, frames []Frame) int
	// Free returns frames to the pool they were received from.
	Free(frames []Frame)
}

// Transport is the NIC collaborator used by the forwarding loop.
type Transport interface {
	Receiver
	Transmitter
}

// DeviceCounters are error counters maintained by the device or kernel.
type DeviceCounters struct {
	RxError  uint64
	TxError  uint64
	RxNoMbuf uint64
}

// DeviceCounterSource is implemented by transports that can report device
// level error counters.
type DeviceCounterSource interface {
	DeviceCounters(port PortID) (DeviceCounters, error)
}

// ConfigError is returned when the startup configuration is invalid.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "invalid configuration: " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// ConfigErrorf formats a ConfigError.
func ConfigErrorf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// ResourceError is returned when required resources can't be acquired
// at startup.
type ResourceError struct {
	Err error
}

func (e *ResourceError) Error() string { return "insufficient resources: " + e.Err.Error() }

func (e *ResourceError) Unwrap() error { return e.Err }

// ResourceErrorf formats a ResourceError.
func ResourceErrorf(format string, args ...any) error {
	return &ResourceError{Err: fmt.Errorf(format, args...)}
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

// IsResourceError reports whether err is or wraps a ResourceError.
func IsResourceError(err error) bool {
	var e *ResourceError
	return errors.As(err, &e)
}
