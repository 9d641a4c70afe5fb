package netbackend

import "errors"

var (
	ErrIPPoolExhausted = errors.New("no available IP addresses in pool")
	ErrIPNotAllocated  = errors.New("IP address is not currently allocated")

	ErrPortPoolExhausted = errors.New("no available ports in pool")
	ErrHostPortInUse     = errors.New("host port is already in use")

	ErrBridgeNotFound     = errors.New("bridge device not found")
	ErrBridgeCreateFailed = errors.New("failed to create bridge device")

	ErrTAPCreateFailed = errors.New("failed to create TAP device")
	ErrTAPNameExists   = errors.New("TAP device name already exists")

	ErrNATSetupFailed     = errors.New("failed to setup NAT rules")
	ErrForwardingDisabled = errors.New("IP forwarding is disabled")

	ErrNeedRoot = errors.New("operation requires root privileges")
)
