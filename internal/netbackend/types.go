// Package netbackend is the Network Backend Adaptor (C4): a per-runtime
// bridge, NAT, and TAP-device helper giving each box a guest-facing
// network endpoint with host port forwarding.
package netbackend

// Network configuration constants.
const (
	BridgeName = "boxlite-br0"
	BridgeIP   = "172.20.0.1"
	BridgeCIDR = "172.20.0.0/24"

	IPPoolStart = "172.20.0.2"
	IPPoolEnd   = "172.20.0.254"

	MACPrefix = "AA:BC:00" // locally administered, boxlite hint

	DefaultGateway = BridgeIP
	DefaultDNS     = BridgeIP

	// TAPPrefix names TAP devices: bl-{last12 of box id}. Linux caps
	// interface names at 15 usable chars (IFNAMSIZ-1), so the prefix stays
	// short to leave room for enough of the id to avoid collisions.
	TAPPrefix = "bl-"
)

// Endpoint is the per-box network identity handed to the engine when
// building a VMSpec: the TAP device to attach as a NIC, its IP/MAC, and the
// gateway/DNS the guest should configure.
type Endpoint struct {
	BoxID      string
	TAPDevice  string
	IPAddress  string
	MACAddress string
	Gateway    string
	DNS        string
}

// PortMapping is one host<->guest TCP port forward.
type PortMapping struct {
	HostPort  int
	GuestPort int
	Protocol  string
}
