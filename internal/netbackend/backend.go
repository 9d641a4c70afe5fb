package netbackend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"

	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
)

// CrashFunc is invoked when the helper process dies outside a requested
// Shutdown. The runtime uses it to mark affected boxes Unhealthy (§4.3).
type CrashFunc func(err error)

// Backend is the per-runtime Network Backend Adaptor (C4): it owns the
// bridge, NAT rules, IP/port pools, and a supervised user-mode network
// helper process (gvproxy/slirp-style) reachable over a Unix control
// socket, one instance shared across every box of the runtime.
type Backend struct {
	logger *slog.Logger

	ips   *ipPool
	ports *hostPortPool

	mu           sync.Mutex
	endpoints    map[string]*Endpoint // box id -> endpoint
	portMappings map[string][]PortMapping

	helperPath string
	helperSock string
	onCrash    CrashFunc

	cmd     *exec.Cmd
	done    chan struct{}
	stopped bool
}

// New wires a Backend. helperPath is the gvproxy/slirp-equivalent binary to
// supervise; helperSock is the Unix control socket it listens on. onCrash
// fires once if the helper exits without Shutdown having been called.
func New(helperPath, helperSock string, onCrash CrashFunc, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ips, err := newIPPool(IPPoolStart, IPPoolEnd)
	if err != nil {
		return nil, fmt.Errorf("build IP pool: %w", err)
	}

	return &Backend{
		logger:       logger,
		ips:          ips,
		ports:        newHostPortPool(),
		endpoints:    make(map[string]*Endpoint),
		portMappings: make(map[string][]PortMapping),
		helperPath:   helperPath,
		helperSock:   helperSock,
		onCrash:      onCrash,
	}, nil
}

// EnsureInfrastructure brings up the bridge and NAT rules, and launches the
// supervised network helper process. Idempotent at the bridge/NAT level;
// calling it twice on an already-running helper is an error.
func (b *Backend) EnsureInfrastructure(ctx context.Context) error {
	if err := ensureBridge(); err != nil {
		return boxliteerr.Wrap(boxliteerr.Network, "", "ensure bridge", err)
	}
	if err := enableNAT(); err != nil {
		return boxliteerr.Wrap(boxliteerr.Network, "", "enable NAT", err)
	}
	return b.startHelper(ctx)
}

func (b *Backend) startHelper(ctx context.Context) error {
	if b.helperPath == "" {
		return nil // no helper configured, e.g. in tests
	}

	b.mu.Lock()
	if b.cmd != nil {
		b.mu.Unlock()
		return fmt.Errorf("network helper already running")
	}
	cmd := exec.CommandContext(ctx, b.helperPath, "-listen", b.helperSock)
	if err := cmd.Start(); err != nil {
		b.mu.Unlock()
		return boxliteerr.Wrap(boxliteerr.Network, "", "start network helper", err)
	}
	b.cmd = cmd
	b.done = make(chan struct{})
	b.stopped = false
	done := b.done
	b.mu.Unlock()

	go b.supervise(cmd, done)
	return nil
}

// supervise waits for the helper process and, unless Shutdown requested the
// exit, reports the crash so the runtime can mark affected boxes Unhealthy.
func (b *Backend) supervise(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	close(done)

	b.mu.Lock()
	stopped := b.stopped
	b.cmd = nil
	b.mu.Unlock()

	if stopped {
		return
	}

	b.logger.Error("network helper exited unexpectedly", "error", err)
	if b.onCrash != nil {
		b.onCrash(boxliteerr.Wrap(boxliteerr.Network, "", "network helper crashed", err))
	}
}

// Shutdown stops the helper process and tears down NAT/bridge state.
func (b *Backend) Shutdown() error {
	b.mu.Lock()
	cmd := b.cmd
	b.stopped = true
	b.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}

	if err := disableNAT(); err != nil {
		b.logger.Warn("disable NAT failed", "error", err)
	}
	if err := destroyBridge(); err != nil {
		b.logger.Warn("destroy bridge failed", "error", err)
	}

	return nil
}

// AllocateEndpoint assigns boxID a TAP device, IP, and MAC address.
func (b *Backend) AllocateEndpoint(boxID string) (*Endpoint, error) {
	ip, err := b.ips.allocate(boxID)
	if err != nil {
		return nil, boxliteerr.Wrap(boxliteerr.Network, "", "allocate IP", err)
	}

	tapName, err := createTAP(boxID)
	if err != nil {
		_ = b.ips.release(ip, boxID)
		return nil, boxliteerr.Wrap(boxliteerr.Network, "", "create TAP device", err)
	}

	endpoint := &Endpoint{
		BoxID:      boxID,
		TAPDevice:  tapName,
		IPAddress:  ip.String(),
		MACAddress: generateMACAddress(boxID),
		Gateway:    DefaultGateway,
		DNS:        DefaultDNS,
	}

	b.mu.Lock()
	b.endpoints[boxID] = endpoint
	b.mu.Unlock()

	return endpoint, nil
}

// ReleaseEndpoint tears down boxID's TAP device and returns its IP to the
// pool.
func (b *Backend) ReleaseEndpoint(boxID string) error {
	b.mu.Lock()
	endpoint, ok := b.endpoints[boxID]
	delete(b.endpoints, boxID)
	b.mu.Unlock()

	if !ok {
		return nil
	}

	if err := destroyTAP(endpoint.TAPDevice); err != nil {
		return boxliteerr.Wrap(boxliteerr.Network, "", "destroy TAP device", err)
	}
	return b.ips.release(net.ParseIP(endpoint.IPAddress), boxID)
}

// ReservePorts checks and reserves host ports for boxID (§4.3 port conflict
// policy), then installs the DNAT rules forwarding them to its endpoint.
// If boxID has no endpoint yet (a box being created), only the reservation
// is made; the rules are installed when ReservePorts is called again after
// AllocateEndpoint.
func (b *Backend) ReservePorts(boxID string, mappings []PortMapping) error {
	hostPorts := make([]int, len(mappings))
	for i, m := range mappings {
		hostPorts[i] = m.HostPort
	}

	if err := b.ports.reserve(boxID, hostPorts); err != nil {
		return err
	}

	b.mu.Lock()
	endpoint, ok := b.endpoints[boxID]
	if !ok {
		b.portMappings[boxID] = mappings
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	if err := addPortMappings(endpoint.IPAddress, mappings); err != nil {
		b.ports.release(boxID, hostPorts)
		return boxliteerr.Wrap(boxliteerr.Network, "", "install port forwards", err)
	}

	b.mu.Lock()
	b.portMappings[boxID] = mappings
	b.mu.Unlock()

	return nil
}

// ReleasePorts removes boxID's DNAT rules and frees its reserved host
// ports.
func (b *Backend) ReleasePorts(boxID string) error {
	b.mu.Lock()
	endpoint, hasEndpoint := b.endpoints[boxID]
	mappings, hasMappings := b.portMappings[boxID]
	delete(b.portMappings, boxID)
	b.mu.Unlock()

	if !hasMappings || len(mappings) == 0 {
		return nil
	}

	hostPorts := make([]int, len(mappings))
	for i, m := range mappings {
		hostPorts[i] = m.HostPort
	}
	b.ports.release(boxID, hostPorts)

	if !hasEndpoint {
		return nil
	}
	if err := removePortMappings(endpoint.IPAddress, mappings); err != nil {
		return boxliteerr.Wrap(boxliteerr.Network, "", "remove port forwards", err)
	}
	return nil
}
