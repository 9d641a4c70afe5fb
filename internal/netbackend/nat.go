package netbackend

import (
	"fmt"
	"os"
	"strconv"

	"github.com/coreos/go-iptables/iptables"
)

// enableNAT enables IP forwarding and adds a MASQUERADE rule so boxes on the
// bridge subnet reach the internet via the host.
func enableNAT() error {
	if err := enableIPForwarding(); err != nil {
		return fmt.Errorf("enable IP forwarding: %w", err)
	}

	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("init iptables: %w", err)
	}

	if err := ipt.AppendUnique("nat", "POSTROUTING", "-s", BridgeCIDR, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("%w: masquerade rule: %v", ErrNATSetupFailed, err)
	}
	if err := ipt.AppendUnique("filter", "FORWARD", "-i", BridgeName, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("%w: forward-in rule: %v", ErrNATSetupFailed, err)
	}
	if err := ipt.AppendUnique("filter", "FORWARD", "-o", BridgeName, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("%w: forward-out rule: %v", ErrNATSetupFailed, err)
	}

	return nil
}

// disableNAT removes the rules enableNAT installed. Does not disable IP
// forwarding, since other services on the host may rely on it.
func disableNAT() error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("init iptables: %w", err)
	}

	_ = ipt.Delete("nat", "POSTROUTING", "-s", BridgeCIDR, "-j", "MASQUERADE")
	_ = ipt.Delete("filter", "FORWARD", "-i", BridgeName, "-j", "ACCEPT")
	_ = ipt.Delete("filter", "FORWARD", "-o", BridgeName, "-j", "ACCEPT")

	return nil
}

// addPortMappings installs DNAT rules forwarding each tcp mapping's host port
// to boxIP:guestPort. Mappings with any other protocol are skipped and get no
// forwarding rule.
func addPortMappings(boxIP string, mappings []PortMapping) error {
	if len(mappings) == 0 {
		return nil
	}

	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("init iptables: %w", err)
	}

	for _, m := range mappings {
		if m.Protocol != "tcp" {
			continue
		}
		err := ipt.AppendUnique("nat", "PREROUTING",
			"-p", "tcp",
			"--dport", strconv.Itoa(m.HostPort),
			"-j", "DNAT",
			"--to-destination", fmt.Sprintf("%s:%d", boxIP, m.GuestPort))
		if err != nil {
			return fmt.Errorf("add port mapping %d->%s:%d: %w", m.HostPort, boxIP, m.GuestPort, err)
		}
	}

	return nil
}

// removePortMappings removes the DNAT rules addPortMappings installed.
func removePortMappings(boxIP string, mappings []PortMapping) error {
	if len(mappings) == 0 {
		return nil
	}

	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("init iptables: %w", err)
	}

	for _, m := range mappings {
		if m.Protocol != "tcp" {
			continue
		}
		_ = ipt.Delete("nat", "PREROUTING",
			"-p", "tcp",
			"--dport", strconv.Itoa(m.HostPort),
			"-j", "DNAT",
			"--to-destination", fmt.Sprintf("%s:%d", boxIP, m.GuestPort))
	}

	return nil
}

func enableIPForwarding() error {
	const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if len(data) > 0 && data[0] == '1' {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrForwardingDisabled, err)
	}
	return nil
}
