package netbackend

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// ensureBridge creates the boxlite bridge if it doesn't exist and configures
// its IP address. Idempotent.
func ensureBridge() error {
	bridge, ok := getBridge()
	if !ok {
		la := netlink.NewLinkAttrs()
		la.Name = BridgeName
		bridge = &netlink.Bridge{LinkAttrs: la}
		if err := netlink.LinkAdd(bridge); err != nil {
			return fmt.Errorf("%w: %v", ErrBridgeCreateFailed, err)
		}
	}
	return configureBridge(bridge)
}

func configureBridge(bridge *netlink.Bridge) error {
	addr, err := netlink.ParseAddr(BridgeIP + "/24")
	if err != nil {
		return fmt.Errorf("parse bridge IP: %w", err)
	}

	addrs, err := netlink.AddrList(bridge, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list bridge addresses: %w", err)
	}

	hasIP := false
	for _, a := range addrs {
		if a.IP.Equal(addr.IP) {
			hasIP = true
			break
		}
	}
	if !hasIP {
		if err := netlink.AddrReplace(bridge, addr); err != nil {
			return fmt.Errorf("add IP to bridge: %w", err)
		}
	}

	if err := netlink.LinkSetUp(bridge); err != nil {
		return fmt.Errorf("bring bridge up: %w", err)
	}

	return nil
}

func getBridge() (*netlink.Bridge, bool) {
	link, err := netlink.LinkByName(BridgeName)
	if err != nil {
		return nil, false
	}
	bridge, ok := link.(*netlink.Bridge)
	return bridge, ok
}

// destroyBridge removes the boxlite bridge. Fails if TAP devices are still
// attached.
func destroyBridge() error {
	bridge, ok := getBridge()
	if !ok {
		return nil
	}
	if err := netlink.LinkDel(bridge); err != nil {
		return fmt.Errorf("delete bridge: %w", err)
	}
	return nil
}
