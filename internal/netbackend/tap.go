package netbackend

import (
	"fmt"
	"strings"

	"github.com/vishvananda/netlink"
)

// generateTAPName derives a TAP device name from a box id. BoxIds are
// 26-char ULIDs; Linux interface names are capped at 15 usable chars, so
// only the last 12 (lowercased, ULID's Crockford base32 alphabet is
// case-insensitive) follow the "bl-" prefix.
func generateTAPName(boxID string) string {
	tail := boxID
	if len(tail) > 12 {
		tail = tail[len(tail)-12:]
	}
	return TAPPrefix + strings.ToLower(tail)
}

// createTAP creates a TAP device for boxID and attaches it to the bridge.
// Returns the TAP device name.
func createTAP(boxID string) (string, error) {
	tapName := generateTAPName(boxID)

	if tapExists(tapName) {
		return "", fmt.Errorf("%w: %s", ErrTAPNameExists, tapName)
	}

	la := netlink.NewLinkAttrs()
	la.Name = tapName
	tap := &netlink.Tuntap{LinkAttrs: la, Mode: netlink.TUNTAP_MODE_TAP}

	if err := netlink.LinkAdd(tap); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTAPCreateFailed, err)
	}

	bridge, err := netlink.LinkByName(BridgeName)
	if err != nil {
		_ = netlink.LinkDel(tap)
		return "", fmt.Errorf("%w: %v", ErrBridgeNotFound, err)
	}

	if err := netlink.LinkSetMaster(tap, bridge); err != nil {
		_ = netlink.LinkDel(tap)
		return "", fmt.Errorf("attach TAP to bridge: %w", err)
	}

	if err := netlink.LinkSetUp(tap); err != nil {
		_ = netlink.LinkDel(tap)
		return "", fmt.Errorf("bring TAP up: %w", err)
	}

	return tapName, nil
}

// destroyTAP removes a TAP device. A no-op if it no longer exists.
func destroyTAP(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	if _, ok := link.(*netlink.Tuntap); !ok {
		return fmt.Errorf("device %s exists but is not a TAP device", name)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete TAP device %s: %w", name, err)
	}
	return nil
}

func tapExists(name string) bool {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return false
	}
	_, ok := link.(*netlink.Tuntap)
	return ok
}
