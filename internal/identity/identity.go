// Package identity derives the node's stable device ID from its
// hardware address and mints a per-boot session ID.
package identity

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// FatalError means the device cannot be identified. The node must not
// start without an identity, so callers treat it as a reason to exit.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("identity: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Format builds "<prefix>-AABBCCDDEEFF" from a 6-byte MAC.
func Format(prefix string, mac net.HardwareAddr) (string, error) {
	if len(mac) != 6 {
		return "", &FatalError{Op: "format", Err: fmt.Errorf("hardware address %q is %d bytes, want 6", mac, len(mac))}
	}
	return prefix + "-" + strings.ToUpper(fmt.Sprintf("%x", []byte(mac))), nil
}

// FromInterface derives the device ID from the named interface. An
// empty name selects the first non-loopback interface with a 6-byte
// hardware address.
func FromInterface(prefix, name string) (string, error) {
	mac, err := hardwareAddr(name)
	if err != nil {
		return "", err
	}
	return Format(prefix, mac)
}

func hardwareAddr(name string) (net.HardwareAddr, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, &FatalError{Op: "read hardware address", Err: err}
		}
		return iface.HardwareAddr, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, &FatalError{Op: "list interfaces", Err: err}
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		return iface.HardwareAddr, nil
	}
	return nil, &FatalError{Op: "read hardware address", Err: fmt.Errorf("no interface with a 6-byte hardware address")}
}

// NewBootID returns a fresh time-ordered UUID identifying this boot.
func NewBootID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
