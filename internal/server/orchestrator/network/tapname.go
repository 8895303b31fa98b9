package network

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	// maxInterfaceNameLen is IFNAMSIZ minus the trailing NUL.
	maxInterfaceNameLen = unix.IFNAMSIZ - 1
	tapPrefix           = "tap-"
	tapIDLen            = 8
)

// TapName derives the tap device name for a VM id.
func TapName(vmID string) string {
	suffix := vmID
	if len(suffix) > tapIDLen {
		suffix = suffix[:tapIDLen]
	}
	return tapPrefix + suffix
}

// ValidateInterfaceName rejects names the kernel would refuse.
func ValidateInterfaceName(name string) error {
	if name == "" {
		return fmt.Errorf("network: interface name required")
	}
	if len(name) > maxInterfaceNameLen {
		return fmt.Errorf("network: interface name %q is %d bytes, limit is %d", name, len(name), maxInterfaceNameLen)
	}
	return nil
}
