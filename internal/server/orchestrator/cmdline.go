package orchestrator

import (
	"crypto/sha1"
	"fmt"
	"net"

	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/network"
)

// DefaultBootArgs is used when a start request carries no kernel arguments.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off nomodule"

// buildBootArgs appends the static guest network configuration to base.
func buildBootArgs(base string, ip net.IP, subnet network.Subnet) string {
	if base == "" {
		base = DefaultBootArgs
	}
	return base + " " + networkBootArg(ip, subnet)
}

func networkBootArg(ip net.IP, subnet network.Subnet) string {
	return fmt.Sprintf("ip=%s::%s:%s::eth0:on", ip, subnet.Gateway, subnet.Netmask())
}

// deriveMAC returns a stable locally administered address for the guest.
func deriveMAC(id, ip string) string {
	h := sha1.Sum([]byte(id + "|" + ip))
	return fmt.Sprintf("02:%02x:%02x:%02x:%02x:%02x", h[0], h[1], h[2], h[3], h[4])
}
