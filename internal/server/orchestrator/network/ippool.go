package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrPoolExhausted is returned when every host address past the bridge
// address is in use.
var ErrPoolExhausted = errors.New("network: no ip available in bridge subnet")

// Subnet is the bridge address together with the network it sits in.
type Subnet struct {
	Gateway net.IP
	Net     *net.IPNet
}

// ParseSubnet parses an address in CIDR notation such as 192.168.10.1/24.
// The address part becomes the gateway handed to guests.
func ParseSubnet(cidr string) (Subnet, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return Subnet{}, fmt.Errorf("network: parse bridge address %q: %w", cidr, err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return Subnet{}, fmt.Errorf("network: ipv6 bridge address not supported: %s", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones < 2 {
		return Subnet{}, fmt.Errorf("network: bridge subnet %s has no assignable hosts", ipnet)
	}
	return Subnet{Gateway: ip4, Net: ipnet}, nil
}

// Address returns the bridge address with its prefix length.
func (s Subnet) Address() *net.IPNet {
	return &net.IPNet{IP: s.Gateway, Mask: s.Net.Mask}
}

// Netmask renders the subnet mask in dotted decimal form.
func (s Subnet) Netmask() string {
	mask := s.Net.Mask
	if len(mask) != net.IPv4len {
		return "255.255.255.0"
	}
	parts := make([]string, len(mask))
	for i, b := range mask {
		parts[i] = strconv.Itoa(int(b))
	}
	return strings.Join(parts, ".")
}

// NextAvailableIP scans upward from the address after the gateway and returns
// the first address not present in used. The scan stops at the broadcast
// address and never wraps.
func NextAvailableIP(subnet Subnet, used []net.IP) (net.IP, error) {
	taken := make(map[uint32]struct{}, len(used))
	for _, ip := range used {
		if ip4 := ip.To4(); ip4 != nil {
			taken[binary.BigEndian.Uint32(ip4)] = struct{}{}
		}
	}

	ones, bits := subnet.Net.Mask.Size()
	base := binary.BigEndian.Uint32(subnet.Net.IP.To4())
	broadcast := base | (uint32(1)<<(bits-ones) - 1)

	for addr := binary.BigEndian.Uint32(subnet.Gateway) + 1; addr < broadcast; addr++ {
		if _, ok := taken[addr]; ok {
			continue
		}
		ip := make(net.IP, net.IPv4len)
		binary.BigEndian.PutUint32(ip, addr)
		return ip, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, subnet.Net)
}
