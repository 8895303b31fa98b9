package network

import (
	"net"
	"strconv"
)

// PortForwardRules returns the three rules that expose guest port on
// host port for a VM reachable at ip: DNAT on the way in, masquerade on the
// way to the guest, and a forward accept for tracked connections.
func PortForwardRules(ip net.IP, hostPort, guestPort int) []Rule {
	guest := strconv.Itoa(guestPort)
	addr := ip.String()
	return []Rule{
		{
			Table: TableNAT,
			Chain: ChainPrerouting,
			Spec:  []string{"-p", "tcp", "--dport", strconv.Itoa(hostPort), "-j", "DNAT", "--to-destination", addr + ":" + guest},
		},
		{
			Table: TableNAT,
			Chain: ChainPostrouting,
			Spec:  []string{"-p", "tcp", "-d", addr, "--dport", guest, "-j", "MASQUERADE"},
		},
		{
			Table: TableFilter,
			Chain: ChainForward,
			Spec:  []string{"-p", "tcp", "-d", addr, "--dport", guest, "-m", "state", "--state", "NEW,ESTABLISHED,RELATED", "-j", "ACCEPT"},
		},
	}
}

// BridgeRules returns the forwarding and masquerade rules that give the
// bridge outbound connectivity through the default interface.
func BridgeRules(defaultIface, bridge string) []Rule {
	return []Rule{
		{Table: TableFilter, Chain: ChainForward, Spec: []string{"-i", defaultIface, "-o", bridge, "-j", "ACCEPT"}},
		{Table: TableFilter, Chain: ChainForward, Spec: []string{"-i", bridge, "-o", defaultIface, "-j", "ACCEPT"}},
		{Table: TableNAT, Chain: ChainPostrouting, Spec: []string{"-o", defaultIface, "-j", "MASQUERADE"}},
	}
}
