package network

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrUnsupported is returned by the host manager on platforms without
// netlink and iptables.
var ErrUnsupported = errors.New("network: host networking unsupported on this platform")

// Manager exposes the host networking primitives the orchestrator composes
// into per-VM allocations. Implementations perform no retries.
type Manager interface {
	BridgeExists(ctx context.Context, name string) (bool, error)
	CreateBridge(ctx context.Context, name string) error
	HasAddress(ctx context.Context, link string, addr *net.IPNet) (bool, error)
	AddAddress(ctx context.Context, link string, addr *net.IPNet) error
	SetLinkUp(ctx context.Context, name string) error
	DefaultInterface(ctx context.Context) (string, error)

	// CreateTap creates a persistent tap device and brings it up.
	CreateTap(ctx context.Context, name string) error
	DeleteTap(ctx context.Context, name string) error
	AttachToBridge(ctx context.Context, link, bridge string) error
	DetachFromBridge(ctx context.Context, link string) error

	AppendRule(ctx context.Context, rule Rule) error
	DeleteRule(ctx context.Context, rule Rule) error
}

const (
	TableNAT    = "nat"
	TableFilter = "filter"

	ChainPrerouting  = "PREROUTING"
	ChainPostrouting = "POSTROUTING"
	ChainForward     = "FORWARD"
)

// Rule is a single packet filter rule addressed by table and chain.
type Rule struct {
	Table string
	Chain string
	Spec  []string
}

// String renders the rule the way iptables-save would list it.
func (r Rule) String() string {
	return r.Table + " " + r.Chain + " " + strings.Join(r.Spec, " ")
}

// Equal reports whether two rules target the same table, chain and spec.
func (r Rule) Equal(other Rule) bool {
	return r.String() == other.String()
}
