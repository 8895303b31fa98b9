package network

import (
	"context"
	"fmt"
	"log/slog"
)

// BridgeState reports what SetupBridge found and changed.
type BridgeState struct {
	Subnet         Subnet
	Created        bool
	AddressAdded   bool
	RulesInstalled bool
}

// SetupBridge makes sure the bridge exists, carries its address and is up.
// Outbound forwarding rules are installed only when the bridge or its
// address had to be created, so a second run against a configured host is a
// no-op apart from bringing the link up. Name and address are validated
// before any host change.
func SetupBridge(ctx context.Context, mgr Manager, logger *slog.Logger, name, cidr string) (BridgeState, error) {
	if err := ValidateInterfaceName(name); err != nil {
		return BridgeState{}, err
	}
	subnet, err := ParseSubnet(cidr)
	if err != nil {
		return BridgeState{}, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("bridge", name, "address", cidr)
	state := BridgeState{Subnet: subnet}

	exists, err := mgr.BridgeExists(ctx, name)
	if err != nil {
		return state, fmt.Errorf("network: lookup bridge %s: %w", name, err)
	}
	if !exists {
		if err := mgr.CreateBridge(ctx, name); err != nil {
			return state, fmt.Errorf("network: create bridge %s: %w", name, err)
		}
		state.Created = true
		logger.Info("bridge created")
	}

	addr := subnet.Address()
	hasAddr, err := mgr.HasAddress(ctx, name, addr)
	if err != nil {
		return state, fmt.Errorf("network: list addresses on %s: %w", name, err)
	}
	if !hasAddr {
		if err := mgr.AddAddress(ctx, name, addr); err != nil {
			return state, fmt.Errorf("network: assign %s to %s: %w", addr, name, err)
		}
		state.AddressAdded = true
		logger.Info("bridge address assigned")
	}

	if state.Created || state.AddressAdded {
		iface, err := mgr.DefaultInterface(ctx)
		if err != nil {
			return state, fmt.Errorf("network: default route interface: %w", err)
		}
		for _, rule := range BridgeRules(iface, name) {
			if err := mgr.AppendRule(ctx, rule); err != nil {
				return state, fmt.Errorf("network: append rule %q: %w", rule, err)
			}
		}
		state.RulesInstalled = true
		logger.Info("bridge forwarding rules installed", "default_interface", iface)
	}

	if err := mgr.SetLinkUp(ctx, name); err != nil {
		return state, fmt.Errorf("network: bring bridge %s up: %w", name, err)
	}
	return state, nil
}
