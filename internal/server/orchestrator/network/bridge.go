// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.
//go:build linux

package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
)

// Host applies Manager operations to the running kernel through netlink and
// iptables.
type Host struct {
	ipt *iptables.IPTables
}

// NewHost constructs a manager bound to the host network namespace.
func NewHost() (*Host, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("network: init iptables: %w", err)
	}
	return &Host{ipt: ipt}, nil
}

func (h *Host) BridgeExists(ctx context.Context, name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}

func (h *Host) CreateBridge(ctx context.Context, name string) error {
	la := netlink.NewLinkAttrs()
	la.Name = name
	if err := netlink.LinkAdd(&netlink.Bridge{LinkAttrs: la}); err != nil {
		return fmt.Errorf("add bridge %s: %w", name, err)
	}
	return nil
}

func (h *Host) HasAddress(ctx context.Context, link string, addr *net.IPNet) (bool, error) {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return false, err
	}
	addrs, err := netlink.AddrList(l, netlink.FAMILY_V4)
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		if a.IPNet.IP.Equal(addr.IP) && a.IPNet.Mask.String() == addr.Mask.String() {
			return true, nil
		}
	}
	return false, nil
}

func (h *Host) AddAddress(ctx context.Context, link string, addr *net.IPNet) error {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return err
	}
	return netlink.AddrAdd(l, &netlink.Addr{IPNet: addr})
}

func (h *Host) SetLinkUp(ctx context.Context, name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	if l.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	return netlink.LinkSetUp(l)
}

// DefaultInterface returns the link carrying the IPv4 default route.
func (h *Host) DefaultInterface(ctx context.Context) (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("list routes: %w", err)
	}
	for _, r := range routes {
		if r.Dst != nil {
			if ones, _ := r.Dst.Mask.Size(); ones != 0 {
				continue
			}
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			return "", fmt.Errorf("resolve default route link %d: %w", r.LinkIndex, err)
		}
		return link.Attrs().Name, nil
	}
	return "", errors.New("no default route")
}

func (h *Host) CreateTap(ctx context.Context, name string) error {
	la := netlink.NewLinkAttrs()
	la.Name = name
	tap := &netlink.Tuntap{
		LinkAttrs: la,
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_DEFAULTS | netlink.TUNTAP_VNET_HDR,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("create tap %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		_ = netlink.LinkDel(tap)
		return fmt.Errorf("bring tap %s up: %w", name, err)
	}
	return nil
}

func (h *Host) DeleteTap(ctx context.Context, name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetDown(l); err != nil {
		return fmt.Errorf("tap %s down: %w", name, err)
	}
	if err := netlink.LinkDel(l); err != nil {
		return fmt.Errorf("delete tap %s: %w", name, err)
	}
	return nil
}

func (h *Host) AttachToBridge(ctx context.Context, link, bridge string) error {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return err
	}
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("get bridge link: %w", err)
	}
	if err := netlink.LinkSetMaster(l, br); err != nil {
		return fmt.Errorf("attach %s to %s: %w", link, bridge, err)
	}
	return netlink.LinkSetUp(l)
}

func (h *Host) DetachFromBridge(ctx context.Context, link string) error {
	l, err := netlink.LinkByName(link)
	if err != nil {
		return err
	}
	return netlink.LinkSetNoMaster(l)
}

func (h *Host) AppendRule(ctx context.Context, rule Rule) error {
	return h.ipt.Append(rule.Table, rule.Chain, rule.Spec...)
}

func (h *Host) DeleteRule(ctx context.Context, rule Rule) error {
	return h.ipt.Delete(rule.Table, rule.Chain, rule.Spec...)
}

var _ Manager = (*Host)(nil)
