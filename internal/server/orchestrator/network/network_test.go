package network

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
)

func TestPortForwardRulesText(t *testing.T) {
	rules := PortForwardRules(net.ParseIP("192.168.10.2"), 8080, 80)
	want := []string{
		"nat PREROUTING -p tcp --dport 8080 -j DNAT --to-destination 192.168.10.2:80",
		"nat POSTROUTING -p tcp -d 192.168.10.2 --dport 80 -j MASQUERADE",
		"filter FORWARD -p tcp -d 192.168.10.2 --dport 80 -m state --state NEW,ESTABLISHED,RELATED -j ACCEPT",
	}
	if len(rules) != len(want) {
		t.Fatalf("expected %d rules, got %d", len(want), len(rules))
	}
	for i, r := range rules {
		if r.String() != want[i] {
			t.Fatalf("rule %d = %q, want %q", i, r.String(), want[i])
		}
	}
}

func TestBridgeRulesText(t *testing.T) {
	rules := BridgeRules("eth0", "lambdo0")
	want := []string{
		"filter FORWARD -i eth0 -o lambdo0 -j ACCEPT",
		"filter FORWARD -i lambdo0 -o eth0 -j ACCEPT",
		"nat POSTROUTING -o eth0 -j MASQUERADE",
	}
	for i, r := range rules {
		if r.String() != want[i] {
			t.Fatalf("rule %d = %q, want %q", i, r.String(), want[i])
		}
	}
}

func TestTapName(t *testing.T) {
	id := "0b8f4a3c-7a1e-4f4c-9d55-0b1f5e6a7c11"
	if got := TapName(id); got != "tap-0b8f4a3c" {
		t.Fatalf("TapName = %q", got)
	}
	if len(TapName(id)) > maxInterfaceNameLen {
		t.Fatalf("tap name exceeds interface name limit")
	}
	if got := TapName("abc"); got != "tap-abc" {
		t.Fatalf("TapName short id = %q", got)
	}
}

func TestParseSubnet(t *testing.T) {
	s, err := ParseSubnet("192.168.10.1/24")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !s.Gateway.Equal(net.ParseIP("192.168.10.1")) {
		t.Fatalf("gateway = %s", s.Gateway)
	}
	if s.Netmask() != "255.255.255.0" {
		t.Fatalf("netmask = %s", s.Netmask())
	}
	if s.Address().String() != "192.168.10.1/24" {
		t.Fatalf("address = %s", s.Address())
	}

	for _, bad := range []string{"192.168.10.1", "not-a-cidr", "fd00::1/64", "10.0.0.1/32"} {
		if _, err := ParseSubnet(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNextAvailableIP(t *testing.T) {
	s, _ := ParseSubnet("192.168.10.1/24")

	ip, err := NextAvailableIP(s, nil)
	if err != nil || ip.String() != "192.168.10.2" {
		t.Fatalf("first ip = %v, %v", ip, err)
	}

	used := []net.IP{net.ParseIP("192.168.10.2"), net.ParseIP("192.168.10.3")}
	ip, err = NextAvailableIP(s, used)
	if err != nil || ip.String() != "192.168.10.4" {
		t.Fatalf("skipping used = %v, %v", ip, err)
	}

	// a hole left by a released address is filled first
	used = []net.IP{net.ParseIP("192.168.10.3")}
	ip, err = NextAvailableIP(s, used)
	if err != nil || ip.String() != "192.168.10.2" {
		t.Fatalf("reuse = %v, %v", ip, err)
	}
}

func TestNextAvailableIPExhaustion(t *testing.T) {
	// /30: network .0, gateway .1, one guest .2, broadcast .3
	s, err := ParseSubnet("10.0.0.1/30")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ip, err := NextAvailableIP(s, nil)
	if err != nil || ip.String() != "10.0.0.2" {
		t.Fatalf("first ip = %v, %v", ip, err)
	}
	_, err = NextAvailableIP(s, []net.IP{ip})
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestSetupBridgeFresh(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemory("eth0")

	state, err := SetupBridge(ctx, mgr, nil, "lambdo0", "192.168.10.1/24")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !state.Created || !state.AddressAdded || !state.RulesInstalled {
		t.Fatalf("unexpected state %+v", state)
	}

	link, ok := mgr.Link("lambdo0")
	if !ok || !link.Bridge || !link.Up {
		t.Fatalf("bridge not created and up: %+v", link)
	}
	if len(link.Addrs) != 1 || link.Addrs[0] != "192.168.10.1/24" {
		t.Fatalf("addresses = %v", link.Addrs)
	}
	for _, r := range BridgeRules("eth0", "lambdo0") {
		if !mgr.HasRule(r) {
			t.Fatalf("missing rule %q", r)
		}
	}
}

func TestSetupBridgeIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemory("eth0")

	if _, err := SetupBridge(ctx, mgr, nil, "lambdo0", "192.168.10.1/24"); err != nil {
		t.Fatalf("first setup: %v", err)
	}
	before := len(mgr.Rules())

	state, err := SetupBridge(ctx, mgr, nil, "lambdo0", "192.168.10.1/24")
	if err != nil {
		t.Fatalf("second setup: %v", err)
	}
	if state.Created || state.AddressAdded || state.RulesInstalled {
		t.Fatalf("second run changed host state: %+v", state)
	}
	if got := len(mgr.Rules()); got != before {
		t.Fatalf("rule count changed from %d to %d", before, got)
	}
}

func TestSetupBridgeExistingWithoutAddress(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemory("eth0")
	if err := mgr.CreateBridge(ctx, "lambdo0"); err != nil {
		t.Fatalf("precreate: %v", err)
	}

	state, err := SetupBridge(ctx, mgr, nil, "lambdo0", "192.168.10.1/24")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if state.Created || !state.AddressAdded || !state.RulesInstalled {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestSetupBridgeValidatesBeforeTouchingHost(t *testing.T) {
	ctx := context.Background()
	cases := map[string][2]string{
		"long name":    {"this-bridge-name-is-long", "192.168.10.1/24"},
		"invalid cidr": {"lambdo0", "192.168.10.1"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			mgr := NewMemory("eth0")
			if _, err := SetupBridge(ctx, mgr, nil, tc[0], tc[1]); err == nil {
				t.Fatalf("expected error")
			}
			if calls := mgr.Calls(); len(calls) != 0 {
				t.Fatalf("host touched before validation: %v", calls)
			}
		})
	}
}

func TestSetupBridgeDefaultRouteFailure(t *testing.T) {
	mgr := NewMemory("")
	_, err := SetupBridge(context.Background(), mgr, nil, "lambdo0", "192.168.10.1/24")
	if err == nil || !strings.Contains(err.Error(), "default route") {
		t.Fatalf("expected default route error, got %v", err)
	}
}

func TestMemoryRuleLifecycle(t *testing.T) {
	ctx := context.Background()
	mgr := NewMemory("eth0")
	rule := PortForwardRules(net.ParseIP("192.168.10.2"), 10000, 22)[0]

	if err := mgr.AppendRule(ctx, rule); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mgr.DeleteRule(ctx, rule); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mgr.DeleteRule(ctx, rule); err == nil {
		t.Fatalf("expected error deleting absent rule")
	}

	boom := errors.New("boom")
	mgr.FailOn("CreateTap", boom)
	if err := mgr.CreateTap(ctx, "tap-x"); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	mgr.FailOn("CreateTap", nil)
	if err := mgr.CreateTap(ctx, "tap-x"); err != nil {
		t.Fatalf("create tap after clearing failure: %v", err)
	}
}
