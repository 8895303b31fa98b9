package network

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
)

// Link is the in-memory view of a network interface.
type Link struct {
	Name   string
	Bridge bool
	Up     bool
	Master string
	Addrs  []string
}

// Memory models host networking without touching the system. It backs the
// "memory" network driver on development hosts and the tests.
type Memory struct {
	mu           sync.Mutex
	defaultIface string
	links        map[string]*Link
	rules        []Rule
	calls        []string
	failures     map[string]error
}

// NewMemory returns a manager whose default route leaves through iface.
func NewMemory(iface string) *Memory {
	m := &Memory{
		defaultIface: iface,
		links:        make(map[string]*Link),
		failures:     make(map[string]error),
	}
	if iface != "" {
		m.links[iface] = &Link{Name: iface, Up: true}
	}
	return m
}

// FailOn makes every later call of op return err. A nil err clears it.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns the operations performed so far, in order.
func (m *Memory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Rules returns the installed rules in insertion order.
func (m *Memory) Rules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Rule(nil), m.rules...)
}

// HasRule reports whether rule is installed.
func (m *Memory) HasRule(rule Rule) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexRule(rule) >= 0
}

// Link returns a copy of the named interface.
func (m *Memory) Link(name string) (Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[name]
	if !ok {
		return Link{}, false
	}
	cp := *l
	cp.Addrs = append([]string(nil), l.Addrs...)
	return cp, true
}

// Links returns the names of every known interface, sorted.
func (m *Memory) Links() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.links))
	for name := range m.links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Memory) begin(op, arg string) error {
	m.calls = append(m.calls, op+" "+arg)
	return m.failures[op]
}

func (m *Memory) lookup(name string) (*Link, error) {
	l, ok := m.links[name]
	if !ok {
		return nil, fmt.Errorf("link %s not found", name)
	}
	return l, nil
}

func (m *Memory) indexRule(rule Rule) int {
	for i, r := range m.rules {
		if r.Equal(rule) {
			return i
		}
	}
	return -1
}

func (m *Memory) BridgeExists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("BridgeExists", name); err != nil {
		return false, err
	}
	_, ok := m.links[name]
	return ok, nil
}

func (m *Memory) CreateBridge(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CreateBridge", name); err != nil {
		return err
	}
	if _, ok := m.links[name]; ok {
		return fmt.Errorf("link %s already exists", name)
	}
	m.links[name] = &Link{Name: name, Bridge: true}
	return nil
}

func (m *Memory) HasAddress(ctx context.Context, link string, addr *net.IPNet) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("HasAddress", link); err != nil {
		return false, err
	}
	l, err := m.lookup(link)
	if err != nil {
		return false, err
	}
	for _, a := range l.Addrs {
		if a == addr.String() {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) AddAddress(ctx context.Context, link string, addr *net.IPNet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("AddAddress", link); err != nil {
		return err
	}
	l, err := m.lookup(link)
	if err != nil {
		return err
	}
	l.Addrs = append(l.Addrs, addr.String())
	return nil
}

func (m *Memory) SetLinkUp(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("SetLinkUp", name); err != nil {
		return err
	}
	l, err := m.lookup(name)
	if err != nil {
		return err
	}
	l.Up = true
	return nil
}

func (m *Memory) DefaultInterface(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DefaultInterface", ""); err != nil {
		return "", err
	}
	if m.defaultIface == "" {
		return "", fmt.Errorf("no default route")
	}
	return m.defaultIface, nil
}

func (m *Memory) CreateTap(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("CreateTap", name); err != nil {
		return err
	}
	if _, ok := m.links[name]; ok {
		return fmt.Errorf("link %s already exists", name)
	}
	m.links[name] = &Link{Name: name, Up: true}
	return nil
}

func (m *Memory) DeleteTap(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteTap", name); err != nil {
		return err
	}
	if _, err := m.lookup(name); err != nil {
		return err
	}
	delete(m.links, name)
	return nil
}

func (m *Memory) AttachToBridge(ctx context.Context, link, bridge string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("AttachToBridge", link+" "+bridge); err != nil {
		return err
	}
	l, err := m.lookup(link)
	if err != nil {
		return err
	}
	br, err := m.lookup(bridge)
	if err != nil {
		return err
	}
	if !br.Bridge {
		return fmt.Errorf("link %s is not a bridge", bridge)
	}
	l.Master = bridge
	l.Up = true
	return nil
}

func (m *Memory) DetachFromBridge(ctx context.Context, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DetachFromBridge", link); err != nil {
		return err
	}
	l, err := m.lookup(link)
	if err != nil {
		return err
	}
	l.Master = ""
	return nil
}

func (m *Memory) AppendRule(ctx context.Context, rule Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("AppendRule", rule.String()); err != nil {
		return err
	}
	m.rules = append(m.rules, rule)
	return nil
}

func (m *Memory) DeleteRule(ctx context.Context, rule Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("DeleteRule", rule.String()); err != nil {
		return err
	}
	i := m.indexRule(rule)
	if i < 0 {
		return fmt.Errorf("rule %q does not exist", rule)
	}
	m.rules = append(m.rules[:i], m.rules[i+1:]...)
	return nil
}

var _ Manager = (*Memory)(nil)
