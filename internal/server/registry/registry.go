// Package registry holds the in-memory set of VMs managed by this host.
//
// All mutation happens inside Update, which holds the registry lock for the
// whole callback so that resource selection and commit form one step.
package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/runtime"
)

// Status enumerates the lifecycle phases tracked for microVMs.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusExited     Status = "exited"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether the VM has finished and no longer holds its IP
// or host ports.
func (s Status) Terminal() bool {
	return s == StatusExited || s == StatusTerminated
}

var (
	ErrNotFound  = errors.New("registry: vm not found")
	ErrDuplicate = errors.New("registry: duplicate vm id")
)

// Boot describes how the guest kernel is loaded.
type Boot struct {
	KernelPath string
	InitrdPath string
	BootArgs   string
}

// Disk is a block device attached to the guest.
type Disk struct {
	ID         string
	Path       string
	ReadOnly   bool
	RootDevice bool
}

// VM is a single managed microVM.
type VM struct {
	ID          string
	Status      Status
	IP          net.IP
	TapDevice   string
	PortMapping map[int]int
	Boot        Boot
	Disks       []Disk
	PID         int
	CreatedAt   time.Time
}

// Clone returns a deep copy safe to hand out of the lock.
func (v *VM) Clone() VM {
	cp := *v
	if v.IP != nil {
		cp.IP = append(net.IP(nil), v.IP...)
	}
	cp.PortMapping = make(map[int]int, len(v.PortMapping))
	for h, g := range v.PortMapping {
		cp.PortMapping[h] = g
	}
	cp.Disks = append([]Disk(nil), v.Disks...)
	return cp
}

// Settings is the effective configuration the registry was built with.
type Settings struct {
	Bridge        string
	BridgeAddress string
	ListenAddr    string
	ImagesKind    string
	ImagesPath    string
}

// Registry is the single source of truth for VM records. Execution handles
// live in a separate arena keyed by VM id.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	vms      []*VM
	handles  map[string]runtime.Instance
	seen     map[string]struct{}
}

// New returns an empty registry.
func New(settings Settings) *Registry {
	return &Registry{
		settings: settings,
		handles:  make(map[string]runtime.Instance),
		seen:     make(map[string]struct{}),
	}
}

// Update runs fn with exclusive access. fn must not retain tx.
func (r *Registry) Update(fn func(tx *Txn) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&Txn{r: r})
}

// Settings returns the registry configuration.
func (r *Registry) Settings() Settings {
	return r.settings
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (VM, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm := r.find(id)
	if vm == nil {
		return VM{}, false
	}
	return vm.Clone(), true
}

// List returns copies of every record in insertion order.
func (r *Registry) List() []VM {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]VM, 0, len(r.vms))
	for _, vm := range r.vms {
		out = append(out, vm.Clone())
	}
	return out
}

// UsedPorts returns the host ports claimed by non-terminal VMs, sorted.
func (r *Registry) UsedPorts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	used := (&Txn{r: r}).UsedPorts()
	out := make([]int, 0, len(used))
	for p := range used {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// PortMapping returns a copy of the host to guest port mapping of id.
func (r *Registry) PortMapping(id string) (map[int]int, bool) {
	vm, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return vm.PortMapping, true
}

// Len reports the number of records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vms)
}

func (r *Registry) find(id string) *VM {
	for _, vm := range r.vms {
		if vm.ID == id {
			return vm
		}
	}
	return nil
}

// Txn is the view handed to Update callbacks.
type Txn struct {
	r *Registry
}

// Settings returns the registry configuration.
func (t *Txn) Settings() Settings {
	return t.r.settings
}

// Get returns the live record for id. Changes through the pointer are
// visible to later readers.
func (t *Txn) Get(id string) (*VM, bool) {
	vm := t.r.find(id)
	return vm, vm != nil
}

// Handle returns the execution handle of id.
func (t *Txn) Handle(id string) (runtime.Instance, bool) {
	h, ok := t.r.handles[id]
	return h, ok
}

// Insert adds vm together with its execution handle. Ids are never reused.
func (t *Txn) Insert(vm *VM, handle runtime.Instance) error {
	if vm.ID == "" {
		return fmt.Errorf("registry: empty vm id")
	}
	if _, dup := t.r.seen[vm.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicate, vm.ID)
	}
	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = time.Now().UTC()
	}
	t.r.seen[vm.ID] = struct{}{}
	t.r.vms = append(t.r.vms, vm)
	if handle != nil {
		t.r.handles[vm.ID] = handle
	}
	return nil
}

// Remove deletes the record for id and hands back its execution handle,
// which the caller now owns.
func (t *Txn) Remove(id string) (*VM, runtime.Instance, error) {
	for i, vm := range t.r.vms {
		if vm.ID != id {
			continue
		}
		t.r.vms = append(t.r.vms[:i], t.r.vms[i+1:]...)
		handle := t.r.handles[id]
		delete(t.r.handles, id)
		return vm, handle, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// SetStatus updates the status of id.
func (t *Txn) SetStatus(id string, status Status) error {
	vm := t.r.find(id)
	if vm == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	vm.Status = status
	return nil
}

// UsedIPs returns the addresses held by non-terminal VMs.
func (t *Txn) UsedIPs() []net.IP {
	out := make([]net.IP, 0, len(t.r.vms))
	for _, vm := range t.r.vms {
		if vm.Status.Terminal() || vm.IP == nil {
			continue
		}
		out = append(out, vm.IP)
	}
	return out
}

// UsedPorts returns the host ports held by non-terminal VMs.
func (t *Txn) UsedPorts() map[int]struct{} {
	out := make(map[int]struct{})
	for _, vm := range t.r.vms {
		if vm.Status.Terminal() {
			continue
		}
		for host := range vm.PortMapping {
			out[host] = struct{}{}
		}
	}
	return out
}
