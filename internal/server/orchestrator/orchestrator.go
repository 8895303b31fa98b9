package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/ccheshirecat/lambdo/internal/server/db"
	"github.com/ccheshirecat/lambdo/internal/server/eventbus"
	"github.com/ccheshirecat/lambdo/internal/server/images"
	"github.com/ccheshirecat/lambdo/internal/server/metrics"
	orchestratorevents "github.com/ccheshirecat/lambdo/internal/server/orchestrator/events"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/network"
	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/runtime"
	"github.com/ccheshirecat/lambdo/internal/server/registry"
)

// SpawnKernelID is the kernel image used by spawn requests.
const SpawnKernelID = "vmlinux"

const (
	defaultBackendTimeout = 30 * time.Second
	defaultVCPUs          = 1
	defaultMemoryMB       = 128
	teardownTimeout       = 30 * time.Second
)

// Engine represents the VM orchestration core.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	StartVM(ctx context.Context, opts StartOptions) (string, error)
	Launch(ctx context.Context, req LaunchRequest) (string, error)
	Spawn(ctx context.Context, req SpawnRequest) (string, error)
	StopVM(ctx context.Context, id string) error

	ListVMs(ctx context.Context) []registry.VM
	GetVM(ctx context.Context, id string) (registry.VM, bool)
	PortMapping(ctx context.Context, id string) (map[int]int, bool)
	UsedPorts(ctx context.Context) []int
}

// StartOptions is a start request with image references already resolved to
// host paths. Ports are forwarded as given; GuestPorts receive host ports
// from the ephemeral range.
type StartOptions struct {
	Boot       registry.Boot
	Disks      []registry.Disk
	Ports      []PortPair
	GuestPorts []int
}

// LaunchRequest is a start request whose images still need resolving.
type LaunchRequest struct {
	Kernel   images.Manifest
	Initrd   *images.Manifest
	BootArgs string
	Disks    []DiskRequest
	Ports    []PortPair
}

// DiskRequest names a disk image and how the guest sees it.
type DiskRequest struct {
	Image      images.Manifest
	ReadOnly   bool
	RootDevice bool
}

// SpawnRequest boots the default kernel on a single writable root
// filesystem, exposing GuestPorts on ephemeral host ports.
type SpawnRequest struct {
	Rootfs     images.Manifest
	GuestPorts []int
}

// Params wires dependencies for the engine. Store, Bus and Metrics are
// optional.
type Params struct {
	Registry       *registry.Registry
	Network        network.Manager
	Backend        runtime.Backend
	Images         images.Resolver
	Store          db.Store
	Bus            eventbus.Publisher
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
	BackendTimeout time.Duration
	VCPUs          int
	MemoryMB       int

	// NewID overrides uuid generation in tests.
	NewID func() string
}

// New constructs the orchestrator engine. The bridge is not touched until
// Start.
func New(params Params) (Engine, error) {
	if params.Registry == nil {
		return nil, fmt.Errorf("orchestrator: registry is required")
	}
	if params.Network == nil {
		return nil, fmt.Errorf("orchestrator: network manager is required")
	}
	if params.Backend == nil {
		return nil, fmt.Errorf("orchestrator: backend is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("orchestrator: logger is required")
	}
	settings := params.Registry.Settings()
	if err := network.ValidateInterfaceName(settings.Bridge); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	subnet, err := network.ParseSubnet(settings.BridgeAddress)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if params.BackendTimeout <= 0 {
		params.BackendTimeout = defaultBackendTimeout
	}
	if params.VCPUs <= 0 {
		params.VCPUs = defaultVCPUs
	}
	if params.MemoryMB <= 0 {
		params.MemoryMB = defaultMemoryMB
	}
	if params.NewID == nil {
		params.NewID = uuid.NewString
	}

	return &engine{
		registry: params.Registry,
		network:  params.Network,
		backend:  params.Backend,
		images:   params.Images,
		store:    params.Store,
		bus:      params.Bus,
		metrics:  params.Metrics,
		logger:   params.Logger.With("component", "orchestrator"),
		timeout:  params.BackendTimeout,
		vcpus:    params.VCPUs,
		memoryMB: params.MemoryMB,
		newID:    params.NewID,
		bridge:   settings.Bridge,
		subnet:   subnet,
	}, nil
}

type engine struct {
	registry *registry.Registry
	network  network.Manager
	backend  runtime.Backend
	images   images.Resolver
	store    db.Store
	bus      eventbus.Publisher
	metrics  *metrics.Recorder
	logger   *slog.Logger
	timeout  time.Duration
	vcpus    int
	memoryMB int
	newID    func() string

	bridge string
	subnet network.Subnet

	mu       sync.Mutex
	started  bool
	watchers sync.WaitGroup
}

// Start bootstraps the bridge and releases host resources journaled by a
// previous run.
func (e *engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	state, err := network.SetupBridge(ctx, e.network, e.logger, e.bridge, e.subnet.Address().String())
	if err != nil {
		return wrap(ErrNetSetup, err)
	}
	e.logger.Info("bridge ready", "bridge", e.bridge, "created", state.Created, "rules_installed", state.RulesInstalled)

	if err := e.reclaim(ctx); err != nil {
		return err
	}
	e.started = true
	return nil
}

// Stop stops every VM still running and waits for exit watchers to finish.
func (e *engine) Stop(ctx context.Context) error {
	var result *multierror.Error
	for _, id := range sortedIDs(e.registry.List()) {
		err := e.StopVM(ctx, id)
		if err == nil || errors.Is(err, ErrVMNotFound) || errors.Is(err, ErrVMAlreadyEnded) {
			continue
		}
		result = multierror.Append(result, fmt.Errorf("stop vm %s: %w", id, err))
	}

	done := make(chan struct{})
	go func() {
		e.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}
	return result.ErrorOrNil()
}

func (e *engine) isStarted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Launch resolves the request's images and starts the VM.
func (e *engine) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	if e.images == nil {
		return "", wrap(ErrImage, errors.New("no image resolver configured"))
	}
	kernel, err := e.images.FindKernel(ctx, req.Kernel)
	if err != nil {
		return "", wrap(ErrImage, err)
	}
	opts := StartOptions{
		Boot:  registry.Boot{KernelPath: kernel.Path, BootArgs: req.BootArgs},
		Ports: req.Ports,
	}
	if req.Initrd != nil {
		initrd, err := e.images.FindRootfs(ctx, *req.Initrd)
		if err != nil {
			return "", wrap(ErrImage, err)
		}
		opts.Boot.InitrdPath = initrd.Path
	}
	for _, d := range req.Disks {
		img, err := e.images.FindDisk(ctx, d.Image)
		if err != nil {
			return "", wrap(ErrImage, err)
		}
		opts.Disks = append(opts.Disks, registry.Disk{
			ID:         d.Image.ID,
			Path:       img.Path,
			ReadOnly:   d.ReadOnly,
			RootDevice: d.RootDevice,
		})
	}
	return e.StartVM(ctx, opts)
}

// Spawn starts the default kernel with req.Rootfs as writable root device.
func (e *engine) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	if e.images == nil {
		return "", wrap(ErrImage, errors.New("no image resolver configured"))
	}
	kernel, err := e.images.FindKernel(ctx, images.Manifest{ID: SpawnKernelID})
	if err != nil {
		return "", wrap(ErrImage, err)
	}
	rootfs, err := e.images.FindRootfs(ctx, req.Rootfs)
	if err != nil {
		return "", wrap(ErrImage, err)
	}
	return e.StartVM(ctx, StartOptions{
		Boot: registry.Boot{KernelPath: kernel.Path},
		Disks: []registry.Disk{{
			ID:         req.Rootfs.ID,
			Path:       rootfs.Path,
			RootDevice: true,
		}},
		GuestPorts: req.GuestPorts,
	})
}

// StartVM allocates network resources, boots the VM and records it as
// running. The registry stays locked for the whole sequence; on failure
// every host change made so far is undone.
func (e *engine) StartVM(ctx context.Context, opts StartOptions) (string, error) {
	if !e.isStarted() {
		return "", ErrNotStarted
	}
	if err := validateStartOptions(opts); err != nil {
		return "", err
	}

	began := time.Now()
	id := e.newID()
	logger := e.logger.With("vm", id)

	var (
		vm   *registry.VM
		inst runtime.Instance
	)
	err := e.registry.Update(func(tx *registry.Txn) error {
		undo := &unwinder{logger: logger}
		var err error
		vm, inst, err = e.startLocked(ctx, tx, id, opts, undo)
		if err != nil {
			undo.run(ctx)
		}
		return err
	})
	if err != nil {
		e.metrics.StartFailed()
		logger.Error("start vm failed", "error", err)
		return "", err
	}

	e.metrics.StartSucceeded(time.Since(began))
	logger.Info("vm running", "ip", vm.IP.String(), "tap", vm.TapDevice, "pid", vm.PID, "ports", len(vm.PortMapping))
	e.publishEvent(ctx, orchestratorevents.TypeVMRunning, orchestratorevents.VMStatusRunning, vm, "")
	e.monitorInstance(id, inst)
	return id, nil
}

func (e *engine) startLocked(ctx context.Context, tx *registry.Txn, id string, opts StartOptions, undo *unwinder) (*registry.VM, runtime.Instance, error) {
	ip, err := network.NextAvailableIP(e.subnet, tx.UsedIPs())
	if err != nil {
		return nil, nil, wrap(ErrNoIPAvailable, err)
	}

	used := tx.UsedPorts()
	if err := checkPorts(used, opts.Ports); err != nil {
		return nil, nil, err
	}
	pairs := append([]PortPair(nil), opts.Ports...)
	if len(opts.GuestPorts) > 0 {
		for _, p := range opts.Ports {
			used[p.Host] = struct{}{}
		}
		ephemeral, err := SelectEphemeralPorts(used, opts.GuestPorts)
		if err != nil {
			return nil, nil, err
		}
		pairs = append(pairs, ephemeral...)
	}

	tap := network.TapName(id)
	if err := e.network.CreateTap(ctx, tap); err != nil {
		return nil, nil, wrap(ErrNetSetup, err)
	}
	undo.push("delete tap "+tap, func(ctx context.Context) error { return e.network.DeleteTap(ctx, tap) })

	if err := e.network.AttachToBridge(ctx, tap, e.bridge); err != nil {
		return nil, nil, wrap(ErrNetSetup, err)
	}
	undo.push("detach "+tap, func(ctx context.Context) error { return e.network.DetachFromBridge(ctx, tap) })

	bootArgs := buildBootArgs(opts.Boot.BootArgs, ip, e.subnet)

	mapping := make(map[int]int, len(pairs))
	for _, p := range pairs {
		for _, rule := range network.PortForwardRules(ip, p.Host, p.Guest) {
			rule := rule
			if err := e.network.AppendRule(ctx, rule); err != nil {
				return nil, nil, wrap(ErrNetSetup, err)
			}
			undo.push("delete rule "+rule.String(), func(ctx context.Context) error { return e.network.DeleteRule(ctx, rule) })
		}
		mapping[p.Host] = p.Guest
	}

	cfg := runtime.Config{
		ID:         id,
		KernelPath: opts.Boot.KernelPath,
		InitrdPath: opts.Boot.InitrdPath,
		BootArgs:   bootArgs,
		TapDevice:  tap,
		MACAddress: deriveMAC(id, ip.String()),
		VCPUs:      e.vcpus,
		MemoryMB:   e.memoryMB,
	}
	for _, d := range opts.Disks {
		cfg.Disks = append(cfg.Disks, runtime.Disk{ID: d.ID, Path: d.Path, ReadOnly: d.ReadOnly, RootDevice: d.RootDevice})
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, wrap(ErrBackendCreate, err)
	}

	createCtx, cancel := context.WithTimeout(ctx, e.timeout)
	inst, err := e.backend.Create(createCtx, cfg)
	cancel()
	if err != nil {
		return nil, nil, wrap(ErrBackendConfigure, err)
	}
	undo.push("stop instance", func(ctx context.Context) error { return inst.Stop(ctx) })

	startCtx, cancel := context.WithTimeout(ctx, e.timeout)
	err = inst.Start(startCtx)
	cancel()
	if err != nil {
		return nil, nil, wrap(ErrBackendRun, err)
	}

	vm := &registry.VM{
		ID:          id,
		Status:      registry.StatusRunning,
		IP:          ip,
		TapDevice:   tap,
		PortMapping: mapping,
		Boot:        registry.Boot{KernelPath: opts.Boot.KernelPath, InitrdPath: opts.Boot.InitrdPath, BootArgs: bootArgs},
		Disks:       append([]registry.Disk(nil), opts.Disks...),
		PID:         inst.PID(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.Insert(vm, inst); err != nil {
		return nil, nil, wrap(ErrOther, err)
	}
	e.journalPut(ctx, vm)
	return vm, inst, nil
}

// StopVM stops the backend process and releases the VM's host resources.
// The record is removed even when part of the teardown fails; the first
// backend error is reported ahead of network errors.
func (e *engine) StopVM(ctx context.Context, id string) error {
	var (
		vm      *registry.VM
		stopErr error
	)
	err := e.registry.Update(func(tx *registry.Txn) error {
		current, ok := tx.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrVMNotFound, id)
		}
		if current.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrVMAlreadyEnded, id, current.Status)
		}
		var inst runtime.Instance
		var err error
		vm, inst, err = tx.Remove(id)
		if err != nil {
			return wrap(ErrVMNotFound, err)
		}
		stopErr = e.teardown(ctx, vm, inst)
		return nil
	})
	if err != nil {
		return err
	}

	e.metrics.Stopped(stopErr)
	if stopErr != nil {
		e.logger.Error("vm stopped with errors", "vm", id, "error", stopErr)
	} else {
		e.logger.Info("vm stopped", "vm", id)
	}
	message := ""
	if stopErr != nil {
		message = stopErr.Error()
	}
	e.publishEvent(ctx, orchestratorevents.TypeVMStopped, orchestratorevents.VMStatusStopped, vm, message)
	return stopErr
}

// teardown stops inst and removes the VM's rules and tap. It keeps going
// after individual failures.
func (e *engine) teardown(ctx context.Context, vm *registry.VM, inst runtime.Instance) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	var backendErr error
	if inst != nil {
		stopCtx, stopCancel := context.WithTimeout(ctx, e.timeout)
		if err := inst.Stop(stopCtx); err != nil {
			backendErr = wrap(ErrBackendRun, err)
		}
		stopCancel()
	}

	var netErr *multierror.Error
	for _, p := range SortedPairs(vm.PortMapping) {
		for _, rule := range network.PortForwardRules(vm.IP, p.Host, p.Guest) {
			if err := e.network.DeleteRule(ctx, rule); err != nil {
				netErr = multierror.Append(netErr, err)
			}
		}
	}
	if err := e.network.DetachFromBridge(ctx, vm.TapDevice); err != nil {
		netErr = multierror.Append(netErr, err)
	}
	if err := e.network.DeleteTap(ctx, vm.TapDevice); err != nil {
		netErr = multierror.Append(netErr, err)
	}
	e.journalDelete(ctx, vm.ID)

	if backendErr != nil {
		return backendErr
	}
	if err := netErr.ErrorOrNil(); err != nil {
		return wrap(ErrNetSetup, err)
	}
	return nil
}

// monitorInstance waits for the guest to exit on its own and then releases
// its resources. A VM already removed by StopVM is left alone.
func (e *engine) monitorInstance(id string, inst runtime.Instance) {
	e.watchers.Add(1)
	go func() {
		defer e.watchers.Done()

		var exitErr error
		if waitCh := inst.Wait(); waitCh != nil {
			if result, ok := <-waitCh; ok {
				exitErr = result
			}
		}

		ctx := context.Background()
		status := registry.StatusExited
		if exitErr != nil {
			status = registry.StatusTerminated
		}

		var (
			vm          *registry.VM
			teardownErr error
		)
		_ = e.registry.Update(func(tx *registry.Txn) error {
			current, ok := tx.Handle(id)
			if !ok || current != inst {
				return nil
			}
			if err := tx.SetStatus(id, status); err != nil {
				return err
			}
			removed, _, err := tx.Remove(id)
			if err != nil {
				return err
			}
			vm = removed
			teardownErr = e.teardown(ctx, vm, inst)
			return nil
		})
		if vm == nil {
			return
		}
		if teardownErr != nil {
			e.logger.Warn("release resources of exited vm", "vm", id, "error", teardownErr)
		}

		e.metrics.Exited(string(status))
		if exitErr != nil {
			e.logger.Warn("vm exited unexpectedly", "vm", id, "error", exitErr)
			e.publishEvent(ctx, orchestratorevents.TypeVMTerminated, orchestratorevents.VMStatusTerminated, vm, exitErr.Error())
			return
		}
		e.logger.Info("vm exited", "vm", id)
		e.publishEvent(ctx, orchestratorevents.TypeVMExited, orchestratorevents.VMStatusExited, vm, "vm exited cleanly")
	}()
}

// reclaim removes rules and taps recorded by a previous daemon run. Leftover
// VMM processes are not signalled.
func (e *engine) reclaim(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	entries, err := e.store.Queries().Journal().List(ctx)
	if err != nil {
		return wrap(ErrOther, fmt.Errorf("list journal: %w", err))
	}
	for _, entry := range entries {
		logger := e.logger.With("vm", entry.ID, "tap", entry.TapDevice)
		ip := net.ParseIP(entry.IPAddress)
		if ip != nil {
			for _, pm := range entry.PortMappings {
				for _, rule := range network.PortForwardRules(ip, pm.HostPort, pm.GuestPort) {
					if err := e.network.DeleteRule(ctx, rule); err != nil {
						logger.Debug("reclaim rule", "rule", rule.String(), "error", err)
					}
				}
			}
		}
		if entry.TapDevice != "" {
			if err := e.network.DetachFromBridge(ctx, entry.TapDevice); err != nil {
				logger.Debug("reclaim detach", "error", err)
			}
			if err := e.network.DeleteTap(ctx, entry.TapDevice); err != nil {
				logger.Debug("reclaim tap", "error", err)
			}
		}
		if err := e.store.Queries().Journal().Delete(ctx, entry.ID); err != nil {
			return wrap(ErrOther, fmt.Errorf("delete journal entry %s: %w", entry.ID, err))
		}
		logger.Info("reclaimed resources of previous run", "ip", entry.IPAddress, "pid", entry.PID)

		mapping := make(map[int]int, len(entry.PortMappings))
		for _, pm := range entry.PortMappings {
			mapping[pm.HostPort] = pm.GuestPort
		}
		e.publishEvent(ctx, orchestratorevents.TypeVMReclaimed, orchestratorevents.VMStatusStopped, &registry.VM{
			ID:          entry.ID,
			IP:          ip,
			TapDevice:   entry.TapDevice,
			PortMapping: mapping,
		}, "released after restart")
	}
	return nil
}

func (e *engine) journalPut(ctx context.Context, vm *registry.VM) {
	if e.store == nil {
		return
	}
	entry := db.Entry{
		ID:        vm.ID,
		Status:    string(vm.Status),
		IPAddress: vm.IP.String(),
		TapDevice: vm.TapDevice,
		Bridge:    e.bridge,
		BootArgs:  vm.Boot.BootArgs,
		PID:       vm.PID,
		CreatedAt: vm.CreatedAt,
	}
	for _, p := range SortedPairs(vm.PortMapping) {
		entry.PortMappings = append(entry.PortMappings, db.PortMapping{HostPort: p.Host, GuestPort: p.Guest})
	}
	if err := e.store.Queries().Journal().Put(ctx, entry); err != nil {
		e.logger.Error("journal vm", "vm", vm.ID, "error", err)
	}
}

func (e *engine) journalDelete(ctx context.Context, id string) {
	if e.store == nil {
		return
	}
	if err := e.store.Queries().Journal().Delete(ctx, id); err != nil {
		e.logger.Error("remove vm from journal", "vm", id, "error", err)
	}
}

func (e *engine) ListVMs(ctx context.Context) []registry.VM {
	return e.registry.List()
}

func (e *engine) GetVM(ctx context.Context, id string) (registry.VM, bool) {
	return e.registry.Get(id)
}

// PortMapping returns the host to guest mapping of a live VM.
func (e *engine) PortMapping(ctx context.Context, id string) (map[int]int, bool) {
	return e.registry.PortMapping(id)
}

// UsedPorts returns the host ports held by live VMs in ascending order.
func (e *engine) UsedPorts(ctx context.Context) []int {
	return e.registry.UsedPorts()
}

func (e *engine) publishEvent(ctx context.Context, typ string, status orchestratorevents.VMStatus, vm *registry.VM, message string) {
	if e.bus == nil || vm == nil {
		return
	}

	event := orchestratorevents.VMEvent{
		Type:      typ,
		ID:        vm.ID,
		Status:    status,
		TapDevice: vm.TapDevice,
		PID:       vm.PID,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
	if vm.IP != nil {
		event.IPAddress = vm.IP.String()
	}
	for _, p := range SortedPairs(vm.PortMapping) {
		event.PortMapping = append(event.PortMapping, [2]int{p.Host, p.Guest})
	}
	if err := e.bus.Publish(context.WithoutCancel(ctx), orchestratorevents.TopicVMEvents, event); err != nil {
		e.logger.Error("publish vm event", "type", typ, "vm", vm.ID, "error", err)
	}
}

func validateStartOptions(opts StartOptions) error {
	if strings.TrimSpace(opts.Boot.KernelPath) == "" {
		return fmt.Errorf("%w: kernel path required", ErrInvalidRequest)
	}
	for _, g := range opts.GuestPorts {
		if !validPort(g) {
			return fmt.Errorf("%w: guest port %d out of range", ErrInvalidRequest, g)
		}
	}
	return nil
}

// unwinder collects compensating actions for a partially applied start and
// runs them in reverse order.
type unwinder struct {
	logger *slog.Logger
	steps  []unwindStep
}

type unwindStep struct {
	name string
	fn   func(context.Context) error
}

func (u *unwinder) push(name string, fn func(context.Context) error) {
	u.steps = append(u.steps, unwindStep{name: name, fn: fn})
}

func (u *unwinder) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i].fn(ctx); err != nil {
			u.logger.Warn("rollback step failed", "step", u.steps[i].name, "error", err)
		}
	}
}

func sortedIDs(vms []registry.VM) []string {
	ids := make([]string, 0, len(vms))
	for _, vm := range vms {
		ids = append(ids, vm.ID)
	}
	sort.Strings(ids)
	return ids
}
