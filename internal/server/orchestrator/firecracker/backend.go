package firecracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	sdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/runtime"
)

// Backend boots microVMs through the firecracker VMM.
type Backend struct {
	Binary     string
	RuntimeDir string
	LogDir     string
}

// New returns a configured Backend.
func New(binary, runtimeDir, logDir string) *Backend {
	return &Backend{Binary: binary, RuntimeDir: runtimeDir, LogDir: logDir}
}

// MachineConfig translates cfg into the SDK configuration with its API
// socket at socketPath.
func MachineConfig(cfg runtime.Config, socketPath string) sdk.Config {
	drives := make([]models.Drive, 0, len(cfg.Disks))
	for _, d := range cfg.Disks {
		drives = append(drives, models.Drive{
			DriveID:      sdk.String(d.ID),
			PathOnHost:   sdk.String(d.Path),
			IsRootDevice: sdk.Bool(d.RootDevice),
			IsReadOnly:   sdk.Bool(d.ReadOnly),
		})
	}

	return sdk.Config{
		VMID:            cfg.ID,
		SocketPath:      socketPath,
		KernelImagePath: cfg.KernelPath,
		InitrdPath:      cfg.InitrdPath,
		KernelArgs:      cfg.BootArgs,
		Drives:          drives,
		NetworkInterfaces: sdk.NetworkInterfaces{{
			StaticConfiguration: &sdk.StaticNetworkConfiguration{
				HostDevName: cfg.TapDevice,
				MacAddress:  cfg.MACAddress,
			},
		}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  sdk.Int64(int64(cfg.VCPUs)),
			MemSizeMib: sdk.Int64(int64(cfg.MemoryMB)),
		},
	}
}

// Create builds the VMM process and machine handle without booting it.
func (b *Backend) Create(ctx context.Context, cfg runtime.Config) (runtime.Instance, error) {
	if b.Binary == "" {
		return nil, errors.New("firecracker: binary path required")
	}
	if err := os.MkdirAll(b.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("firecracker: ensure runtime dir: %w", err)
	}
	logDir := b.LogDir
	if logDir == "" {
		logDir = b.RuntimeDir
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("firecracker: ensure log dir: %w", err)
	}

	socketPath := filepath.Join(b.RuntimeDir, cfg.ID+".sock")
	_ = os.Remove(socketPath)

	logFile, err := os.OpenFile(filepath.Join(logDir, cfg.ID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("firecracker: open log file: %w", err)
	}

	sdkLogger := logrus.New()
	sdkLogger.SetOutput(logFile)
	sdkLogger.SetFormatter(&logrus.JSONFormatter{})
	entry := logrus.NewEntry(sdkLogger).WithField("vm_id", cfg.ID)

	// The SDK stops the VMM when this context ends, so it must not be the
	// request context.
	procCtx, cancel := context.WithCancel(context.Background())

	cmd := sdk.VMCommandBuilder{}.
		WithBin(b.Binary).
		WithSocketPath(socketPath).
		WithStdout(logFile).
		WithStderr(logFile).
		Build(procCtx)

	machine, err := sdk.NewMachine(procCtx, MachineConfig(cfg, socketPath),
		sdk.WithProcessRunner(cmd),
		sdk.WithLogger(entry),
	)
	if err != nil {
		cancel()
		_ = logFile.Close()
		return nil, fmt.Errorf("firecracker: new machine: %w", err)
	}

	return &instance{
		id:         cfg.ID,
		machine:    machine,
		procCtx:    procCtx,
		cancel:     cancel,
		socketPath: socketPath,
		logFile:    logFile,
		done:       make(chan error, 1),
	}, nil
}

type instance struct {
	id         string
	machine    *sdk.Machine
	procCtx    context.Context
	cancel     context.CancelFunc
	socketPath string
	logFile    *os.File
	done       chan error

	mu       sync.Mutex
	started  bool
	released bool
}

func (i *instance) ID() string         { return i.id }
func (i *instance) Wait() <-chan error { return i.done }

func (i *instance) PID() int {
	pid, err := i.machine.PID()
	if err != nil {
		return 0
	}
	return pid
}

// Start boots the guest. ctx bounds the boot handshake only; the VMM keeps
// running after it ends.
func (i *instance) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return fmt.Errorf("firecracker: %s already started", i.id)
	}
	i.started = true
	i.mu.Unlock()

	result := make(chan error, 1)
	go func() { result <- i.machine.Start(i.procCtx) }()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		i.mu.Lock()
		i.started = false
		i.mu.Unlock()
		i.release()
		return fmt.Errorf("firecracker: start: %w", err)
	}

	go func() {
		err := i.machine.Wait(context.Background())
		i.done <- err
		close(i.done)
	}()
	return nil
}

// Stop asks the VMM to exit and kills it when ctx expires first.
func (i *instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	started := i.started
	i.mu.Unlock()
	defer i.release()

	if !started {
		return nil
	}

	if err := i.machine.StopVMM(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("firecracker: stop vmm: %w", err)
	}

	select {
	case <-i.done:
	case <-ctx.Done():
		if pid := i.PID(); pid > 0 {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		<-i.done
	}
	return nil
}

func (i *instance) release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		return
	}
	i.released = true
	i.cancel()
	_ = i.logFile.Close()
	_ = os.Remove(i.socketPath)
}

var _ runtime.Backend = (*Backend)(nil)
var _ runtime.Instance = (*instance)(nil)
