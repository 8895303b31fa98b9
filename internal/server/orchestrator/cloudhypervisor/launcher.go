package cloudhypervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/runtime"
)

// Launcher knows how to boot Cloud Hypervisor microVMs.
type Launcher struct {
	Binary     string
	RuntimeDir string
	LogDir     string
}

// New returns a configured Launcher.
func New(binary, runtimeDir, logDir string) *Launcher {
	return &Launcher{
		Binary:     binary,
		RuntimeDir: runtimeDir,
		LogDir:     logDir,
	}
}

// Args renders the command line for cfg with its API socket at apiSocket.
func Args(cfg runtime.Config, apiSocket string) []string {
	args := []string{
		"--api-socket", fmt.Sprintf("path=%s", apiSocket),
		"--cpus", fmt.Sprintf("boot=%d", cfg.VCPUs),
		"--memory", fmt.Sprintf("size=%dM", cfg.MemoryMB),
		"--kernel", cfg.KernelPath,
	}
	if cfg.InitrdPath != "" {
		args = append(args, "--initramfs", cfg.InitrdPath)
	}
	args = append(args, "--cmdline", cfg.BootArgs)
	if len(cfg.Disks) > 0 {
		args = append(args, "--disk")
		for _, d := range orderedDisks(cfg.Disks) {
			spec := fmt.Sprintf("path=%s,id=%s", d.Path, d.ID)
			if d.ReadOnly {
				spec += ",readonly=on"
			}
			args = append(args, spec)
		}
	}
	args = append(args,
		"--net", fmt.Sprintf("tap=%s,mac=%s", cfg.TapDevice, cfg.MACAddress),
		"--serial", "tty",
		"--console", "off",
	)
	return args
}

// orderedDisks moves the root device first so it enumerates as vda.
func orderedDisks(disks []runtime.Disk) []runtime.Disk {
	out := make([]runtime.Disk, 0, len(disks))
	for _, d := range disks {
		if d.RootDevice {
			out = append(out, d)
		}
	}
	for _, d := range disks {
		if !d.RootDevice {
			out = append(out, d)
		}
	}
	return out
}

// Create prepares the process for cfg without starting it.
func (l *Launcher) Create(ctx context.Context, cfg runtime.Config) (runtime.Instance, error) {
	if l.Binary == "" {
		return nil, fmt.Errorf("cloudhypervisor: binary path required")
	}
	if _, err := exec.LookPath(l.Binary); err != nil {
		return nil, fmt.Errorf("cloudhypervisor: locate binary: %w", err)
	}
	if err := os.MkdirAll(l.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("cloudhypervisor: ensure runtime dir: %w", err)
	}
	logDir := l.LogDir
	if logDir == "" {
		logDir = l.RuntimeDir
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("cloudhypervisor: ensure log dir: %w", err)
	}

	apiSocket := filepath.Join(l.RuntimeDir, fmt.Sprintf("%s.sock", cfg.ID))
	_ = os.Remove(apiSocket)

	logPath := filepath.Join(logDir, fmt.Sprintf("%s.log", cfg.ID))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cloudhypervisor: open log file: %w", err)
	}

	// The process outlives the request that created it.
	cmd := exec.Command(l.Binary, Args(cfg, apiSocket)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	return &instance{
		id:        cfg.ID,
		cmd:       cmd,
		apiSocket: apiSocket,
		logFile:   logFile,
		done:      make(chan error, 1),
	}, nil
}

type instance struct {
	id        string
	cmd       *exec.Cmd
	apiSocket string
	logFile   *os.File
	done      chan error

	mu      sync.Mutex
	started bool
	closed  bool
}

func (i *instance) ID() string         { return i.id }
func (i *instance) Wait() <-chan error { return i.done }

func (i *instance) PID() int {
	if i.cmd.Process == nil {
		return 0
	}
	return i.cmd.Process.Pid
}

func (i *instance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return fmt.Errorf("cloudhypervisor: %s already started", i.id)
	}
	if err := i.cmd.Start(); err != nil {
		i.releaseLocked()
		return fmt.Errorf("cloudhypervisor: start: %w", err)
	}
	i.started = true
	go func() {
		err := i.cmd.Wait()
		i.done <- err
		close(i.done)
	}()
	return nil
}

// Stop sends SIGTERM and escalates to SIGKILL when ctx expires first.
func (i *instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	started := i.started
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.releaseLocked()
		i.mu.Unlock()
	}()

	if !started || i.cmd.Process == nil {
		return nil
	}

	if err := i.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("cloudhypervisor: signal term: %w", err)
	}

	select {
	case <-i.done:
	case <-ctx.Done():
		_ = i.cmd.Process.Signal(syscall.SIGKILL)
		<-i.done
	}
	return nil
}

func (i *instance) releaseLocked() {
	if i.closed {
		return
	}
	i.closed = true
	_ = i.logFile.Close()
	_ = os.Remove(i.apiSocket)
}

var _ runtime.Backend = (*Launcher)(nil)
var _ runtime.Instance = (*instance)(nil)
