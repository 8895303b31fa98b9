package runtime

import (
	"context"
	"errors"
	"fmt"
)

// Config contains the information required to boot a microVM.
type Config struct {
	ID         string
	KernelPath string
	InitrdPath string
	BootArgs   string
	Disks      []Disk
	TapDevice  string
	MACAddress string
	VCPUs      int
	MemoryMB   int
}

// Disk is a block device attached to the guest in order.
type Disk struct {
	ID         string
	Path       string
	ReadOnly   bool
	RootDevice bool
}

// Validate reports configuration no backend could boot.
func (c Config) Validate() error {
	if c.ID == "" {
		return errors.New("runtime: vm id required")
	}
	if c.KernelPath == "" {
		return errors.New("runtime: kernel path required")
	}
	if c.TapDevice == "" {
		return errors.New("runtime: tap device required")
	}
	if c.VCPUs <= 0 || c.MemoryMB <= 0 {
		return fmt.Errorf("runtime: invalid machine size %d vcpu / %d MiB", c.VCPUs, c.MemoryMB)
	}
	roots := 0
	seen := make(map[string]struct{}, len(c.Disks))
	for _, d := range c.Disks {
		if d.ID == "" || d.Path == "" {
			return fmt.Errorf("runtime: disk %q incomplete", d.ID)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("runtime: duplicate disk id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		if d.RootDevice {
			roots++
		}
	}
	if roots > 1 {
		return errors.New("runtime: more than one root device")
	}
	return nil
}

// Instance is a created microVM. Start boots it; Wait delivers the exit
// status once and is then closed.
type Instance interface {
	ID() string
	PID() int
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Wait() <-chan error
}

// Backend creates microVM instances for a specific hypervisor.
type Backend interface {
	Create(ctx context.Context, cfg Config) (Instance, error)
}
