package db

import (
	"context"
	"time"
)

// PortMapping forwards a host port to a guest port.
type PortMapping struct {
	HostPort  int
	GuestPort int
}

// Entry is the journaled form of a live VM. It carries what is needed to
// release the VM's host network resources after a daemon restart.
type Entry struct {
	ID           string
	Status       string
	IPAddress    string
	TapDevice    string
	Bridge       string
	BootArgs     string
	PID          int
	PortMappings []PortMapping
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store describes the persistence surface consumed by the orchestrator.
type Store interface {
	Close(ctx context.Context) error
	Queries() Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
}

// Queries exposes repository accessors bound to a specific connection scope
// (either the root connection or a transaction).
type Queries interface {
	Journal() JournalRepository
}

// JournalRepository records VMs while they hold host resources.
type JournalRepository interface {
	Put(ctx context.Context, entry Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context) ([]Entry, error)
	UpdateStatus(ctx context.Context, id, status string, pid int) error
	Delete(ctx context.Context, id string) error
}
