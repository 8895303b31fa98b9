package stub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ccheshirecat/lambdo/internal/server/orchestrator/runtime"
)

// Backend runs instances in-process without a hypervisor. It serves
// development hosts and tests.
type Backend struct {
	mu        sync.Mutex
	nextPID   int
	instances map[string]*Instance
	created   []runtime.Config
	failures  map[string]error
}

// New returns an empty stub backend.
func New() *Backend {
	return &Backend{
		nextPID:   1000,
		instances: make(map[string]*Instance),
		failures:  make(map[string]error),
	}
}

// FailOn makes every later call of op ("Create", "Start" or "Stop") fail
// with err. A nil err clears it.
func (b *Backend) FailOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

func (b *Backend) failure(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[op]
}

// Create records cfg and returns an unstarted instance.
func (b *Backend) Create(ctx context.Context, cfg runtime.Config) (runtime.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failures["Create"]; err != nil {
		return nil, err
	}
	if _, exists := b.instances[cfg.ID]; exists {
		return nil, fmt.Errorf("stub: instance %s already exists", cfg.ID)
	}
	b.nextPID++
	inst := &Instance{
		backend: b,
		cfg:     cfg,
		pid:     b.nextPID,
		done:    make(chan error, 1),
	}
	b.instances[cfg.ID] = inst
	b.created = append(b.created, cfg)
	return inst, nil
}

// Created returns every configuration passed to Create.
func (b *Backend) Created() []runtime.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]runtime.Config(nil), b.created...)
}

// Instance returns the instance created for id.
func (b *Backend) Instance(id string) (*Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[id]
	return inst, ok
}

// Running counts instances started and not yet finished.
func (b *Backend) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, inst := range b.instances {
		if inst.Running() {
			n++
		}
	}
	return n
}

// Instance is an in-process stand-in for a VMM process.
type Instance struct {
	backend *Backend
	cfg     runtime.Config
	pid     int
	done    chan error

	mu       sync.Mutex
	started  bool
	finished bool
	stops    int
}

func (i *Instance) ID() string             { return i.cfg.ID }
func (i *Instance) PID() int               { return i.pid }
func (i *Instance) Config() runtime.Config { return i.cfg }
func (i *Instance) Wait() <-chan error     { return i.done }

func (i *Instance) Start(ctx context.Context) error {
	if err := i.backend.failure("Start"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return errors.New("stub: already started")
	}
	i.started = true
	return nil
}

func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	i.stops++
	i.mu.Unlock()
	// A failed stop still ends the instance so waiters are released.
	if err := i.backend.failure("Stop"); err != nil {
		i.finish(err)
		return err
	}
	i.finish(nil)
	return nil
}

// Exit simulates the guest terminating on its own with err.
func (i *Instance) Exit(err error) {
	i.finish(err)
}

// Stops counts Stop calls.
func (i *Instance) Stops() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stops
}

// Running reports whether the instance was started and has not finished.
func (i *Instance) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started && !i.finished
}

func (i *Instance) finish(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.finished {
		return
	}
	i.finished = true
	if i.started {
		i.done <- err
		close(i.done)
	}
}

var _ runtime.Backend = (*Backend)(nil)
var _ runtime.Instance = (*Instance)(nil)
