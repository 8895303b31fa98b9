package orchestrator

import (
	"errors"
	"fmt"
)

// Error kinds returned by the engine. Callers match them with errors.Is;
// the wrapped cause carries the detail.
var (
	ErrVMNotFound       = errors.New("orchestrator: vm not found")
	ErrVMAlreadyEnded   = errors.New("orchestrator: vm already ended")
	ErrNoIPAvailable    = errors.New("orchestrator: no ip address available")
	ErrNetSetup         = errors.New("orchestrator: network setup failed")
	ErrImage            = errors.New("orchestrator: image resolution failed")
	ErrBackendCreate    = errors.New("orchestrator: invalid backend configuration")
	ErrBackendConfigure = errors.New("orchestrator: backend configuration failed")
	ErrBackendRun       = errors.New("orchestrator: backend failed")
	ErrPortInUse        = errors.New("orchestrator: host port already in use")
	ErrPortsExhausted   = errors.New("orchestrator: no ephemeral host port available")
	ErrInvalidRequest   = errors.New("orchestrator: invalid request")
	ErrNotStarted       = errors.New("orchestrator: engine not started")
	ErrOther            = errors.New("orchestrator: internal error")
)

func wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}
