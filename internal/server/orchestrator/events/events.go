package events

import "time"

// VMStatus mirrors the registry status in event payloads.
type VMStatus string

const (
	VMStatusRunning    VMStatus = "running"
	VMStatusStopped    VMStatus = "stopped"
	VMStatusExited     VMStatus = "exited"
	VMStatusTerminated VMStatus = "terminated"
)

// VMEvent describes a significant change in a VM lifecycle.
type VMEvent struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	Status      VMStatus  `json:"status"`
	IPAddress   string    `json:"ip_address,omitempty"`
	TapDevice   string    `json:"tap_device,omitempty"`
	PortMapping [][2]int  `json:"port_mapping,omitempty"`
	PID         int       `json:"pid,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message,omitempty"`
}

const (
	TypeVMRunning    = "VM_RUNNING"
	TypeVMStopped    = "VM_STOPPED"
	TypeVMExited     = "VM_EXITED"
	TypeVMTerminated = "VM_TERMINATED"
	TypeVMReclaimed  = "VM_RECLAIMED"
)

// TopicVMEvents is the event bus topic for microVM lifecycle.
const TopicVMEvents = "orchestrator.vm.events"
