package orchestrator

import (
	"fmt"
	"sort"
)

// Host ports handed out for spawn requests.
const (
	EphemeralPortMin = 10000
	EphemeralPortMax = 19999
)

// PortPair forwards Host on the host to Guest inside the VM.
type PortPair struct {
	Host  int `json:"host"`
	Guest int `json:"guest"`
}

// SelectEphemeralPorts assigns each guest port the lowest free host port in
// the ephemeral range. Ports picked earlier in the same call count as used.
func SelectEphemeralPorts(used map[int]struct{}, guestPorts []int) ([]PortPair, error) {
	taken := make(map[int]struct{}, len(used)+len(guestPorts))
	for p := range used {
		taken[p] = struct{}{}
	}

	out := make([]PortPair, 0, len(guestPorts))
	next := EphemeralPortMin
	for _, guest := range guestPorts {
		for ; next <= EphemeralPortMax; next++ {
			if _, busy := taken[next]; !busy {
				break
			}
		}
		if next > EphemeralPortMax {
			return nil, fmt.Errorf("%w: range %d-%d", ErrPortsExhausted, EphemeralPortMin, EphemeralPortMax)
		}
		taken[next] = struct{}{}
		out = append(out, PortPair{Host: next, Guest: guest})
	}
	return out, nil
}

// checkPorts rejects pairs outside the valid range, repeated host ports and
// host ports already held by another VM.
func checkPorts(used map[int]struct{}, pairs []PortPair) error {
	seen := make(map[int]struct{}, len(pairs))
	for _, p := range pairs {
		if !validPort(p.Host) || !validPort(p.Guest) {
			return fmt.Errorf("%w: port mapping %d:%d out of range", ErrInvalidRequest, p.Host, p.Guest)
		}
		if _, dup := seen[p.Host]; dup {
			return fmt.Errorf("%w: host port %d requested twice", ErrPortInUse, p.Host)
		}
		if _, busy := used[p.Host]; busy {
			return fmt.Errorf("%w: %d", ErrPortInUse, p.Host)
		}
		seen[p.Host] = struct{}{}
	}
	return nil
}

// SortedPairs flattens a host to guest mapping ordered by host port.
func SortedPairs(mapping map[int]int) []PortPair {
	out := make([]PortPair, 0, len(mapping))
	for h, g := range mapping {
		out = append(out, PortPair{Host: h, Guest: g})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
