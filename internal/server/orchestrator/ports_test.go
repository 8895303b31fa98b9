package orchestrator

import (
	"errors"
	"testing"
)

func TestSelectEphemeralPortsSkipsUsed(t *testing.T) {
	used := map[int]struct{}{10000: {}, 10002: {}}
	pairs, err := SelectEphemeralPorts(used, []int{80, 443, 22})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := []PortPair{{Host: 10001, Guest: 80}, {Host: 10003, Guest: 443}, {Host: 10004, Guest: 22}}
	if len(pairs) != len(want) {
		t.Fatalf("got %v, want %v", pairs, want)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("pair %d = %v, want %v", i, pairs[i], want[i])
		}
	}
	if len(used) != 2 {
		t.Fatalf("caller's used set was modified: %v", used)
	}
}

func TestSelectEphemeralPortsExhausted(t *testing.T) {
	used := make(map[int]struct{})
	for p := EphemeralPortMin; p < EphemeralPortMax; p++ {
		used[p] = struct{}{}
	}
	pairs, err := SelectEphemeralPorts(used, []int{80})
	if err != nil || pairs[0].Host != EphemeralPortMax {
		t.Fatalf("expected last port, got %v, %v", pairs, err)
	}
	if _, err := SelectEphemeralPorts(used, []int{80, 81}); !errors.Is(err, ErrPortsExhausted) {
		t.Fatalf("expected ErrPortsExhausted, got %v", err)
	}
}

func TestCheckPorts(t *testing.T) {
	used := map[int]struct{}{8080: {}}
	if err := checkPorts(used, []PortPair{{Host: 8081, Guest: 80}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := checkPorts(used, []PortPair{{Host: 8080, Guest: 80}}); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
	if err := checkPorts(nil, []PortPair{{Host: 0, Guest: 80}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestBootArgsAndMAC(t *testing.T) {
	if deriveMAC("a", "10.0.0.2") != deriveMAC("a", "10.0.0.2") {
		t.Fatalf("mac not stable")
	}
	if deriveMAC("a", "10.0.0.2") == deriveMAC("b", "10.0.0.2") {
		t.Fatalf("mac collides across vms")
	}
}
