package registry

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insert(t *testing.T, r *Registry, vm *VM) {
	t.Helper()
	require.NoError(t, r.Update(func(tx *Txn) error { return tx.Insert(vm, nil) }))
}

func TestInsertGetRemove(t *testing.T) {
	r := New(Settings{Bridge: "lambdo0"})
	insert(t, r, &VM{ID: "a", Status: StatusRunning, IP: net.ParseIP("192.168.10.2"), PortMapping: map[int]int{8080: 80}})

	vm, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, vm.Status)
	assert.False(t, vm.CreatedAt.IsZero())

	mapping, ok := r.PortMapping("a")
	require.True(t, ok)
	assert.Equal(t, map[int]int{8080: 80}, mapping)

	err := r.Update(func(tx *Txn) error {
		removed, _, err := tx.Remove("a")
		if err != nil {
			return err
		}
		assert.Equal(t, "a", removed.ID)
		return nil
	})
	require.NoError(t, err)

	_, ok = r.Get("a")
	assert.False(t, ok)
	_, ok = r.PortMapping("a")
	assert.False(t, ok)

	err = r.Update(func(tx *Txn) error {
		_, _, err := tx.Remove("a")
		return err
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestIDsNeverReused(t *testing.T) {
	r := New(Settings{})
	insert(t, r, &VM{ID: "a"})

	err := r.Update(func(tx *Txn) error { return tx.Insert(&VM{ID: "a"}, nil) })
	require.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, r.Update(func(tx *Txn) error {
		_, _, err := tx.Remove("a")
		return err
	}))
	err = r.Update(func(tx *Txn) error { return tx.Insert(&VM{ID: "a"}, nil) })
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestTerminalRecordsReleaseResources(t *testing.T) {
	r := New(Settings{})
	insert(t, r, &VM{ID: "live", Status: StatusRunning, IP: net.ParseIP("10.0.0.2"), PortMapping: map[int]int{10000: 22}})
	insert(t, r, &VM{ID: "gone", Status: StatusExited, IP: net.ParseIP("10.0.0.3"), PortMapping: map[int]int{10001: 22}})
	insert(t, r, &VM{ID: "dead", Status: StatusTerminated, IP: net.ParseIP("10.0.0.4"), PortMapping: map[int]int{10002: 22}})

	assert.Equal(t, []int{10000}, r.UsedPorts())

	require.NoError(t, r.Update(func(tx *Txn) error {
		ips := tx.UsedIPs()
		require.Len(t, ips, 1)
		assert.Equal(t, "10.0.0.2", ips[0].String())
		return nil
	}))
}

func TestSetStatus(t *testing.T) {
	r := New(Settings{})
	insert(t, r, &VM{ID: "a", Status: StatusRunning, PortMapping: map[int]int{10000: 22}})

	require.NoError(t, r.Update(func(tx *Txn) error { return tx.SetStatus("a", StatusExited) }))
	assert.Empty(t, r.UsedPorts())

	err := r.Update(func(tx *Txn) error { return tx.SetStatus("missing", StatusExited) })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloneIsolation(t *testing.T) {
	r := New(Settings{})
	insert(t, r, &VM{ID: "a", PortMapping: map[int]int{1: 2}, Disks: []Disk{{ID: "rootfs"}}})

	vm, _ := r.Get("a")
	vm.PortMapping[3] = 4
	vm.Disks[0].ID = "changed"

	again, _ := r.Get("a")
	assert.Equal(t, map[int]int{1: 2}, again.PortMapping)
	assert.Equal(t, "rootfs", again.Disks[0].ID)
}

func TestConcurrentInsertsKeepOrderAndCount(t *testing.T) {
	r := New(Settings{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Update(func(tx *Txn) error {
				return tx.Insert(&VM{ID: string(rune('A' + i)), Status: StatusRunning}, nil)
			})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
	assert.Len(t, r.List(), 50)
}
