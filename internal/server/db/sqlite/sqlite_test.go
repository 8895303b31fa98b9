package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ccheshirecat/lambdo/internal/server/db"
)

func TestJournalCRUD(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	t.Cleanup(func() { _ = store.Close(ctx) })

	journal := store.Queries().Journal()
	entry := db.Entry{
		ID:        "0b8f4a3c-7a1e-4f4c-9d55-0b1f5e6a7c11",
		Status:    "running",
		IPAddress: "192.168.10.2",
		TapDevice: "tap-0b8f4a3c",
		Bridge:    "lambdo0",
		BootArgs:  "console=ttyS0",
		PID:       4321,
		PortMappings: []db.PortMapping{
			{HostPort: 10001, GuestPort: 443},
			{HostPort: 10000, GuestPort: 80},
		},
	}
	if err := journal.Put(ctx, entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := journal.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected entry, got nil")
	}
	if got.TapDevice != "tap-0b8f4a3c" || got.PID != 4321 || got.Bridge != "lambdo0" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if len(got.PortMappings) != 2 || got.PortMappings[0].HostPort != 10000 || got.PortMappings[0].GuestPort != 80 {
		t.Fatalf("unexpected port mappings: %+v", got.PortMappings)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not populated: %+v", got)
	}

	if err := journal.UpdateStatus(ctx, entry.ID, "exited", 0); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = journal.Get(ctx, entry.ID)
	if got.Status != "exited" || got.PID != 0 {
		t.Fatalf("status not updated: %+v", got)
	}

	if err := journal.UpdateStatus(ctx, "missing", "exited", 0); err == nil {
		t.Fatalf("expected error updating missing entry")
	}

	if err := journal.Delete(ctx, entry.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = journal.Get(ctx, entry.ID)
	if err != nil || got != nil {
		t.Fatalf("expected nil after delete, got %+v, %v", got, err)
	}
}

func TestJournalPutReplacesMappings(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	t.Cleanup(func() { _ = store.Close(ctx) })

	journal := store.Queries().Journal()
	entry := db.Entry{ID: "a", Status: "running", IPAddress: "10.0.0.2", TapDevice: "tap-a", Bridge: "br0",
		PortMappings: []db.PortMapping{{HostPort: 1, GuestPort: 2}}}
	if err := journal.Put(ctx, entry); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry.PortMappings = []db.PortMapping{{HostPort: 3, GuestPort: 4}}
	if err := journal.Put(ctx, entry); err != nil {
		t.Fatalf("second put: %v", err)
	}

	list, err := journal.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || len(list[0].PortMappings) != 1 || list[0].PortMappings[0].HostPort != 3 {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	t.Cleanup(func() { _ = store.Close(ctx) })

	sentinel := context.Canceled
	err := store.WithTx(ctx, func(q db.Queries) error {
		if err := q.Journal().Put(ctx, db.Entry{ID: "tx", Status: "running", IPAddress: "10.0.0.2", TapDevice: "tap-tx", Bridge: "br0"}); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	got, err := store.Queries().Journal().Get(ctx, "tx")
	if err != nil || got != nil {
		t.Fatalf("expected rollback, got %+v, %v", got, err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	for i := 0; i < 2; i++ {
		store, err := Open(ctx, path)
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		_ = store.Close(ctx)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	return store
}
