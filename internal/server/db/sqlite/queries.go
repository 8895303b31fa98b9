package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ccheshirecat/lambdo/internal/server/db"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// executor abstracts *sql.DB and *sql.Tx for shared query logic.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	exec executor
}

var _ db.Queries = (*queries)(nil)

func (q *queries) Journal() db.JournalRepository {
	return &journalRepository{exec: q.exec}
}

type journalRepository struct {
	exec executor
}

var _ db.JournalRepository = (*journalRepository)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

const selectEntry = `SELECT id, status, ip_address, tap_device, bridge, boot_args, pid, created_at, updated_at FROM vms`

// Put inserts or replaces the entry together with its port mappings.
func (r *journalRepository) Put(ctx context.Context, e db.Entry) error {
	now := time.Now().UTC()
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}
	if _, err := r.exec.ExecContext(ctx,
		`INSERT INTO vms (id, status, ip_address, tap_device, bridge, boot_args, pid, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             status = excluded.status,
             ip_address = excluded.ip_address,
             tap_device = excluded.tap_device,
             bridge = excluded.bridge,
             boot_args = excluded.boot_args,
             pid = excluded.pid,
             updated_at = excluded.updated_at;`,
		e.ID, e.Status, e.IPAddress, e.TapDevice, e.Bridge, e.BootArgs, nullablePID(e.PID), created, now,
	); err != nil {
		return fmt.Errorf("upsert vm %s: %w", e.ID, err)
	}

	if _, err := r.exec.ExecContext(ctx, `DELETE FROM port_mappings WHERE vm_id = ?;`, e.ID); err != nil {
		return fmt.Errorf("clear port mappings for %s: %w", e.ID, err)
	}
	for _, pm := range e.PortMappings {
		if _, err := r.exec.ExecContext(ctx,
			`INSERT INTO port_mappings (vm_id, host_port, guest_port) VALUES (?, ?, ?);`,
			e.ID, pm.HostPort, pm.GuestPort,
		); err != nil {
			return fmt.Errorf("insert port mapping %d for %s: %w", pm.HostPort, e.ID, err)
		}
	}
	return nil
}

// Get returns nil without error when id is not journaled.
func (r *journalRepository) Get(ctx context.Context, id string) (*db.Entry, error) {
	entry, err := scanEntry(r.exec.QueryRowContext(ctx, selectEntry+` WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if entry.PortMappings, err = r.mappings(ctx, id); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *journalRepository) List(ctx context.Context) ([]db.Entry, error) {
	rows, err := r.exec.QueryContext(ctx, selectEntry+` ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query vms: %w", err)
	}
	var entries []db.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entries {
		if entries[i].PortMappings, err = r.mappings(ctx, entries[i].ID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (r *journalRepository) UpdateStatus(ctx context.Context, id, status string, pid int) error {
	res, err := r.exec.ExecContext(ctx,
		`UPDATE vms SET status = ?, pid = ?, updated_at = ? WHERE id = ?;`,
		status, nullablePID(pid), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update vm %s status: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update vm %s status: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (r *journalRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.exec.ExecContext(ctx, `DELETE FROM vms WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete vm %s: %w", id, err)
	}
	return nil
}

func (r *journalRepository) mappings(ctx context.Context, id string) ([]db.PortMapping, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT host_port, guest_port FROM port_mappings WHERE vm_id = ? ORDER BY host_port ASC;`, id)
	if err != nil {
		return nil, fmt.Errorf("query port mappings for %s: %w", id, err)
	}
	defer rows.Close()

	var out []db.PortMapping
	for rows.Next() {
		var pm db.PortMapping
		if err := rows.Scan(&pm.HostPort, &pm.GuestPort); err != nil {
			return nil, fmt.Errorf("scan port mapping: %w", err)
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

func scanEntry(row rowScanner) (db.Entry, error) {
	var (
		e          db.Entry
		pid        sql.NullInt64
		createdRaw any
		updatedRaw any
	)
	if err := row.Scan(
		&e.ID,
		&e.Status,
		&e.IPAddress,
		&e.TapDevice,
		&e.Bridge,
		&e.BootArgs,
		&pid,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.Entry{}, err
		}
		return db.Entry{}, fmt.Errorf("scan vm: %w", err)
	}
	if pid.Valid {
		e.PID = int(pid.Int64)
	}

	var err error
	if e.CreatedAt, err = coerceTime(createdRaw); err != nil {
		return db.Entry{}, fmt.Errorf("parse vm created_at: %w", err)
	}
	if e.UpdatedAt, err = coerceTime(updatedRaw); err != nil {
		return db.Entry{}, fmt.Errorf("parse vm updated_at: %w", err)
	}
	return e, nil
}

func nullablePID(pid int) any {
	if pid <= 0 {
		return nil
	}
	return pid
}

func coerceTime(value any) (time.Time, error) {
	var s string
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case nil:
		return time.Time{}, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", value)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time format: %q", s)
}
