// Package journal persists supervision history to SQLite: one row per
// daemon run, the process image layout discovered at bring-up, and every
// supervision event.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/ecatd/internal/ecat"
	"github.com/nerrad567/ecatd/internal/infrastructure/database"
	"github.com/nerrad567/ecatd/migrations"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500

	// queueSize bounds the events waiting to be written.
	queueSize = 256

	drainTimeout = 2 * time.Second

	// timestampFormat has a fixed width so stored times sort as text.
	timestampFormat = "2006-01-02T15:04:05.000000000Z"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("journal: run not found")

// Logger is the logging interface used by the journal.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Run is one daemon start.
type Run struct {
	ID          string     `json:"id"`
	Interface   string     `json:"interface"`
	Version     string     `json:"version"`
	StartedAt   time.Time  `json:"started_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	Devices     int        `json:"devices"`
	ExpectedWKC int        `json:"expected_wkc"`
	Operational bool       `json:"operational"`
}

// EventRecord is a stored supervision event.
type EventRecord struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`
	ecat.Event
}

// Filter controls which events Events returns.
type Filter struct {
	RunID  string         // optional: defaults to every run
	Device int            // optional: 0 means any device
	Kind   ecat.EventKind // optional
	Limit  int            // default 50, max 500
}

// LayoutEntry is a stored mapping together with its space.
type LayoutEntry struct {
	Space string `json:"space"`
	ecat.Mapping
}

// Journal writes and queries supervision history for the current run.
type Journal struct {
	db     *database.DB
	run    Run
	logger Logger
	mu     sync.RWMutex

	queue   chan ecat.Event
	dropped atomic.Uint64
	written atomic.Uint64
}

// Open migrates the schema and records the start of a new run.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - db: Open journal database
//   - iface: Network interface the segment is attached to
//   - version: Daemon version
//
// Returns:
//   - *Journal: Journal bound to the new run
//   - error: If migration or the run insert fails
func Open(ctx context.Context, db *database.DB, iface, version string) (*Journal, error) {
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("migrating journal: %w", err)
	}

	run := Run{
		ID:        uuid.NewString(),
		Interface: iface,
		Version:   version,
		StartedAt: time.Now().UTC(),
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO runs (id, interface, version, started_at) VALUES (?, ?, ?, ?)",
		run.ID, run.Interface, run.Version, run.StartedAt.Format(timestampFormat),
	); err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}

	return &Journal{
		db:     db,
		run:    run,
		logger: noopLogger{},
		queue:  make(chan ecat.Event, queueSize),
	}, nil
}

// SetLogger sets the logger.
func (j *Journal) SetLogger(logger Logger) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	j.logger = logger
}

func (j *Journal) getLogger() Logger {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.logger
}

// RunID returns the ID of the current run.
func (j *Journal) RunID() string {
	return j.run.ID
}

// RecordLayout stores the discovered layout and marks the run operational.
func (j *Journal) RecordLayout(ctx context.Context, layout *ecat.Layout, devices, expected int) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO layout_entries
		(run_id, space, position, device, obj_index, sub_index, byte_offset, bit_offset, bit_length, data_type, name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing layout insert: %w", err)
	}
	defer stmt.Close()

	for _, space := range []ecat.Space{ecat.Outputs, ecat.Inputs} {
		for i, m := range layout.Entries(space) {
			if _, err := stmt.ExecContext(ctx, j.run.ID, space.String(), i,
				m.Device, m.Index, m.SubIndex, m.Offset, m.BitOffset, m.BitLength, uint16(m.Type), m.Name,
			); err != nil {
				return fmt.Errorf("inserting layout entry %s: %w", m.Address(), err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE runs SET devices = ?, expected_wkc = ?, operational = 1 WHERE id = ?",
		devices, expected, j.run.ID,
	); err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing layout: %w", err)
	}
	return nil
}

// Publish queues ev for writing. It never blocks; when the queue is full
// the event is dropped and counted.
func (j *Journal) Publish(ev ecat.Event) {
	select {
	case j.queue <- ev:
	default:
		if j.dropped.Add(1) == 1 {
			j.getLogger().Warn("journal queue full, dropping events", "capacity", queueSize)
		}
	}
}

// Run writes queued events until ctx is cancelled, then drains what is left.
func (j *Journal) Run(ctx context.Context) error {
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case ev := <-j.queue:
			j.write(writeCtx, ev)
		case <-ctx.Done():
			j.drain()
			return nil
		}
	}
}

func (j *Journal) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-j.queue:
			j.write(ctx, ev)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, ev ecat.Event) {
	if err := j.RecordEvent(ctx, ev); err != nil {
		j.getLogger().Error("writing supervision event", "kind", string(ev.Kind), "device", ev.Device, "error", err)
		return
	}
	j.written.Add(1)
}

// RecordEvent writes ev synchronously.
func (j *Journal) RecordEvent(ctx context.Context, ev ecat.Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO supervision_events (run_id, occurred_at, kind, device, state, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		j.run.ID, ev.Time.UTC().Format(timestampFormat), string(ev.Kind), ev.Device, uint16(ev.State), ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("inserting supervision event: %w", err)
	}
	return nil
}

// Stats returns the number of events written and dropped.
func (j *Journal) Stats() (written, dropped uint64) {
	return j.written.Load(), j.dropped.Load()
}

// Close records the end of the run.
func (j *Journal) Close(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx,
		"UPDATE runs SET stopped_at = ? WHERE id = ?",
		time.Now().UTC().Format(timestampFormat), j.run.ID,
	); err != nil {
		return fmt.Errorf("closing run: %w", err)
	}
	return nil
}

// Events returns stored events matching filter, newest first.
func (j *Journal) Events(ctx context.Context, filter Filter) ([]EventRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultEventLimit
	}
	if filter.Limit > maxEventLimit {
		filter.Limit = maxEventLimit
	}

	var (
		conditions []string
		args       []any
	)
	if filter.RunID != "" {
		conditions = append(conditions, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Device != 0 {
		conditions = append(conditions, "device = ?")
		args = append(args, filter.Device)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, run_id, occurred_at, kind, device, state, detail FROM supervision_events %s ORDER BY id DESC LIMIT ?",
		where,
	)
	args = append(args, filter.Limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying supervision events: %w", err)
	}
	defer rows.Close()

	records := make([]EventRecord, 0, filter.Limit)
	for rows.Next() {
		var (
			r          EventRecord
			occurredAt string
			kind       string
			state      uint16
		)
		if err := rows.Scan(&r.ID, &r.RunID, &occurredAt, &kind, &r.Device, &state, &r.Detail); err != nil {
			return nil, fmt.Errorf("scanning supervision event: %w", err)
		}
		r.Kind = ecat.EventKind(kind)
		r.State = ecat.State(state)
		r.Time, err = time.Parse(timestampFormat, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parsing event timestamp %q: %w", occurredAt, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating supervision events: %w", err)
	}
	return records, nil
}

// Layout returns the layout recorded for runID in discovery order,
// outputs first.
func (j *Journal) Layout(ctx context.Context, runID string) ([]LayoutEntry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT space, device, obj_index, sub_index, byte_offset, bit_offset, bit_length, data_type, name
		 FROM layout_entries
		 WHERE run_id = ?
		 ORDER BY CASE space WHEN 'OUTPUTS' THEN 0 ELSE 1 END, position`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying layout: %w", err)
	}
	defer rows.Close()

	var entries []LayoutEntry
	for rows.Next() {
		var (
			e        LayoutEntry
			dataType uint16
		)
		if err := rows.Scan(&e.Space, &e.Device, &e.Index, &e.SubIndex, &e.Offset,
			&e.BitOffset, &e.BitLength, &dataType, &e.Name); err != nil {
			return nil, fmt.Errorf("scanning layout entry: %w", err)
		}
		e.Type = ecat.DataType(dataType)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating layout: %w", err)
	}
	return entries, nil
}

// Runs returns recorded runs, newest first.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, interface, version, started_at, stopped_at, devices, expected_wkc, operational
		 FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run by ID.
func (j *Journal) GetRun(ctx context.Context, id string) (Run, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id, interface, version, started_at, stopped_at, devices, expected_wkc, operational
		 FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r           Run
		startedAt   string
		stoppedAt   sql.NullString
		operational int
	)
	if err := s.Scan(&r.ID, &r.Interface, &r.Version, &startedAt, &stoppedAt,
		&r.Devices, &r.ExpectedWKC, &operational); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scanning run: %w", err)
	}
	var err error
	if r.StartedAt, err = time.Parse(timestampFormat, startedAt); err != nil {
		return Run{}, fmt.Errorf("parsing run start %q: %w", startedAt, err)
	}
	if stoppedAt.Valid {
		t, err := time.Parse(timestampFormat, stoppedAt.String)
		if err != nil {
			return Run{}, fmt.Errorf("parsing run stop %q: %w", stoppedAt.String, err)
		}
		r.StoppedAt = &t
	}
	r.Operational = operational != 0
	return r, nil
}

// Prune deletes events older than age from every run.
func (j *Journal) Prune(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UTC().Format(timestampFormat)
	res, err := j.db.ExecContext(ctx, "DELETE FROM supervision_events WHERE occurred_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning supervision events: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // SQLite always reports rows affected
	return n, nil
}
