package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"eventlog/internal/store"
	"eventlog/internal/window"
)

// ErrAlreadyLogged means the slot flag was already set for the pair; nothing was written.
var ErrAlreadyLogged = errors.New("attendance: already logged")

// Key identifies one attendance row.
type Key struct {
	EventDateID     int64 `json:"event_date_id"`
	StudentIDNumber int64 `json:"student_id_number"`
}

// Record is one row of the local attendance table.
type Record struct {
	Key
	AMIn  bool `json:"am_in"`
	AMOut bool `json:"am_out"`
	PMIn  bool `json:"pm_in"`
	PMOut bool `json:"pm_out"`
}

// Has reports whether the slot's flag is set.
func (r Record) Has(slot window.Slot) bool {
	switch slot {
	case window.MorningIn:
		return r.AMIn
	case window.MorningOut:
		return r.AMOut
	case window.AfternoonIn:
		return r.PMIn
	case window.AfternoonOut:
		return r.PMOut
	}
	return false
}

// Repository persists attendance flags in the local store.
type Repository struct {
	db *store.DB
}

// NewRepository creates a repo.
func NewRepository(db *store.DB) *Repository {
	return &Repository{db: db}
}

// Upsert sets slot for the pair, creating the row on first use. A flag that is
// already set yields ErrAlreadyLogged. The single conditional upsert makes the
// check and the write atomic, also across stations sharing a Postgres store.
func (r *Repository) Upsert(ctx context.Context, key Key, slot window.Slot) error {
	if !slot.Valid() {
		return fmt.Errorf("attendance: invalid slot %d", int(slot))
	}
	col := slot.Column()
	res, err := r.db.Client.ExecContext(ctx, r.db.Rebind(fmt.Sprintf(`
		INSERT INTO attendance (event_date_id, student_id_number, %[1]s)
		VALUES (?, ?, TRUE)
		ON CONFLICT (event_date_id, student_id_number)
		DO UPDATE SET %[1]s = TRUE WHERE attendance.%[1]s = FALSE
	`, col)), key.EventDateID, key.StudentIDNumber)
	if err != nil {
		return fmt.Errorf("upsert attendance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert attendance: %w", err)
	}
	if n == 0 {
		return ErrAlreadyLogged
	}
	return nil
}

// IsAlreadyLogged reports whether slot is set; a missing row is simply false.
func (r *Repository) IsAlreadyLogged(ctx context.Context, key Key, slot window.Slot) (bool, error) {
	rec, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return rec.Has(slot), nil
}

// Get returns the row for key, if any.
func (r *Repository) Get(ctx context.Context, key Key) (Record, bool, error) {
	row := r.db.Client.QueryRowContext(ctx, r.db.Rebind(`
		SELECT event_date_id, student_id_number, am_in, am_out, pm_in, pm_out
		FROM attendance WHERE event_date_id = ? AND student_id_number = ?
	`), key.EventDateID, key.StudentIDNumber)
	var rec Record
	if err := row.Scan(&rec.EventDateID, &rec.StudentIDNumber, &rec.AMIn, &rec.AMOut, &rec.PMIn, &rec.PMOut); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

// Pending returns every stored row. Each call re-reads current state.
func (r *Repository) Pending(ctx context.Context) ([]Record, error) {
	rows, err := r.db.Client.QueryContext(ctx, `
		SELECT event_date_id, student_id_number, am_in, am_out, pm_in, pm_out
		FROM attendance
		ORDER BY event_date_id, student_id_number
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.EventDateID, &rec.StudentIDNumber, &rec.AMIn, &rec.AMOut, &rec.PMIn, &rec.PMOut); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ClearAll deletes every row. Used by logout and reset flows.
func (r *Repository) ClearAll(ctx context.Context) error {
	_, err := r.db.Client.ExecContext(ctx, `DELETE FROM attendance`)
	return err
}

// DeleteSynced deletes exactly the uploaded rows. A row that gained a flag
// after the snapshot no longer matches and is kept for the next upload.
func (r *Repository) DeleteSynced(ctx context.Context, synced []Record) (int64, error) {
	if len(synced) == 0 {
		return 0, nil
	}
	tx, err := r.db.Client.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(`
		DELETE FROM attendance
		WHERE event_date_id = ? AND student_id_number = ?
		  AND am_in = ? AND am_out = ? AND pm_in = ? AND pm_out = ?
	`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var deleted int64
	for _, rec := range synced {
		res, err := stmt.ExecContext(ctx, rec.EventDateID, rec.StudentIDNumber, rec.AMIn, rec.AMOut, rec.PMIn, rec.PMOut)
		if err != nil {
			return 0, fmt.Errorf("delete synced %d/%d: %w", rec.EventDateID, rec.StudentIDNumber, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}
