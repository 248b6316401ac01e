package eventcache

import (
	"context"
	"database/sql"
	"sort"

	"eventlog/internal/window"
)

func (c *Cache) persist(ctx context.Context, events []Event) error {
	tx, err := c.db.Client.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_dates`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return err
	}
	insertEvent := c.db.Rebind(`
		INSERT INTO events (event_id, event_name, venue, am_in, am_out, pm_in, pm_out, duration, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	insertDate := c.db.Rebind(`INSERT INTO event_dates (id, event_id, event_date) VALUES (?, ?, ?)`)
	for _, e := range events {
		s := e.Schedule
		if _, err := tx.ExecContext(ctx, insertEvent,
			e.ID, e.Name, e.Venue,
			anchorValue(s.AMIn), anchorValue(s.AMOut), anchorValue(s.PMIn), anchorValue(s.PMOut),
			s.GraceMinutes, e.Status,
		); err != nil {
			return err
		}
		for _, d := range e.Dates {
			if _, err := tx.ExecContext(ctx, insertDate, d.ID, e.ID, d.Day); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (c *Cache) deletePersisted(ctx context.Context, eventID int64) error {
	tx, err := c.db.Client.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, c.db.Rebind(`DELETE FROM event_dates WHERE event_id = ?`), eventID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, c.db.Rebind(`DELETE FROM events WHERE event_id = ?`), eventID); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Cache) loadPersisted(ctx context.Context) ([]Event, error) {
	rows, err := c.db.Client.QueryContext(ctx, `
		SELECT event_id, event_name, venue, am_in, am_out, pm_in, pm_out, duration, status
		FROM events
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*Event)
	var order []int64
	for rows.Next() {
		var (
			e                        Event
			amIn, amOut, pmIn, pmOut sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.Venue, &amIn, &amOut, &pmIn, &pmOut, &e.Schedule.GraceMinutes, &e.Status); err != nil {
			return nil, err
		}
		if e.Schedule.AMIn, err = anchorFrom(amIn); err != nil {
			return nil, err
		}
		if e.Schedule.AMOut, err = anchorFrom(amOut); err != nil {
			return nil, err
		}
		if e.Schedule.PMIn, err = anchorFrom(pmIn); err != nil {
			return nil, err
		}
		if e.Schedule.PMOut, err = anchorFrom(pmOut); err != nil {
			return nil, err
		}
		byID[e.ID] = &e
		order = append(order, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	dates, err := c.db.Client.QueryContext(ctx, `SELECT id, event_id, event_date FROM event_dates ORDER BY event_date, id`)
	if err != nil {
		return nil, err
	}
	defer dates.Close()
	for dates.Next() {
		var (
			d       EventDate
			eventID int64
		)
		if err := dates.Scan(&d.ID, &eventID, &d.Day); err != nil {
			return nil, err
		}
		if e, ok := byID[eventID]; ok {
			e.Dates = append(e.Dates, d)
		}
	}
	if err := dates.Err(); err != nil {
		return nil, err
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]Event, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func anchorValue(t *window.TimeOfDay) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.String(), Valid: true}
}

func anchorFrom(v sql.NullString) (*window.TimeOfDay, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := window.ParseTimeOfDay(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
