package store

import (
	"context"
	"testing"
)

func TestNewDBMigratesSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := NewDB(ctx, "sqlite3", "file:store_migrate?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for _, table := range []string{"attendance", "events", "event_dates"} {
		var name string
		err := db.Client.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s: %v", table, err)
		}
	}
	if !db.Healthy(ctx) {
		t.Fatal("expected healthy db")
	}
}

func TestNewDBRejectsUnknownDriver(t *testing.T) {
	if _, err := NewDB(context.Background(), "mysql", "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRebind(t *testing.T) {
	q := `UPDATE attendance SET am_in = TRUE WHERE event_date_id = ? AND student_id_number = ?`
	pg := &DB{Driver: "pgx"}
	if got := pg.Rebind(q); got != `UPDATE attendance SET am_in = TRUE WHERE event_date_id = $1 AND student_id_number = $2` {
		t.Fatalf("rebind = %s", got)
	}
	lite := &DB{Driver: "sqlite3"}
	if got := lite.Rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
}
