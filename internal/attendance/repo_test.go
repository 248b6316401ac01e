package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"eventlog/internal/store"
	"eventlog/internal/window"
)

func openRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := store.NewDB(context.Background(), "sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db)
}

func TestUpsertIsIdempotentPerSlot(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	key := Key{EventDateID: 42, StudentIDNumber: 19015236}

	if err := repo.Upsert(ctx, key, window.MorningIn); err != nil {
		t.Fatal(err)
	}
	if err := repo.Upsert(ctx, key, window.MorningIn); !errors.Is(err, ErrAlreadyLogged) {
		t.Fatalf("second upsert err = %v, want ErrAlreadyLogged", err)
	}
	rec, ok, err := repo.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if !rec.AMIn || rec.AMOut || rec.PMIn || rec.PMOut {
		t.Fatalf("flags = %+v", rec)
	}
}

func TestUpsertAddsDistinctSlots(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	key := Key{EventDateID: 1, StudentIDNumber: 7}

	for _, slot := range []window.Slot{window.AfternoonOut, window.MorningIn, window.AfternoonIn} {
		if err := repo.Upsert(ctx, key, slot); err != nil {
			t.Fatalf("%s: %v", slot, err)
		}
	}
	rec, _, _ := repo.Get(ctx, key)
	if !rec.AMIn || rec.AMOut || !rec.PMIn || !rec.PMOut {
		t.Fatalf("flags = %+v", rec)
	}

	pending, err := repo.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("one row per pair, got %d", len(pending))
	}
}

func TestIsAlreadyLogged(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	key := Key{EventDateID: 5, StudentIDNumber: 9}

	logged, err := repo.IsAlreadyLogged(ctx, key, window.MorningOut)
	if err != nil || logged {
		t.Fatalf("missing row: %v %v", logged, err)
	}
	_ = repo.Upsert(ctx, key, window.MorningOut)
	if logged, _ := repo.IsAlreadyLogged(ctx, key, window.MorningOut); !logged {
		t.Fatal("expected logged")
	}
	if logged, _ := repo.IsAlreadyLogged(ctx, key, window.AfternoonIn); logged {
		t.Fatal("other slot must not be logged")
	}
}

func TestConcurrentUpsertSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	key := Key{EventDateID: 42, StudentIDNumber: 19015236}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, dup int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Upsert(ctx, key, window.MorningIn)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyLogged):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || dup != 19 {
		t.Fatalf("ok = %d, dup = %d", ok, dup)
	}
}

func TestDeleteSyncedKeepsChangedRows(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	a := Key{EventDateID: 1, StudentIDNumber: 100}
	b := Key{EventDateID: 1, StudentIDNumber: 200}
	_ = repo.Upsert(ctx, a, window.MorningIn)
	_ = repo.Upsert(ctx, b, window.MorningIn)

	snapshot, _ := repo.Pending(ctx)

	// scans that land between upload and cleanup
	_ = repo.Upsert(ctx, b, window.MorningOut)
	c := Key{EventDateID: 2, StudentIDNumber: 300}
	_ = repo.Upsert(ctx, c, window.AfternoonIn)

	n, err := repo.DeleteSynced(ctx, snapshot)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	left, _ := repo.Pending(ctx)
	if len(left) != 2 || left[0].Key != b || left[1].Key != c {
		t.Fatalf("left = %+v", left)
	}
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	_ = repo.Upsert(ctx, Key{EventDateID: 1, StudentIDNumber: 1}, window.MorningIn)
	_ = repo.Upsert(ctx, Key{EventDateID: 1, StudentIDNumber: 2}, window.MorningIn)

	if err := repo.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	if left, _ := repo.Pending(ctx); len(left) != 0 {
		t.Fatalf("left = %d rows", len(left))
	}
}
