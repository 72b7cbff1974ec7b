package db

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
	ok, err := columnExists(database.DB, "diary_entries", "instance_id")
	if err != nil || !ok {
		t.Fatalf("instance_id column missing (err=%v)", err)
	}
}

func TestRecentDiaryEntries(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, kind := range []string{"trade", "hold", "reconcile", "hold"} {
		_, err := database.InsertDiaryEntry(ctx, DiaryRow{
			Kind:      kind,
			Asset:     "BTC",
			Payload:   `{"n":` + string(rune('0'+i)) + `}`,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("InsertDiaryEntry: %v", err)
		}
	}

	t.Run("returns the newest rows oldest first", func(t *testing.T) {
		rows, err := database.RecentDiaryEntries(ctx, 2)
		if err != nil {
			t.Fatalf("RecentDiaryEntries: %v", err)
		}
		if len(rows) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(rows))
		}
		if rows[0].Kind != "reconcile" || rows[1].Kind != "hold" {
			t.Fatalf("unexpected order: %s, %s", rows[0].Kind, rows[1].Kind)
		}
	})

	t.Run("limit larger than table", func(t *testing.T) {
		rows, err := database.RecentDiaryEntries(ctx, 50)
		if err != nil {
			t.Fatalf("RecentDiaryEntries: %v", err)
		}
		if len(rows) != 4 {
			t.Fatalf("expected 4 rows, got %d", len(rows))
		}
	})
}

func TestProposalUpsertKeepsIdentity(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	row := ProposalRow{
		ID:         "p-1",
		Asset:      "ETH",
		Action:     "buy",
		Confidence: 70,
		Size:       0.5,
		Allocation: 1700,
		EntryPrice: 3400,
		TPPrice:    sql.NullFloat64{Float64: 3600, Valid: true},
		Status:     "pending",
		CreatedAt:  time.Now().UTC(),
	}
	if err := database.UpsertProposal(ctx, row); err != nil {
		t.Fatalf("UpsertProposal: %v", err)
	}

	row.Status = "executed"
	row.ExecutionPrice = sql.NullFloat64{Float64: 3410, Valid: true}
	if err := database.UpsertProposal(ctx, row); err != nil {
		t.Fatalf("UpsertProposal update: %v", err)
	}

	all, err := database.ListProposals(ctx, "")
	if err != nil {
		t.Fatalf("ListProposals: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single row, got %d", len(all))
	}
	if all[0].Status != "executed" || all[0].ExecutionPrice.Float64 != 3410 {
		t.Fatalf("unexpected row: %+v", all[0])
	}
	if all[0].SLPrice.Valid {
		t.Fatalf("sl price should stay NULL")
	}

	pending, err := database.ListProposals(ctx, "pending")
	if err != nil {
		t.Fatalf("ListProposals pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending proposals, got %d", len(pending))
	}
}

func TestFillInsertIgnoresDuplicates(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	f := FillRow{OID: "paper_1_1700000000", Asset: "BTC", Side: "B", Price: 50500, Size: 0.1, Fee: 1.01, FilledAt: time.Now().UTC()}

	for i := 0; i < 2; i++ {
		if _, err := database.DB.ExecContext(ctx, FillInsertQuery, f.Args()...); err != nil {
			t.Fatalf("insert fill: %v", err)
		}
	}
	fills, err := database.ListFills(ctx, 10)
	if err != nil {
		t.Fatalf("ListFills: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
}
