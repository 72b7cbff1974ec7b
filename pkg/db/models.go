package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DiaryRow is one persisted diary event; Payload holds the JSON body.
type DiaryRow struct {
	ID         int64
	Kind       string
	Asset      string
	Payload    string
	InstanceID string
	CreatedAt  time.Time
}

// ProposalRow mirrors a trade proposal for the audit trail.
type ProposalRow struct {
	ID             string
	Asset          string
	Action         string
	Confidence     float64
	Size           float64
	Allocation     float64
	EntryPrice     float64
	TPPrice        sql.NullFloat64
	SLPrice        sql.NullFloat64
	Status         string
	Rationale      string
	ExitPlan       string
	ExecutionPrice sql.NullFloat64
	ExecutionError string
	CreatedAt      time.Time
}

// FillRow is a simulated-exchange fill kept for history queries.
type FillRow struct {
	OID      string
	Asset    string
	Side     string
	Price    float64
	Size     float64
	Fee      float64
	FilledAt time.Time
}

// ProposalUpsertQuery is shared by the batch writer and UpsertProposal.
const ProposalUpsertQuery = `
	INSERT INTO proposals (id, asset, action, confidence, size, allocation, entry_price, tp_price, sl_price,
		status, rationale, exit_plan, execution_price, execution_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		execution_price = excluded.execution_price,
		execution_error = excluded.execution_error,
		updated_at = CURRENT_TIMESTAMP
`

// FillInsertQuery ignores duplicates so replays after restart are harmless.
const FillInsertQuery = `
	INSERT OR IGNORE INTO fills (oid, asset, side, price, size, fee, filled_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
`

// Args returns the positional arguments for ProposalUpsertQuery.
func (p ProposalRow) Args() []any {
	return []any{
		p.ID, p.Asset, p.Action, p.Confidence, p.Size, p.Allocation, p.EntryPrice, p.TPPrice, p.SLPrice,
		p.Status, p.Rationale, p.ExitPlan, p.ExecutionPrice, p.ExecutionError, p.CreatedAt,
	}
}

// Args returns the positional arguments for FillInsertQuery.
func (f FillRow) Args() []any {
	return []any{f.OID, f.Asset, f.Side, f.Price, f.Size, f.Fee, f.FilledAt}
}

// InsertDiaryEntry appends a diary row and returns its id.
func (d *Database) InsertDiaryEntry(ctx context.Context, r DiaryRow) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO diary_entries (kind, asset, payload, instance_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.Kind, r.Asset, r.Payload, r.InstanceID, r.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert diary entry: %w", err)
	}
	return res.LastInsertId()
}

// RecentDiaryEntries returns the newest limit rows in chronological order.
func (d *Database) RecentDiaryEntries(ctx context.Context, limit int) ([]DiaryRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, kind, COALESCE(asset, ''), payload, COALESCE(instance_id, ''), created_at
		FROM (
			SELECT * FROM diary_entries ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query diary: %w", err)
	}
	defer rows.Close()

	var out []DiaryRow
	for rows.Next() {
		var r DiaryRow
		if err := rows.Scan(&r.ID, &r.Kind, &r.Asset, &r.Payload, &r.InstanceID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan diary: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertProposal writes a proposal row synchronously.
func (d *Database) UpsertProposal(ctx context.Context, p ProposalRow) error {
	_, err := d.DB.ExecContext(ctx, ProposalUpsertQuery, p.Args()...)
	return err
}

// ListProposals returns proposals, optionally filtered by status, newest first.
func (d *Database) ListProposals(ctx context.Context, status string) ([]ProposalRow, error) {
	query := `
		SELECT id, asset, action, confidence, size, allocation, entry_price, tp_price, sl_price,
			status, COALESCE(rationale, ''), COALESCE(exit_plan, ''), execution_price, COALESCE(execution_error, ''), created_at
		FROM proposals`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()

	var out []ProposalRow
	for rows.Next() {
		var p ProposalRow
		if err := rows.Scan(&p.ID, &p.Asset, &p.Action, &p.Confidence, &p.Size, &p.Allocation, &p.EntryPrice,
			&p.TPPrice, &p.SLPrice, &p.Status, &p.Rationale, &p.ExitPlan, &p.ExecutionPrice, &p.ExecutionError, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListFills returns the newest fills, newest first.
func (d *Database) ListFills(ctx context.Context, limit int) ([]FillRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT oid, asset, side, price, size, fee, filled_at
		FROM fills ORDER BY filled_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []FillRow
	for rows.Next() {
		var f FillRow
		if err := rows.Scan(&f.OID, &f.Asset, &f.Side, &f.Price, &f.Size, &f.Fee, &f.FilledAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
