package repo

import (
	"context"
	"database/sql"
	"fmt"

	"escrowline/internal/domain"
)

// InsertPayout records a payout instruction in the same transaction as the
// event that caused it.
func (r Repo) InsertPayout(ctx context.Context, tx *sql.Tx, p domain.PayoutInstruction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payouts(id,job_id,milestone_id,beneficiary,amount,currency,reason,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.JobID, p.MilestoneID, p.Beneficiary, p.Amount, p.Currency, p.Reason, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

// PayoutsForJob returns the instructions emitted for a job in order.
func (r Repo) PayoutsForJob(ctx context.Context, jobID int64) ([]domain.PayoutInstruction, error) {
	return r.queryPayouts(ctx, `SELECT seq,id,job_id,milestone_id,beneficiary,amount,currency,reason,created_at FROM payouts WHERE job_id=? ORDER BY seq`, jobID)
}

// PayoutsAfter returns up to limit instructions with seq greater than
// cursor, oldest first. The settlement dispatcher drains with this.
func (r Repo) PayoutsAfter(ctx context.Context, cursor int64, limit int) ([]domain.PayoutInstruction, error) {
	return r.queryPayouts(ctx, `SELECT seq,id,job_id,milestone_id,beneficiary,amount,currency,reason,created_at FROM payouts WHERE seq>? ORDER BY seq LIMIT ?`, cursor, limit)
}

func (r Repo) queryPayouts(ctx context.Context, query string, args ...any) ([]domain.PayoutInstruction, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	defer rows.Close()
	var out []domain.PayoutInstruction
	for rows.Next() {
		var p domain.PayoutInstruction
		if err := rows.Scan(&p.Seq, &p.ID, &p.JobID, &p.MilestoneID, &p.Beneficiary, &p.Amount, &p.Currency, &p.Reason, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SettlementCursor returns the last delivered payout seq for a hook, zero
// if the hook has never delivered.
func (r Repo) SettlementCursor(ctx context.Context, hook string) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_seq FROM settlement_cursors WHERE hook=?`, hook).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("settlement cursor %s: %w", hook, err)
	}
	return seq, nil
}

// SetSettlementCursor advances a hook's cursor.
func (r Repo) SetSettlementCursor(ctx context.Context, hook string, seq int64, ts string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO settlement_cursors(hook,last_seq,updated_at) VALUES (?,?,?)
		ON CONFLICT(hook) DO UPDATE SET last_seq=excluded.last_seq, updated_at=excluded.updated_at`, hook, seq, ts)
	if err != nil {
		return fmt.Errorf("set settlement cursor %s: %w", hook, err)
	}
	return nil
}
