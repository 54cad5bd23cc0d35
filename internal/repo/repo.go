package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"escrowline/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Repo is the read side over the escrow tables. Job terms, milestone
// schedules and events are immutable once written; derived state never
// lives here, it is always folded from events by the caller.
type Repo struct {
	DB *sql.DB
}

// Querier is satisfied by *sql.DB and *sql.Tx so fold inputs can be read
// either standalone or inside the transaction that is about to append.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertJob writes the immutable job terms and returns the assigned id.
func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO jobs(title,description,category,currency,budget,deadline,client_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		j.Title, j.Description, j.Category, j.Currency, j.Budget, j.Deadline, j.ClientID, j.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return res.LastInsertId()
}

// GetJob loads immutable job terms. State fields are left zero; callers
// fold events to populate them.
func (r Repo) GetJob(ctx context.Context, q Querier, id int64) (domain.Job, error) {
	if q == nil {
		q = r.DB
	}
	var j domain.Job
	err := q.QueryRowContext(ctx, `SELECT id,title,description,category,currency,budget,deadline,client_id,created_at FROM jobs WHERE id=?`, id).
		Scan(&j.ID, &j.Title, &j.Description, &j.Category, &j.Currency, &j.Budget, &j.Deadline, &j.ClientID, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// ListJobIDs returns all job ids in creation order.
func (r Repo) ListJobIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertMilestones writes the immutable schedule rows for a job.
func (r Repo) InsertMilestones(ctx context.Context, tx *sql.Tx, jobID int64, ms []domain.Milestone) error {
	for _, m := range ms {
		if _, err := tx.ExecContext(ctx, `INSERT INTO milestones(job_id,id,amount) VALUES (?,?,?)`, jobID, m.ID, m.Amount); err != nil {
			return fmt.Errorf("insert milestone %d/%d: %w", jobID, m.ID, err)
		}
	}
	return nil
}

// MilestonesForJob returns the schedule rows in payout order.
func (r Repo) MilestonesForJob(ctx context.Context, q Querier, jobID int64) ([]domain.Milestone, error) {
	if q == nil {
		q = r.DB
	}
	rows, err := q.QueryContext(ctx, `SELECT job_id,id,amount FROM milestones WHERE job_id=? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("milestones for job %d: %w", jobID, err)
	}
	defer rows.Close()
	var out []domain.Milestone
	for rows.Next() {
		var m domain.Milestone
		if err := rows.Scan(&m.JobID, &m.ID, &m.Amount); err != nil {
			return nil, err
		}
		m.State = domain.MilestonePending
		out = append(out, m)
	}
	return out, rows.Err()
}

// EventsForJob returns the complete ordered audit log for a job.
func (r Repo) EventsForJob(ctx context.Context, q Querier, jobID int64) ([]domain.AuditEvent, error) {
	if q == nil {
		q = r.DB
	}
	rows, err := q.QueryContext(ctx, `SELECT id,job_id,seq,ts,kind,actor_id,attestation_hash,payload_json FROM events WHERE job_id=? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("events for job %d: %w", jobID, err)
	}
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (domain.AuditEvent, error) {
	var ev domain.AuditEvent
	var att sql.NullString
	if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Seq, &ev.TS, &ev.Kind, &ev.ActorID, &att, &ev.Payload); err != nil {
		return domain.AuditEvent{}, err
	}
	if att.Valid {
		ev.AttestationHash = &att.String
	}
	return ev, nil
}
