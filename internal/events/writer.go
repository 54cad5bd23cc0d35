package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends audit events inside the caller's transaction. The per-job
// sequence is assigned in the same transaction as the guard check that
// authorized the transition, so an event is either fully appended and
// visible to the next fold or not appended at all.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event for jobID and returns its sequence number.
// attestationHash is empty for automatic transitions.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, jobID int64, kind, actorID, attestationHash string, payload EventPayload) (int64, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM events WHERE job_id=?`, jobID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next event seq: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(job_id,seq,ts,kind,actor_id,attestation_hash,payload_json) VALUES (?,?,?,?,?,?,?)`,
		jobID, seq, ts, kind, actorID, nullable(attestationHash), string(data))
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
