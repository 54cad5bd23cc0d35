// Package audit assembles the exportable, independently verifiable record
// of a job: its full ordered event list plus the state that falls out of
// folding it. The builder reuses the engine's fold, so a bundle can never
// disagree with live state.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/repo"
)

type Builder struct {
	Repo repo.Repo
}

// Bundle is deterministic: identical event histories produce byte-identical
// Encode output, so two exports of the same job can be compared directly.
type Bundle struct {
	Job        domain.Job          `json:"job"`
	Milestones []domain.Milestone  `json:"milestones"`
	Events     []domain.AuditEvent `json:"events"`
}

// Build folds the job's complete event history into a bundle.
func (b Builder) Build(ctx context.Context, jobID int64) (*Bundle, error) {
	job, err := b.Repo.GetJob(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	evts, err := b.Repo.EventsForJob(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	st, err := engine.Replay(jobID, evts)
	if err != nil {
		return nil, err
	}
	snapshot := st.Snapshot(job)
	milestones := snapshot.Milestones
	snapshot.Milestones = nil
	if evts == nil {
		evts = []domain.AuditEvent{}
	}
	if milestones == nil {
		milestones = []domain.Milestone{}
	}
	return &Bundle{Job: snapshot, Milestones: milestones, Events: evts}, nil
}

// Encode renders the canonical bundle bytes. Field order is fixed by the
// struct definitions and event payloads are embedded verbatim as stored, so
// the output is stable across processes.
func (b *Bundle) Encode() ([]byte, error) {
	return json.Marshal(b)
}

// Hash returns the sha256 of Encode, the bundle's verification reference.
func (b *Bundle) Hash() (string, error) {
	raw, err := b.Encode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
