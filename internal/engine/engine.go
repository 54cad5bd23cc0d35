// Package engine owns the job and milestone state machines. Every
// state-changing operation verifies its attestation outside the per-job
// lock, then holds the lock only for the guard-check-and-append step. The
// append and the fold that guards it share one SQLite transaction, so no
// reader ever observes a state without its event.
package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowline/internal/attest"
	"escrowline/internal/config"
	"escrowline/internal/domain"
	"escrowline/internal/events"
	"escrowline/internal/policy"
	"escrowline/internal/repo"
	"escrowline/internal/typeddata"
)

// SystemActor is recorded on deadline-driven automatic transitions.
const SystemActor = "system"

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Verifier attest.Verifier
	Policy   policy.Gate
	Config   *config.Config
	Now      func() time.Time

	mu       sync.Mutex
	jobLocks map[int64]*jobLock
}

// jobLock is a per-job mutex with a count of holders and waiters. Entries
// leave the map once the count hits zero, keeping it bounded by in-flight
// operations rather than by every job id ever touched.
type jobLock struct {
	mu   sync.Mutex
	refs int
}

func New(dbConn *sql.DB, cfg *config.Config) *Engine {
	now := time.Now
	prohibited := cfg.Policy.ProhibitedCategories
	if len(prohibited) == 0 {
		prohibited = policy.DefaultProhibited
	}
	return &Engine{
		DB:       dbConn,
		Repo:     repo.Repo{DB: dbConn},
		Events:   events.Writer{DB: dbConn, Now: now},
		Verifier: attest.Verifier{Domain: cfg.Domain()},
		Policy:   policy.New(prohibited),
		Config:   cfg,
		Now:      now,
		jobLocks: map[int64]*jobLock{},
	}
}

// SetNow injects a clock for tests and keeps the event writer in step.
func (e *Engine) SetNow(now func() time.Time) {
	e.Now = now
	e.Events.Now = now
}

func (e *Engine) lockJob(id int64) func() {
	e.mu.Lock()
	l, ok := e.jobLocks[id]
	if !ok {
		l = &jobLock{}
		e.jobLocks[id] = l
	}
	l.refs++
	e.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.jobLocks, id)
		}
		e.mu.Unlock()
	}
}

// withJob runs fn under the job's lock inside a transaction, with the
// current state folded from the log. fn appends events through the shared
// transaction; any error rolls everything back.
func (e *Engine) withJob(ctx context.Context, jobID int64, fn func(tx *sql.Tx, job domain.Job, st *JobState) error) error {
	unlock := e.lockJob(jobID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	job, err := e.Repo.GetJob(ctx, tx, jobID)
	if err != nil {
		return err
	}
	evts, err := e.Repo.EventsForJob(ctx, tx, jobID)
	if err != nil {
		return err
	}
	st, err := Replay(jobID, evts)
	if err != nil {
		return err
	}
	if err := fn(tx, job, st); err != nil {
		return err
	}
	return tx.Commit()
}

type CreateJobInput struct {
	Title          string
	Description    string
	Category       string
	Currency       string
	Budget         int64
	Deadline       int64
	ClientID       string
	Signature      []byte
	ComplianceMode bool
}

// CreateJob gates the category, verifies the client's signed terms and
// creates the job in draft. No event is appended on any failure.
func (e *Engine) CreateJob(ctx context.Context, in CreateJobInput) (int64, error) {
	if !e.Policy.IsCategoryAllowed(in.Category, in.ComplianceMode) {
		return 0, &PolicyRejectedError{Category: in.Category}
	}
	if in.Budget <= 0 {
		return 0, &InvalidScheduleError{Reason: "budget must be positive"}
	}
	if in.Deadline <= e.Now().Unix() {
		return 0, &InvalidScheduleError{Reason: "deadline must be in the future"}
	}
	values := typeddata.Values{
		"title":       in.Title,
		"description": in.Description,
		"currency":    in.Currency,
		"budget":      in.Budget,
		"deadline":    in.Deadline,
	}
	attHash, ok := e.Verifier.VerifyAttestation(typeddata.JobTerms, values, in.Signature, in.ClientID)
	if !ok {
		return 0, &InvalidAttestationError{Schema: typeddata.JobTerms.Name, Reason: "signature does not match client identity"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	job := domain.Job{
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Currency:    in.Currency,
		Budget:      in.Budget,
		Deadline:    in.Deadline,
		ClientID:    in.ClientID,
		CreatedAt:   e.Now().UTC().Format(time.RFC3339),
	}
	id, err := e.Repo.InsertJob(ctx, tx, job)
	if err != nil {
		return 0, err
	}
	_, err = e.Events.Append(ctx, tx, id, domain.EventJobCreated, in.ClientID, typeddata.FormatHash(attHash), events.EventPayload{
		"category": in.Category,
		"budget":   in.Budget,
		"deadline": in.Deadline,
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

type MilestoneInput struct {
	ID     int64 `json:"id"`
	Amount int64 `json:"amount"`
}

// AttachMilestones records the payout schedule. Allowed once, in draft.
func (e *Engine) AttachMilestones(ctx context.Context, jobID int64, schedule []MilestoneInput, actor string) error {
	if len(schedule) == 0 {
		return &InvalidScheduleError{Reason: "schedule is empty"}
	}
	seen := map[int64]bool{}
	var total int64
	for _, m := range schedule {
		if m.ID <= 0 {
			return &InvalidScheduleError{Reason: "milestone ids must be positive"}
		}
		if seen[m.ID] {
			return &InvalidScheduleError{Reason: "milestone ids must be unique"}
		}
		seen[m.ID] = true
		if m.Amount <= 0 {
			return &InvalidScheduleError{Reason: "milestone amounts must be positive"}
		}
		total += m.Amount
	}
	return e.withJob(ctx, jobID, func(tx *sql.Tx, job domain.Job, st *JobState) error {
		if st.State != domain.JobDraft {
			return &InvalidStateError{JobID: jobID, Current: st.State, Action: "attach milestones to"}
		}
		if st.MilestonesAttached() {
			return &InvalidStateError{JobID: jobID, Current: st.State, Action: "re-attach milestones to"}
		}
		if total > job.Budget {
			return &InvalidScheduleError{Reason: "milestone amounts exceed budget"}
		}
		ms := make([]domain.Milestone, 0, len(schedule))
		payload := make([]map[string]any, 0, len(schedule))
		for _, m := range schedule {
			ms = append(ms, domain.Milestone{JobID: jobID, ID: m.ID, Amount: m.Amount})
			payload = append(payload, map[string]any{"id": m.ID, "amount": m.Amount})
		}
		if err := e.Repo.InsertMilestones(ctx, tx, jobID, ms); err != nil {
			return err
		}
		_, err := e.Events.Append(ctx, tx, jobID, domain.EventMilestonesAttached, actor, "", events.EventPayload{"schedule": payload})
		return err
	})
}

// RequestFunding moves a draft job with an attached schedule to
// funding_pending. Terms are frozen from here on.
func (e *Engine) RequestFunding(ctx context.Context, jobID int64, actor string) error {
	return e.withJob(ctx, jobID, func(tx *sql.Tx, job domain.Job, st *JobState) error {
		if st.State != domain.JobDraft || !st.MilestonesAttached() {
			return &InvalidStateError{JobID: jobID, Current: st.State, Action: "request funding for"}
		}
		_, err := e.Events.Append(ctx, tx, jobID, domain.EventFundingRequested, actor, "", nil)
		return err
	})
}

// ConfirmFunding consumes the settlement collaborator's confirmation. Full
// pre-funding is required: the amount must equal the budget exactly.
func (e *Engine) ConfirmFunding(ctx context.Context, jobID, amount int64, actor string) error {
	return e.withJob(ctx, jobID, func(tx *sql.Tx, job domain.Job, st *JobState) error {
		if st.State != domain.JobFundingPending {
			return &InvalidStateError{JobID: jobID, Current: st.State, Action: "confirm funding for"}
		}
		if amount != job.Budget {
			return &AmountMismatchError{Expected: job.Budget, Got: amount}
		}
		_, err := e.Events.Append(ctx, tx, jobID, domain.EventFundingConfirmed, actor, "", events.EventPayload{"amount": amount})
		return err
	})
}

// CancelJob is only legal before any funds are confirmed.
func (e *Engine) CancelJob(ctx context.Context, jobID int64, actor, reason string) error {
	return e.withJob(ctx, jobID, func(tx *sql.Tx, job domain.Job, st *JobState) error {
		if st.State != domain.JobDraft && st.State != domain.JobFundingPending {
			return &InvalidStateError{JobID: jobID, Current: st.State, Action: "cancel"}
		}
		_, err := e.Events.Append(ctx, tx, jobID, domain.EventJobCancelled, actor, "", events.EventPayload{"reason": reason})
		return err
	})
}

type AcceptOfferInput struct {
	JobID     int64
	Worker    string
	Rate      int64
	Signature []byte
}

// AcceptOffer engages a worker. The offer signature commits to the exact
// milestone schedule, so it is only accepted after the schedule exists and
// the commitment is re-checked under the lock.
func (e *Engine) AcceptOffer(ctx context.Context, in AcceptOfferInput) error {
	if _, err := e.Repo.GetJob(ctx, nil, in.JobID); err != nil {
		return err
	}
	schedule, err := e.Repo.MilestonesForJob(ctx, nil, in.JobID)
	if err != nil {
		return err
	}
	scheduleDigest := milestoneScheduleDigest(schedule)
	values := typeddata.Values{
		"jobId":      in.JobID,
		"worker":     in.Worker,
		"rate":       in.Rate,
		"milestones": scheduleDigest,
	}
	attHash, ok := e.Verifier.VerifyAttestation(typeddata.Offer, values, in.Signature, in.Worker)
	if !ok {
		return &InvalidAttestationError{Schema: typeddata.Offer.Name, Reason: "signature does not match worker identity"}
	}
	return e.withJob(ctx, in.JobID, func(tx *sql.Tx, job domain.Job, st *JobState) error {
		if domain.TerminalJob(st.State) {
			return &InvalidStateError{JobID: in.JobID, Current: st.State, Action: "accept an offer on"}
		}
		if st.WorkerID != "" {
			return &InvalidStateError{JobID: in.JobID, Current: st.State, Action: "replace the worker on"}
		}
		if !st.MilestonesAttached() {
			return &InvalidStateError{JobID: in.JobID, Current: st.State, Action: "accept an offer without a schedule on"}
		}
		current, err := e.Repo.MilestonesForJob(ctx, tx, in.JobID)
		if err != nil {
			return err
		}
		if scheduleDigest != milestoneScheduleDigest(current) {
			return &InvalidAttestationError{Schema: typeddata.Offer.Name, Reason: "offer does not commit to the current schedule"}
		}
		_, err = e.Events.Append(ctx, tx, in.JobID, domain.EventOfferAccepted, in.Worker, typeddata.FormatHash(attHash), events.EventPayload{
			"worker": in.Worker,
			"rate":   in.Rate,
		})
		return err
	})
}

type DeliverInput struct {
	JobID           int64
	MilestoneID     int64
	DeliverableHash string
	Signature       []byte
}

// DeliverMilestone records the worker's signed receipt for a pending
// milestone of an active job.
func (e *Engine) DeliverMilestone(ctx context.Context, in DeliverInput) error {
	if h, err := typeddata.ParseHash(in.DeliverableHash); err != nil || h == [32]byte{} {
		return &InvalidAttestationError{Schema: typeddata.MilestoneReceipt.Name, Reason: "deliverable hash must be a non-zero digest"}
	}
	_, pre, err := e.foldJob(ctx, in.JobID)
	if err != nil {
		return err
	}
	worker := pre.WorkerID
	if worker == "" {
		return &InvalidStateError{JobID: in.JobID, Current: pre.State, Action: "deliver without an engaged worker on"}
	}
	attHash, ok := e.verifyReceipt(in.JobID, in.MilestoneID, in.DeliverableHash, in.Signature, worker)
	if !ok {
		return &InvalidAttestationError{Schema: typeddata.MilestoneReceipt.Name, Reason: "signature does not match worker identity"}
	}
	return e.withJob(ctx, in.JobID, func(tx *sql.Tx, job domain.Job, st *JobState) error {
		if st.State != domain.JobActive {
			return &InvalidStateError{JobID: in.JobID, Current: st.State, Action: "deliver a milestone on"}
		}
		ms, ok := st.Milestones[in.MilestoneID]
		if !ok {
			return repo.ErrNotFound
		}
		if ms.State != domain.MilestonePending {
			return &InvalidStateError{JobID: in.JobID, MilestoneID: in.MilestoneID, Current: ms.State, Action: "deliver"}
		}
		_, err := e.Events.Append(ctx, tx, in.JobID, domain.EventMilestoneDelivered, worker, typeddata.FormatHash(attHash), events.EventPayload{
			"milestone_id":     in.MilestoneID,
			"deliverable_hash": in.DeliverableHash,
		})
		return err
	})
}

type ReleaseInput struct {
	JobID       int64
	MilestoneID int64
	Signature   []byte
}

// ReleaseMilestone releases a delivered milestone on the client's signed
// approval over the delivered receipt and records the payout instruction in
// the same transaction. Funds movement is the settlement collaborator's
// job.
func (e *Engine) ReleaseMilestone(ctx context.Context, in ReleaseInput) error {
	job, st, err := e.foldJob(ctx, in.JobID)
	if err != nil {
		return err
	}
	ms, ok := st.Milestones[in.MilestoneID]
	if !ok {
		return repo.ErrNotFound
	}
	if ms.State != domain.MilestoneDelivered {
		return &InvalidStateError{JobID: in.JobID, MilestoneID: in.MilestoneID, Current: ms.State, Action: "release"}
	}
	attHash, ok := e.verifyReceipt(in.JobID, in.MilestoneID, ms.DeliverableHash, in.Signature, job.ClientID)
	if !ok {
		return &InvalidAttestationError{Schema: typeddata.MilestoneReceipt.Name, Reason: "signature does not match client identity"}
	}
	return e.withJob(ctx, in.JobID, func(tx *sql.Tx, job domain.Job, st *JobState) error {
		return e.releaseTx(ctx, tx, job, st, in.MilestoneID, job.ClientID, typeddata.FormatHash(attHash))
	})
}

// releaseTx appends the release event and its payout instruction. Shared by
// the client-approved path and the grace-period auto-release.
func (e *Engine) releaseTx(ctx context.Context, tx *sql.Tx, job domain.Job, st *JobState, milestoneID int64, actor, attHash string) error {
	ms, ok := st.Milestones[milestoneID]
	if !ok {
		return repo.ErrNotFound
	}
	if ms.State != domain.MilestoneDelivered {
		return &InvalidStateError{JobID: job.ID, MilestoneID: milestoneID, Current: ms.State, Action: "release"}
	}
	_, err := e.Events.Append(ctx, tx, job.ID, domain.EventMilestoneReleased, actor, attHash, events.EventPayload{
		"milestone_id": milestoneID,
		"amount":       ms.Amount,
		"beneficiary":  st.WorkerID,
	})
	if err != nil {
		return err
	}
	return e.recordPayout(ctx, tx, job, milestoneID, st.WorkerID, ms.Amount, domain.PayoutRelease)
}

// DisputeMilestone freezes a delivered milestone. Either party may raise it
// within the grace period; after release there is nothing left to dispute.
func (e *Engine) DisputeMilestone(ctx context.Context, jobID, milestoneID int64, actor string) error {
	return e.withJob(ctx, jobID, func(tx *sql.Tx, job domain.Job, st *JobState) error {
		ms, ok := st.Milestones[milestoneID]
		if !ok {
			return repo.ErrNotFound
		}
		if ms.State != domain.MilestoneDelivered {
			return &InvalidStateError{JobID: jobID, MilestoneID: milestoneID, Current: ms.State, Action: "dispute"}
		}
		if actor != job.ClientID && actor != st.WorkerID {
			return &InvalidStateError{JobID: jobID, MilestoneID: milestoneID, Current: ms.State, Action: "dispute as a non-party"}
		}
		deadline, err := graceDeadline(ms.DeliveredAt, e.Config.GraceDuration())
		if err != nil {
			return err
		}
		if e.Now().After(deadline) {
			return &InvalidStateError{JobID: jobID, MilestoneID: milestoneID, Current: ms.State, Action: "dispute after the grace period on"}
		}
		_, err = e.Events.Append(ctx, tx, jobID, domain.EventMilestoneDisputed, actor, "", events.EventPayload{"milestone_id": milestoneID})
		return err
	})
}

type ResolveInput struct {
	JobID       int64
	MilestoneID int64
	Outcome     string
	Arbiter     string
	Signature   []byte
}

// ResolveMilestone settles a disputed milestone on an authorized arbiter's
// signed receipt, emitting payout instructions per the outcome.
func (e *Engine) ResolveMilestone(ctx context.Context, in ResolveInput) error {
	if !domain.ValidOutcome(in.Outcome) {
		return &InvalidScheduleError{Reason: "unknown resolution outcome " + in.Outcome}
	}
	if !e.Config.IsArbiter(in.Arbiter) {
		return &InvalidAttestationError{Schema: typeddata.MilestoneReceipt.Name, Reason: "identity is not an authorized arbiter"}
	}
	_, st, err := e.foldJob(ctx, in.JobID)
	if err != nil {
		return err
	}
	ms, ok := st.Milestones[in.MilestoneID]
	if !ok {
		return repo.ErrNotFound
	}
	if ms.State != domain.MilestoneDisputed {
		return &InvalidStateError{JobID: in.JobID, MilestoneID: in.MilestoneID, Current: ms.State, Action: "resolve"}
	}
	attHash, ok := e.verifyReceipt(in.JobID, in.MilestoneID, ms.DeliverableHash, in.Signature, in.Arbiter)
	if !ok {
		return &InvalidAttestationError{Schema: typeddata.MilestoneReceipt.Name, Reason: "signature does not match arbiter identity"}
	}
	return e.withJob(ctx, in.JobID, func(tx *sql.Tx, job domain.Job, st *JobState) error {
		ms, ok := st.Milestones[in.MilestoneID]
		if !ok {
			return repo.ErrNotFound
		}
		if ms.State != domain.MilestoneDisputed {
			return &InvalidStateError{JobID: in.JobID, MilestoneID: in.MilestoneID, Current: ms.State, Action: "resolve"}
		}
		_, err := e.Events.Append(ctx, tx, in.JobID, domain.EventMilestoneResolved, in.Arbiter, typeddata.FormatHash(attHash), events.EventPayload{
			"milestone_id": in.MilestoneID,
			"outcome":      in.Outcome,
		})
		if err != nil {
			return err
		}
		return e.payoutForOutcome(ctx, tx, job, st, ms, in.Outcome, domain.PayoutResolve)
	})
}

// payoutForOutcome records the instructions a terminal outcome implies. A
// split favors the worker by the odd unit's remainder going to the client.
func (e *Engine) payoutForOutcome(ctx context.Context, tx *sql.Tx, job domain.Job, st *JobState, ms *MilestoneState, outcome, reason string) error {
	switch outcome {
	case domain.OutcomeFavorWorker:
		return e.recordPayout(ctx, tx, job, ms.ID, st.WorkerID, ms.Amount, reason)
	case domain.OutcomeFavorClient:
		return e.recordPayout(ctx, tx, job, ms.ID, job.ClientID, ms.Amount, domain.PayoutRefund)
	case domain.OutcomeSplit:
		workerShare := ms.Amount / 2
		if err := e.recordPayout(ctx, tx, job, ms.ID, st.WorkerID, workerShare, reason); err != nil {
			return err
		}
		return e.recordPayout(ctx, tx, job, ms.ID, job.ClientID, ms.Amount-workerShare, domain.PayoutRefund)
	}
	return &InvalidScheduleError{Reason: "unknown resolution outcome " + outcome}
}

func (e *Engine) recordPayout(ctx context.Context, tx *sql.Tx, job domain.Job, milestoneID int64, beneficiary string, amount int64, reason string) error {
	if beneficiary == "" || amount == 0 {
		return nil
	}
	return e.Repo.InsertPayout(ctx, tx, domain.PayoutInstruction{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		MilestoneID: milestoneID,
		Beneficiary: beneficiary,
		Amount:      amount,
		Currency:    job.Currency,
		Reason:      reason,
		CreatedAt:   e.Now().UTC().Format(time.RFC3339),
	})
}

// Job returns the immutable terms merged with the folded current state.
func (e *Engine) Job(ctx context.Context, jobID int64) (domain.Job, error) {
	job, st, err := e.foldJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	return st.Snapshot(job), nil
}

// ListJobs folds every job. Fine at coordinator scale; jobs are few and
// logs are short.
func (e *Engine) ListJobs(ctx context.Context) ([]domain.Job, error) {
	ids, err := e.Repo.ListJobIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := e.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// foldJob reads terms and log in one read transaction and folds, without
// taking the job lock.
func (e *Engine) foldJob(ctx context.Context, jobID int64) (domain.Job, *JobState, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Job{}, nil, err
	}
	defer tx.Rollback()
	job, err := e.Repo.GetJob(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, nil, err
	}
	evts, err := e.Repo.EventsForJob(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, nil, err
	}
	st, err := Replay(jobID, evts)
	if err != nil {
		return domain.Job{}, nil, err
	}
	return job, st, nil
}

func (e *Engine) verifyReceipt(jobID, milestoneID int64, deliverableHash string, sig []byte, identity string) ([32]byte, bool) {
	values := typeddata.Values{
		"jobId":           jobID,
		"milestoneId":     milestoneID,
		"deliverableHash": deliverableHash,
	}
	return e.Verifier.VerifyAttestation(typeddata.MilestoneReceipt, values, sig, identity)
}

func milestoneScheduleDigest(ms []domain.Milestone) string {
	ids := make([]int64, len(ms))
	amounts := make([]int64, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
		amounts[i] = m.Amount
	}
	return typeddata.FormatHash(typeddata.MilestoneScheduleDigest(ids, amounts))
}

func graceDeadline(deliveredAt string, grace time.Duration) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, deliveredAt)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(grace), nil
}
