package engine

import (
	"encoding/json"
	"fmt"

	"escrowline/internal/domain"
)

// JobState is the state derived from a job's audit log. It exists only as
// the result of a fold; nothing in the system mutates it outside Apply.
type JobState struct {
	JobID        int64
	State        string
	WorkerID     string
	Rate         int64
	FundedAmount int64
	PaidOut      int64
	Order        []int64
	Milestones   map[int64]*MilestoneState
}

type MilestoneState struct {
	ID              int64
	Amount          int64
	State           string
	DeliverableHash string
	Outcome         string
	DeliveredAt     string
}

// eventPayload is the union of the payload fields the fold reads. Events
// are validated before append, so a decode failure here means the log was
// tampered with.
type eventPayload struct {
	Schedule []struct {
		ID     int64 `json:"id"`
		Amount int64 `json:"amount"`
	} `json:"schedule,omitempty"`
	Amount          int64  `json:"amount,omitempty"`
	Worker          string `json:"worker,omitempty"`
	Rate            int64  `json:"rate,omitempty"`
	MilestoneID     int64  `json:"milestone_id,omitempty"`
	DeliverableHash string `json:"deliverable_hash,omitempty"`
	Outcome         string `json:"outcome,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Replay folds an ordered event log into the job's current state. This is
// the single authoritative derivation: the engine's guards, the snapshot
// reads and the audit bundle builder all go through it.
func Replay(jobID int64, evts []domain.AuditEvent) (*JobState, error) {
	st := &JobState{JobID: jobID, Milestones: map[int64]*MilestoneState{}}
	for _, ev := range evts {
		if err := st.Apply(ev); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Apply advances the state by one event. Folding a prefix and applying the
// next event is equivalent to folding the longer log.
func (s *JobState) Apply(ev domain.AuditEvent) error {
	var p eventPayload
	if ev.Payload != "" {
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			return fmt.Errorf("event %d/%d payload: %w", ev.JobID, ev.Seq, err)
		}
	}
	switch ev.Kind {
	case domain.EventJobCreated:
		s.State = domain.JobDraft
	case domain.EventMilestonesAttached:
		for _, m := range p.Schedule {
			s.Order = append(s.Order, m.ID)
			s.Milestones[m.ID] = &MilestoneState{ID: m.ID, Amount: m.Amount, State: domain.MilestonePending}
		}
	case domain.EventFundingRequested:
		s.State = domain.JobFundingPending
	case domain.EventFundingConfirmed:
		s.FundedAmount += p.Amount
		s.State = domain.JobActive
	case domain.EventOfferAccepted:
		s.WorkerID = p.Worker
		s.Rate = p.Rate
	case domain.EventJobCancelled:
		s.State = domain.JobCancelled
	case domain.EventMilestoneDelivered:
		ms, err := s.milestone(ev, p.MilestoneID)
		if err != nil {
			return err
		}
		ms.State = domain.MilestoneDelivered
		ms.DeliverableHash = p.DeliverableHash
		ms.DeliveredAt = ev.TS
	case domain.EventMilestoneReleased:
		ms, err := s.milestone(ev, p.MilestoneID)
		if err != nil {
			return err
		}
		ms.State = domain.MilestoneReleased
		s.PaidOut += ms.Amount
		s.finishIfSettled()
	case domain.EventMilestoneDisputed:
		ms, err := s.milestone(ev, p.MilestoneID)
		if err != nil {
			return err
		}
		ms.State = domain.MilestoneDisputed
	case domain.EventMilestoneResolved, domain.EventMilestoneExpired:
		ms, err := s.milestone(ev, p.MilestoneID)
		if err != nil {
			return err
		}
		ms.State = domain.MilestoneResolved
		ms.Outcome = p.Outcome
		s.PaidOut += ms.Amount
		s.finishIfSettled()
	default:
		return fmt.Errorf("event %d/%d: unknown kind %q", ev.JobID, ev.Seq, ev.Kind)
	}
	return nil
}

func (s *JobState) milestone(ev domain.AuditEvent, id int64) (*MilestoneState, error) {
	ms, ok := s.Milestones[id]
	if !ok {
		return nil, fmt.Errorf("event %d/%d references unknown milestone %d", ev.JobID, ev.Seq, id)
	}
	return ms, nil
}

// finishIfSettled moves an active job to completed once every milestone has
// reached a terminal outcome.
func (s *JobState) finishIfSettled() {
	if s.State != domain.JobActive || len(s.Order) == 0 {
		return
	}
	for _, id := range s.Order {
		if !domain.TerminalMilestone(s.Milestones[id].State) {
			return
		}
	}
	s.State = domain.JobCompleted
}

// MilestonesAttached reports whether a schedule has been recorded.
func (s *JobState) MilestonesAttached() bool {
	return len(s.Order) > 0
}

// Snapshot merges the folded state into the immutable job record.
func (s *JobState) Snapshot(job domain.Job) domain.Job {
	job.State = s.State
	job.FundedAmount = s.FundedAmount
	if s.WorkerID != "" {
		w := s.WorkerID
		job.WorkerID = &w
	}
	job.Milestones = make([]domain.Milestone, 0, len(s.Order))
	for _, id := range s.Order {
		ms := s.Milestones[id]
		job.Milestones = append(job.Milestones, domain.Milestone{
			ID:              ms.ID,
			JobID:           job.ID,
			Amount:          ms.Amount,
			State:           ms.State,
			DeliverableHash: ms.DeliverableHash,
			Outcome:         ms.Outcome,
			DeliveredAt:     ms.DeliveredAt,
		})
	}
	return job
}
