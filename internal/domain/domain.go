package domain

// Job states.
const (
	JobDraft          = "draft"
	JobFundingPending = "funding_pending"
	JobActive         = "active"
	JobCompleted      = "completed"
	JobCancelled      = "cancelled"
)

// Milestone states.
const (
	MilestonePending   = "pending"
	MilestoneDelivered = "delivered"
	MilestoneReleased  = "released"
	MilestoneDisputed  = "disputed"
	MilestoneResolved  = "resolved"
)

// Resolution outcomes for a disputed or expired milestone.
const (
	OutcomeFavorWorker = "favor_worker"
	OutcomeFavorClient = "favor_client"
	OutcomeSplit       = "split"
)

// Audit event kinds. The per-job event log is append-only and current state
// is always a fold over it.
const (
	EventJobCreated         = "job.created"
	EventMilestonesAttached = "job.milestones_attached"
	EventFundingRequested   = "job.funding_requested"
	EventFundingConfirmed   = "job.funding_confirmed"
	EventOfferAccepted      = "job.offer_accepted"
	EventJobCancelled       = "job.cancelled"
	EventMilestoneDelivered = "milestone.delivered"
	EventMilestoneReleased  = "milestone.released"
	EventMilestoneDisputed  = "milestone.disputed"
	EventMilestoneResolved  = "milestone.resolved"
	EventMilestoneExpired   = "milestone.expired"
)

// Payout reasons.
const (
	PayoutRelease = "release"
	PayoutResolve = "resolve"
	PayoutRefund  = "refund"
	PayoutExpiry  = "expiry"
)

// Job carries the immutable terms plus, when populated by a fold, the
// derived state. Budget and amounts are integers in the smallest currency
// unit. Deadline is a unix timestamp in seconds.
type Job struct {
	ID           int64       `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Category     string      `json:"category"`
	Currency     string      `json:"currency"`
	Budget       int64       `json:"budget"`
	Deadline     int64       `json:"deadline"`
	ClientID     string      `json:"client_id"`
	WorkerID     *string     `json:"worker_id,omitempty"`
	State        string      `json:"state" enum:"draft,funding_pending,active,completed,cancelled"`
	FundedAmount int64       `json:"funded_amount"`
	Milestones   []Milestone `json:"milestones,omitempty"`
	CreatedAt    string      `json:"created_at" format:"date-time"`
}

// Milestone ids are unique within their job and assigned by the client when
// the schedule is attached. Insertion order is payout order.
type Milestone struct {
	ID              int64  `json:"id"`
	JobID           int64  `json:"job_id"`
	Amount          int64  `json:"amount"`
	State           string `json:"state" enum:"pending,delivered,released,disputed,resolved"`
	DeliverableHash string `json:"deliverable_hash,omitempty"`
	Outcome         string `json:"outcome,omitempty" enum:"favor_worker,favor_client,split"`
	DeliveredAt     string `json:"delivered_at,omitempty" format:"date-time"`
}

// AuditEvent rows are never mutated or deleted. Seq is strictly increasing
// per job. AttestationHash references the attestation that authorized the
// transition; automatic transitions carry none.
type AuditEvent struct {
	ID              int64   `json:"id"`
	JobID           int64   `json:"job_id"`
	Seq             int64   `json:"seq"`
	TS              string  `json:"ts" format:"date-time"`
	Kind            string  `json:"kind"`
	ActorID         string  `json:"actor_id"`
	AttestationHash *string `json:"attestation_hash,omitempty"`
	Payload         string  `json:"payload_json"`
}

// PayoutInstruction is the engine's output to the settlement collaborator.
// The engine records instructions; it never moves funds itself.
type PayoutInstruction struct {
	Seq         int64  `json:"seq"`
	ID          string `json:"id"`
	JobID       int64  `json:"job_id"`
	MilestoneID int64  `json:"milestone_id"`
	Beneficiary string `json:"beneficiary"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// TerminalMilestone reports whether the state is one no further transition
// can leave.
func TerminalMilestone(state string) bool {
	return state == MilestoneReleased || state == MilestoneResolved
}

// TerminalJob reports whether the job state is terminal.
func TerminalJob(state string) bool {
	return state == JobCompleted || state == JobCancelled
}

// ValidOutcome reports whether s names a resolution outcome.
func ValidOutcome(s string) bool {
	switch s {
	case OutcomeFavorWorker, OutcomeFavorClient, OutcomeSplit:
		return true
	}
	return false
}
