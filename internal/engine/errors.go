package engine

import "fmt"

// PolicyRejectedError means the job category is disallowed under the
// caller's compliance mode. Not retryable without changing input.
type PolicyRejectedError struct {
	Category string
}

func (e *PolicyRejectedError) Error() string {
	return fmt.Sprintf("category %q is not permitted under the compliance policy", e.Category)
}

// InvalidAttestationError means a signature or schema did not check out.
// The same payload will never verify on retry.
type InvalidAttestationError struct {
	Schema string
	Reason string
}

func (e *InvalidAttestationError) Error() string {
	if e.Schema == "" {
		return fmt.Sprintf("invalid attestation: %s", e.Reason)
	}
	return fmt.Sprintf("invalid %s attestation: %s", e.Schema, e.Reason)
}

// InvalidStateError means the requested transition is not legal from the
// current state. Current carries the actual state so the caller can
// resynchronize.
type InvalidStateError struct {
	JobID       int64
	MilestoneID int64
	Current     string
	Action      string
}

func (e *InvalidStateError) Error() string {
	if e.MilestoneID != 0 {
		return fmt.Sprintf("cannot %s milestone %d of job %d in state %q", e.Action, e.MilestoneID, e.JobID, e.Current)
	}
	return fmt.Sprintf("cannot %s job %d in state %q", e.Action, e.JobID, e.Current)
}

// InvalidScheduleError means a milestone schedule or terms input violates an
// invariant.
type InvalidScheduleError struct {
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule: %s", e.Reason)
}

// AmountMismatchError means a funding confirmation did not match the budget.
// Full pre-funding is required.
type AmountMismatchError struct {
	Expected int64
	Got      int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("funding amount %d does not match budget %d", e.Got, e.Expected)
}
