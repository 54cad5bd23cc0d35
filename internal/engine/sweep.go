package engine

import (
	"context"
	"database/sql"
	"log"
	"time"

	"escrowline/internal/domain"
	"escrowline/internal/events"
)

// ExpireDeadlines applies every due time-based transition and reports how
// many events it appended. Safe to run repeatedly: each transition is
// guarded by the fold, so a second run past the same deadline appends
// nothing.
//
// Two rules, in order per job:
//   - a delivered, undisputed milestone whose grace period has elapsed is
//     auto-released to the worker;
//   - once the job deadline has passed, remaining pending or delivered
//     milestones take the configured default outcome, and unfunded jobs
//     are cancelled. Disputed milestones stay put for their arbiter.
func (e *Engine) ExpireDeadlines(ctx context.Context) (int, error) {
	ids, err := e.Repo.ListJobIDs(ctx)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, id := range ids {
		n, err := e.expireJob(ctx, id)
		if err != nil {
			return applied, err
		}
		applied += n
	}
	return applied, nil
}

func (e *Engine) expireJob(ctx context.Context, jobID int64) (int, error) {
	applied := 0
	err := e.withJob(ctx, jobID, func(tx *sql.Tx, job domain.Job, st *JobState) error {
		now := e.Now()
		expired := now.Unix() > job.Deadline

		if st.State == domain.JobDraft || st.State == domain.JobFundingPending {
			if !expired {
				return nil
			}
			_, err := e.Events.Append(ctx, tx, jobID, domain.EventJobCancelled, SystemActor, "", events.EventPayload{"reason": "deadline expired before funding"})
			if err != nil {
				return err
			}
			applied++
			return nil
		}
		if st.State != domain.JobActive {
			return nil
		}

		grace := e.Config.GraceDuration()
		released := map[int64]bool{}
		for _, msID := range st.Order {
			ms := st.Milestones[msID]
			if ms.State != domain.MilestoneDelivered {
				continue
			}
			deadline, err := graceDeadline(ms.DeliveredAt, grace)
			if err != nil {
				return err
			}
			if now.Before(deadline) {
				continue
			}
			if err := e.releaseTx(ctx, tx, job, st, msID, SystemActor, ""); err != nil {
				return err
			}
			released[msID] = true
			applied++
		}
		if !expired {
			return nil
		}

		outcome := e.Config.ExpiryOutcome()
		for _, msID := range st.Order {
			ms := st.Milestones[msID]
			if released[msID] {
				continue
			}
			if ms.State != domain.MilestonePending && ms.State != domain.MilestoneDelivered {
				continue
			}
			_, err := e.Events.Append(ctx, tx, jobID, domain.EventMilestoneExpired, SystemActor, "", events.EventPayload{
				"milestone_id": msID,
				"outcome":      outcome,
			})
			if err != nil {
				return err
			}
			if err := e.payoutForOutcome(ctx, tx, job, st, ms, outcome, domain.PayoutExpiry); err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// RunSweeper ticks ExpireDeadlines until the context ends.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration, logger *log.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := e.ExpireDeadlines(ctx)
			if err != nil {
				if logger != nil {
					logger.Printf("deadline sweep: %v", err)
				}
				continue
			}
			if n > 0 && logger != nil {
				logger.Printf("deadline sweep applied %d transitions", n)
			}
		}
	}
}
