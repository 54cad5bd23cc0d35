package server

import (
	"encoding/hex"
	"fmt"
	"strings"

	"escrowline/internal/domain"
)

type CreateJobRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	Currency    string `json:"currency"`
	Budget      int64  `json:"budget"`
	Deadline    int64  `json:"deadline"`
	Signature   string `json:"signature"`
}

type CreateJobResponse struct {
	ID int64 `json:"id"`
}

type AttachMilestonesRequest struct {
	Schedule []MilestoneItem `json:"schedule"`
}

type MilestoneItem struct {
	ID     int64 `json:"id"`
	Amount int64 `json:"amount"`
}

type ConfirmFundingRequest struct {
	Amount int64 `json:"amount"`
}

type CancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AcceptOfferRequest struct {
	Worker    string `json:"worker"`
	Rate      int64  `json:"rate"`
	Signature string `json:"signature"`
}

type DeliverMilestoneRequest struct {
	DeliverableHash string `json:"deliverable_hash"`
	Signature       string `json:"signature"`
}

type ReleaseMilestoneRequest struct {
	Signature string `json:"signature"`
}

type ResolveMilestoneRequest struct {
	Outcome   string `json:"outcome" enum:"favor_worker,favor_client,split"`
	Signature string `json:"signature"`
}

type JobResponse struct {
	domain.Job
}

type AuditBundleResponse struct {
	Job        domain.Job          `json:"job"`
	Milestones []domain.Milestone  `json:"milestones"`
	Events     []domain.AuditEvent `json:"events"`
	Hash       string              `json:"hash"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{Job: j}
}

// parseSignature decodes a 0x-hex compact signature from a request body.
func parseSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, fmt.Errorf("signature missing 0x prefix")
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex")
	}
	return raw, nil
}
