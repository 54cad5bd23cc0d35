package escrowlinesdk

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"escrowline/internal/attest"
	"escrowline/internal/typeddata"
)

// SigningDomain identifies the deployment a signature is bound to. All
// three values must match the server's signing config or verification
// fails.
type SigningDomain struct {
	Name    string
	Version string
	ChainID int64
}

func (d SigningDomain) domain() typeddata.Domain {
	return typeddata.Domain{Name: d.Name, Version: d.Version, ChainID: d.ChainID}
}

// ParseKey decodes a 0x-hex secp256k1 private key as emitted by the wallet
// endpoint and the key command.
func ParseKey(s string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// KeyAddress returns the 0x-hex address derived from a private key.
func KeyAddress(key *secp256k1.PrivateKey) string {
	return attest.Address(key)
}

// SignJobTerms fills req.Signature with the client's attestation over the
// job terms.
func (d SigningDomain) SignJobTerms(key *secp256k1.PrivateKey, req *CreateJobRequest) error {
	digest, err := d.domain().Digest(typeddata.JobTerms, typeddata.Values{
		"title":       req.Title,
		"description": req.Description,
		"currency":    req.Currency,
		"budget":      req.Budget,
		"deadline":    req.Deadline,
	})
	if err != nil {
		return err
	}
	req.Signature = sigHex(attest.Sign(digest, key))
	return nil
}

// SignOffer returns the worker's attestation over an offer, committing to
// the job's currently attached milestone schedule.
func (d SigningDomain) SignOffer(key *secp256k1.PrivateKey, jobID, rate int64, schedule []MilestoneItem) (string, error) {
	digest, err := d.domain().Digest(typeddata.Offer, typeddata.Values{
		"jobId":      jobID,
		"worker":     attest.Address(key),
		"rate":       rate,
		"milestones": ScheduleDigest(schedule),
	})
	if err != nil {
		return "", err
	}
	return sigHex(attest.Sign(digest, key)), nil
}

// SignMilestoneReceipt returns an attestation over one milestone's
// deliverable. Workers sign it to deliver; clients and arbiters sign the
// same receipt to release or resolve.
func (d SigningDomain) SignMilestoneReceipt(key *secp256k1.PrivateKey, jobID, milestoneID int64, deliverableHash string) (string, error) {
	digest, err := d.domain().Digest(typeddata.MilestoneReceipt, typeddata.Values{
		"jobId":           jobID,
		"milestoneId":     milestoneID,
		"deliverableHash": deliverableHash,
	})
	if err != nil {
		return "", err
	}
	return sigHex(attest.Sign(digest, key)), nil
}

// ScheduleDigest computes the schedule commitment an offer signs over.
func ScheduleDigest(schedule []MilestoneItem) string {
	ids := make([]int64, len(schedule))
	amounts := make([]int64, len(schedule))
	for i, m := range schedule {
		ids[i] = m.ID
		amounts[i] = m.Amount
	}
	return typeddata.FormatHash(typeddata.MilestoneScheduleDigest(ids, amounts))
}

func sigHex(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}
