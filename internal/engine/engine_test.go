package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"escrowline/internal/attest"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/migrate"
	"escrowline/internal/repo"
	"escrowline/internal/typeddata"
)

type testEnv struct {
	t       *testing.T
	e       *Engine
	cfg     *config.Config
	clock   time.Time
	client  *secp256k1.PrivateKey
	worker  *secp256k1.PrivateKey
	arbiter *secp256k1.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	client := mustKey(t)
	worker := mustKey(t)
	arbiter := mustKey(t)

	cfg := config.Default("escrowline-test")
	cfg.Arbiters = []string{attest.Address(arbiter)}
	cfg.Escrow.GracePeriod = "72h"

	env := &testEnv{
		t:       t,
		cfg:     cfg,
		clock:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		client:  client,
		worker:  worker,
		arbiter: arbiter,
	}
	env.e = New(conn, cfg)
	env.e.SetNow(func() time.Time { return env.clock })
	return env
}

func mustKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	key, err := attest.NewKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func (env *testEnv) advance(d time.Duration) {
	env.clock = env.clock.Add(d)
}

func (env *testEnv) sign(schema typeddata.Schema, values typeddata.Values, key *secp256k1.PrivateKey) []byte {
	env.t.Helper()
	digest, err := env.cfg.Domain().Digest(schema, values)
	if err != nil {
		env.t.Fatalf("digest %s: %v", schema.Name, err)
	}
	return attest.Sign(digest, key)
}

const testCurrency = "0x00000000000000000000000000000000000000aa"

func (env *testEnv) jobInput(budget int64) CreateJobInput {
	in := CreateJobInput{
		Title:          "refactor billing",
		Description:    "split the invoicing pipeline",
		Category:       "software",
		Currency:       testCurrency,
		Budget:         budget,
		Deadline:       env.clock.Add(30 * 24 * time.Hour).Unix(),
		ClientID:       attest.Address(env.client),
		ComplianceMode: true,
	}
	in.Signature = env.sign(typeddata.JobTerms, typeddata.Values{
		"title":       in.Title,
		"description": in.Description,
		"currency":    in.Currency,
		"budget":      in.Budget,
		"deadline":    in.Deadline,
	}, env.client)
	return in
}

func (env *testEnv) createJob(budget int64) int64 {
	env.t.Helper()
	id, err := env.e.CreateJob(context.Background(), env.jobInput(budget))
	if err != nil {
		env.t.Fatalf("create job: %v", err)
	}
	return id
}

func (env *testEnv) attach(jobID int64, schedule []MilestoneInput) {
	env.t.Helper()
	if err := env.e.AttachMilestones(context.Background(), jobID, schedule, attest.Address(env.client)); err != nil {
		env.t.Fatalf("attach milestones: %v", err)
	}
}

func (env *testEnv) fund(jobID, amount int64) {
	env.t.Helper()
	ctx := context.Background()
	if err := env.e.RequestFunding(ctx, jobID, attest.Address(env.client)); err != nil {
		env.t.Fatalf("request funding: %v", err)
	}
	if err := env.e.ConfirmFunding(ctx, jobID, amount, SystemActor); err != nil {
		env.t.Fatalf("confirm funding: %v", err)
	}
}

func (env *testEnv) acceptOffer(jobID, rate int64) {
	env.t.Helper()
	ms, err := env.e.Repo.MilestonesForJob(context.Background(), nil, jobID)
	if err != nil {
		env.t.Fatalf("load schedule: %v", err)
	}
	worker := attest.Address(env.worker)
	sig := env.sign(typeddata.Offer, typeddata.Values{
		"jobId":      jobID,
		"worker":     worker,
		"rate":       rate,
		"milestones": milestoneScheduleDigest(ms),
	}, env.worker)
	err = env.e.AcceptOffer(context.Background(), AcceptOfferInput{JobID: jobID, Worker: worker, Rate: rate, Signature: sig})
	if err != nil {
		env.t.Fatalf("accept offer: %v", err)
	}
}

func (env *testEnv) deliverableHash(milestoneID int64) string {
	return typeddata.FormatHash(typeddata.Keccak256([]byte{byte(milestoneID)}))
}

func (env *testEnv) receiptSig(jobID, milestoneID int64, hash string, key *secp256k1.PrivateKey) []byte {
	env.t.Helper()
	return env.sign(typeddata.MilestoneReceipt, typeddata.Values{
		"jobId":           jobID,
		"milestoneId":     milestoneID,
		"deliverableHash": hash,
	}, key)
}

func (env *testEnv) deliver(jobID, milestoneID int64) string {
	env.t.Helper()
	hash := env.deliverableHash(milestoneID)
	err := env.e.DeliverMilestone(context.Background(), DeliverInput{
		JobID:           jobID,
		MilestoneID:     milestoneID,
		DeliverableHash: hash,
		Signature:       env.receiptSig(jobID, milestoneID, hash, env.worker),
	})
	if err != nil {
		env.t.Fatalf("deliver milestone %d: %v", milestoneID, err)
	}
	return hash
}

func (env *testEnv) release(jobID, milestoneID int64, hash string) {
	env.t.Helper()
	err := env.e.ReleaseMilestone(context.Background(), ReleaseInput{
		JobID:       jobID,
		MilestoneID: milestoneID,
		Signature:   env.receiptSig(jobID, milestoneID, hash, env.client),
	})
	if err != nil {
		env.t.Fatalf("release milestone %d: %v", milestoneID, err)
	}
}

func TestFullEscrowLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 600}, {ID: 2, Amount: 400}})
	env.fund(jobID, 1000)
	env.acceptOffer(jobID, 500)

	h1 := env.deliver(jobID, 1)
	env.release(jobID, 1, h1)
	h2 := env.deliver(jobID, 2)
	env.release(jobID, 2, h2)

	job, err := env.e.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.State != "completed" {
		t.Fatalf("job state = %q, want completed", job.State)
	}
	if job.FundedAmount != 1000 {
		t.Fatalf("funded amount = %d, want 1000", job.FundedAmount)
	}
	if job.WorkerID == nil || *job.WorkerID != attest.Address(env.worker) {
		t.Fatalf("worker = %v, want %s", job.WorkerID, attest.Address(env.worker))
	}

	payouts, err := env.e.Repo.PayoutsForJob(ctx, jobID)
	if err != nil {
		t.Fatalf("payouts: %v", err)
	}
	if len(payouts) != 2 {
		t.Fatalf("payouts = %d, want 2", len(payouts))
	}
	var total int64
	for _, p := range payouts {
		if p.Beneficiary != attest.Address(env.worker) {
			t.Fatalf("payout beneficiary = %s, want worker", p.Beneficiary)
		}
		if p.Reason != "release" {
			t.Fatalf("payout reason = %s, want release", p.Reason)
		}
		total += p.Amount
	}
	if total != 1000 {
		t.Fatalf("total paid = %d, want 1000", total)
	}
}

func TestCreateJobPolicyRejection(t *testing.T) {
	env := newTestEnv(t)
	in := env.jobInput(1000)
	in.Category = "gambling"

	_, err := env.e.CreateJob(context.Background(), in)
	var policyErr *PolicyRejectedError
	if !errors.As(err, &policyErr) {
		t.Fatalf("err = %v, want PolicyRejectedError", err)
	}
	if policyErr.Category != "gambling" {
		t.Fatalf("rejected category = %q", policyErr.Category)
	}

	jobs, err := env.e.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("rejected job was persisted: %d jobs", len(jobs))
	}
}

func TestCreateJobComplianceOff(t *testing.T) {
	env := newTestEnv(t)
	in := env.jobInput(1000)
	in.Category = "gambling"
	in.ComplianceMode = false
	in.Signature = env.sign(typeddata.JobTerms, typeddata.Values{
		"title":       in.Title,
		"description": in.Description,
		"currency":    in.Currency,
		"budget":      in.Budget,
		"deadline":    in.Deadline,
	}, env.client)

	if _, err := env.e.CreateJob(context.Background(), in); err != nil {
		t.Fatalf("create with compliance off: %v", err)
	}
}

func TestCreateJobBadSignature(t *testing.T) {
	env := newTestEnv(t)
	in := env.jobInput(1000)
	in.Budget = 999 // signed over 1000

	_, err := env.e.CreateJob(context.Background(), in)
	var attErr *InvalidAttestationError
	if !errors.As(err, &attErr) {
		t.Fatalf("err = %v, want InvalidAttestationError", err)
	}
}

func TestAttachMilestonesGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	client := attest.Address(env.client)
	jobID := env.createJob(1000)

	cases := []struct {
		name     string
		schedule []MilestoneInput
	}{
		{"empty", nil},
		{"duplicate ids", []MilestoneInput{{ID: 1, Amount: 100}, {ID: 1, Amount: 100}}},
		{"zero amount", []MilestoneInput{{ID: 1, Amount: 0}}},
		{"negative id", []MilestoneInput{{ID: -1, Amount: 100}}},
		{"over budget", []MilestoneInput{{ID: 1, Amount: 700}, {ID: 2, Amount: 400}}},
	}
	for _, tc := range cases {
		err := env.e.AttachMilestones(ctx, jobID, tc.schedule, client)
		var schedErr *InvalidScheduleError
		if !errors.As(err, &schedErr) {
			t.Fatalf("%s: err = %v, want InvalidScheduleError", tc.name, err)
		}
	}

	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 1000}})
	err := env.e.AttachMilestones(ctx, jobID, []MilestoneInput{{ID: 2, Amount: 100}}, client)
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("re-attach: err = %v, want InvalidStateError", err)
	}
}

func TestConfirmFundingAmountMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 1000}})
	if err := env.e.RequestFunding(ctx, jobID, attest.Address(env.client)); err != nil {
		t.Fatalf("request funding: %v", err)
	}

	err := env.e.ConfirmFunding(ctx, jobID, 500, SystemActor)
	var amountErr *AmountMismatchError
	if !errors.As(err, &amountErr) {
		t.Fatalf("err = %v, want AmountMismatchError", err)
	}
	if amountErr.Expected != 1000 || amountErr.Got != 500 {
		t.Fatalf("mismatch = %d/%d", amountErr.Expected, amountErr.Got)
	}
}

func TestCancelAfterFundingRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 1000}})
	env.fund(jobID, 1000)

	err := env.e.CancelJob(ctx, jobID, attest.Address(env.client), "changed my mind")
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
	if stateErr.Current != "active" {
		t.Fatalf("current state = %q, want active", stateErr.Current)
	}
}

func TestAcceptOfferScheduleCommitment(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 600}, {ID: 2, Amount: 400}})

	// Offer signed over a different schedule digest.
	worker := attest.Address(env.worker)
	wrong := typeddata.FormatHash(typeddata.MilestoneScheduleDigest([]int64{1}, []int64{1000}))
	sig := env.sign(typeddata.Offer, typeddata.Values{
		"jobId":      jobID,
		"worker":     worker,
		"rate":       500,
		"milestones": wrong,
	}, env.worker)
	err := env.e.AcceptOffer(context.Background(), AcceptOfferInput{JobID: jobID, Worker: worker, Rate: 500, Signature: sig})
	var attErr *InvalidAttestationError
	if !errors.As(err, &attErr) {
		t.Fatalf("err = %v, want InvalidAttestationError", err)
	}
}

func TestAcceptOfferUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	err := env.e.AcceptOffer(context.Background(), AcceptOfferInput{JobID: 404, Worker: attest.Address(env.worker), Rate: 1, Signature: make([]byte, 65)})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeliverRequiresWorkerReceipt(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 1000}})
	env.fund(jobID, 1000)
	env.acceptOffer(jobID, 500)

	hash := env.deliverableHash(1)
	err := env.e.DeliverMilestone(context.Background(), DeliverInput{
		JobID:           jobID,
		MilestoneID:     1,
		DeliverableHash: hash,
		Signature:       env.receiptSig(jobID, 1, hash, env.client),
	})
	var attErr *InvalidAttestationError
	if !errors.As(err, &attErr) {
		t.Fatalf("err = %v, want InvalidAttestationError", err)
	}
}

func TestDisputeAndResolveSplit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 601}, {ID: 2, Amount: 399}})
	env.fund(jobID, 1000)
	env.acceptOffer(jobID, 500)
	hash := env.deliver(jobID, 1)

	if err := env.e.DisputeMilestone(ctx, jobID, 1, attest.Address(env.client)); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	err := env.e.ResolveMilestone(ctx, ResolveInput{
		JobID:       jobID,
		MilestoneID: 1,
		Outcome:     "split",
		Arbiter:     attest.Address(env.worker),
		Signature:   env.receiptSig(jobID, 1, hash, env.worker),
	})
	var attErr *InvalidAttestationError
	if !errors.As(err, &attErr) {
		t.Fatalf("non-arbiter resolve: err = %v, want InvalidAttestationError", err)
	}

	err = env.e.ResolveMilestone(ctx, ResolveInput{
		JobID:       jobID,
		MilestoneID: 1,
		Outcome:     "split",
		Arbiter:     attest.Address(env.arbiter),
		Signature:   env.receiptSig(jobID, 1, hash, env.arbiter),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	payouts, err := env.e.Repo.PayoutsForJob(ctx, jobID)
	if err != nil {
		t.Fatalf("payouts: %v", err)
	}
	if len(payouts) != 2 {
		t.Fatalf("payouts = %d, want 2", len(payouts))
	}
	if payouts[0].Beneficiary != attest.Address(env.worker) || payouts[0].Amount != 300 {
		t.Fatalf("worker share = %s/%d", payouts[0].Beneficiary, payouts[0].Amount)
	}
	if payouts[1].Beneficiary != attest.Address(env.client) || payouts[1].Amount != 301 {
		t.Fatalf("client remainder = %s/%d", payouts[1].Beneficiary, payouts[1].Amount)
	}
}

func TestResolveUndisputedMilestoneIsStateError(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 1000}})
	env.fund(jobID, 1000)
	env.acceptOffer(jobID, 500)

	err := env.e.ResolveMilestone(context.Background(), ResolveInput{
		JobID:       jobID,
		MilestoneID: 1,
		Outcome:     "favor_worker",
		Arbiter:     attest.Address(env.arbiter),
		Signature:   env.receiptSig(jobID, 1, env.deliverableHash(1), env.arbiter),
	})
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
	if stateErr.Current != "pending" {
		t.Fatalf("current = %q, want pending", stateErr.Current)
	}
}

func TestDisputeAfterReleaseRejected(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 1000}})
	env.fund(jobID, 1000)
	env.acceptOffer(jobID, 500)
	hash := env.deliver(jobID, 1)
	env.release(jobID, 1, hash)

	err := env.e.DisputeMilestone(context.Background(), jobID, 1, attest.Address(env.client))
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
	if stateErr.Current != "released" {
		t.Fatalf("current = %q, want released", stateErr.Current)
	}
}

func TestDisputeOutsideGracePeriod(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 1000}})
	env.fund(jobID, 1000)
	env.acceptOffer(jobID, 500)
	env.deliver(jobID, 1)

	env.advance(73 * time.Hour)
	err := env.e.DisputeMilestone(context.Background(), jobID, 1, attest.Address(env.client))
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
}

func TestDisputeByNonParty(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 1000}})
	env.fund(jobID, 1000)
	env.acceptOffer(jobID, 500)
	env.deliver(jobID, 1)

	err := env.e.DisputeMilestone(context.Background(), jobID, 1, attest.Address(env.arbiter))
	var stateErr *InvalidStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}
}

func TestGracePeriodAutoRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 1000}})
	env.fund(jobID, 1000)
	env.acceptOffer(jobID, 500)
	env.deliver(jobID, 1)

	env.advance(72*time.Hour + time.Minute)
	n, err := env.e.ExpireDeadlines(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("applied = %d, want 1", n)
	}

	job, err := env.e.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.State != "completed" {
		t.Fatalf("job state = %q, want completed", job.State)
	}
	payouts, err := env.e.Repo.PayoutsForJob(ctx, jobID)
	if err != nil {
		t.Fatalf("payouts: %v", err)
	}
	if len(payouts) != 1 || payouts[0].Beneficiary != attest.Address(env.worker) {
		t.Fatalf("auto-release payout = %+v", payouts)
	}

	// Second sweep past the same deadline appends nothing.
	n, err = env.e.ExpireDeadlines(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep applied = %d, want 0", n)
	}
}

func TestDeadlineExpiryDefaultsToClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 600}, {ID: 2, Amount: 400}})
	env.fund(jobID, 1000)
	env.acceptOffer(jobID, 500)

	env.advance(31 * 24 * time.Hour)
	if _, err := env.e.ExpireDeadlines(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	job, err := env.e.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.State != "completed" {
		t.Fatalf("job state = %q, want completed", job.State)
	}
	payouts, err := env.e.Repo.PayoutsForJob(ctx, jobID)
	if err != nil {
		t.Fatalf("payouts: %v", err)
	}
	var refunded int64
	for _, p := range payouts {
		if p.Beneficiary != attest.Address(env.client) {
			t.Fatalf("expiry payout to %s, want client", p.Beneficiary)
		}
		refunded += p.Amount
	}
	if refunded != 1000 {
		t.Fatalf("refunded = %d, want 1000", refunded)
	}
}

func TestDeadlineExpiryCancelsUnfundedJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	jobID := env.createJob(1000)

	env.advance(31 * 24 * time.Hour)
	if _, err := env.e.ExpireDeadlines(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	job, err := env.e.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.State != "cancelled" {
		t.Fatalf("job state = %q, want cancelled", job.State)
	}
}

func TestDeadlineExpirySkipsDisputed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 1000}})
	env.fund(jobID, 1000)
	env.acceptOffer(jobID, 500)
	env.deliver(jobID, 1)
	if err := env.e.DisputeMilestone(ctx, jobID, 1, attest.Address(env.client)); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	env.advance(31 * 24 * time.Hour)
	if _, err := env.e.ExpireDeadlines(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	job, err := env.e.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("load job: %v", err)
	}
	if job.State != "active" {
		t.Fatalf("job state = %q, want active", job.State)
	}
	if job.Milestones[0].State != "disputed" {
		t.Fatalf("milestone state = %q, want disputed", job.Milestones[0].State)
	}
}

func TestReplayPrefixPlusApplyEqualsFullFold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 600}, {ID: 2, Amount: 400}})
	env.fund(jobID, 1000)
	env.acceptOffer(jobID, 500)
	h := env.deliver(jobID, 1)
	env.release(jobID, 1, h)

	evts, err := env.e.Repo.EventsForJob(ctx, nil, jobID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) < 2 {
		t.Fatalf("too few events: %d", len(evts))
	}

	full, err := Replay(jobID, evts)
	if err != nil {
		t.Fatalf("full replay: %v", err)
	}
	incremental, err := Replay(jobID, evts[:len(evts)-1])
	if err != nil {
		t.Fatalf("prefix replay: %v", err)
	}
	if err := incremental.Apply(evts[len(evts)-1]); err != nil {
		t.Fatalf("apply last: %v", err)
	}

	if incremental.State != full.State || incremental.PaidOut != full.PaidOut || incremental.FundedAmount != full.FundedAmount {
		t.Fatalf("incremental fold diverged: %+v vs %+v", incremental, full)
	}
	for id, ms := range full.Milestones {
		got := incremental.Milestones[id]
		if got == nil || *got != *ms {
			t.Fatalf("milestone %d diverged: %+v vs %+v", id, got, ms)
		}
	}
}

func TestEventSeqStrictlyIncreasing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 1000}})
	env.fund(jobID, 1000)

	evts, err := env.e.Repo.EventsForJob(ctx, nil, jobID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	for i, ev := range evts {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d seq = %d", i, ev.Seq)
		}
	}
	if evts[0].AttestationHash == nil {
		t.Fatal("job.created missing attestation hash")
	}
	if evts[1].AttestationHash != nil {
		t.Fatal("milestones_attached should carry no attestation hash")
	}
}

func TestJobLocksDrainAfterOperations(t *testing.T) {
	env := newTestEnv(t)
	jobID := env.createJob(1000)
	env.attach(jobID, []MilestoneInput{{ID: 1, Amount: 1000}})
	env.fund(jobID, 1000)
	env.acceptOffer(jobID, 500)

	env.e.mu.Lock()
	n := len(env.e.jobLocks)
	env.e.mu.Unlock()
	if n != 0 {
		t.Fatalf("jobLocks holds %d entries after all operations returned, want 0", n)
	}
}
