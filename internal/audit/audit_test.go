package audit

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"escrowline/internal/attest"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/migrate"
	"escrowline/internal/repo"
	"escrowline/internal/typeddata"
)

func newTestEngine(t *testing.T) (*engine.Engine, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("escrowline-test"))
	e.SetNow(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	return e, conn
}

// seedJob drives a job through create, attach and funding so the log has
// several event kinds with and without attestation hashes.
func seedJob(t *testing.T, e *engine.Engine) int64 {
	t.Helper()
	ctx := context.Background()
	key, err := attest.NewKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	client := attest.Address(key)
	in := engine.CreateJobInput{
		Title:          "translate docs",
		Category:       "writing",
		Currency:       "0x00000000000000000000000000000000000000aa",
		Budget:         500,
		Deadline:       e.Now().Add(14 * 24 * time.Hour).Unix(),
		ClientID:       client,
		ComplianceMode: true,
	}
	digest, err := e.Config.Domain().Digest(typeddata.JobTerms, typeddata.Values{
		"title":       in.Title,
		"description": in.Description,
		"currency":    in.Currency,
		"budget":      in.Budget,
		"deadline":    in.Deadline,
	})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	in.Signature = attest.Sign(digest, key)
	id, err := e.CreateJob(ctx, in)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := e.AttachMilestones(ctx, id, []engine.MilestoneInput{{ID: 1, Amount: 500}}, client); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := e.RequestFunding(ctx, id, client); err != nil {
		t.Fatalf("request funding: %v", err)
	}
	if err := e.ConfirmFunding(ctx, id, 500, engine.SystemActor); err != nil {
		t.Fatalf("confirm funding: %v", err)
	}
	return id
}

func TestBundleMatchesLiveState(t *testing.T) {
	e, conn := newTestEngine(t)
	jobID := seedJob(t, e)

	builder := Builder{Repo: repo.Repo{DB: conn}}
	bundle, err := builder.Build(context.Background(), jobID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	live, err := e.Job(context.Background(), jobID)
	if err != nil {
		t.Fatalf("live job: %v", err)
	}
	if bundle.Job.State != live.State {
		t.Fatalf("bundle state %q, live state %q", bundle.Job.State, live.State)
	}
	if bundle.Job.FundedAmount != live.FundedAmount {
		t.Fatalf("bundle funded %d, live %d", bundle.Job.FundedAmount, live.FundedAmount)
	}
	if len(bundle.Milestones) != len(live.Milestones) {
		t.Fatalf("bundle milestones %d, live %d", len(bundle.Milestones), len(live.Milestones))
	}
	if len(bundle.Events) != 4 {
		t.Fatalf("events = %d, want 4", len(bundle.Events))
	}
	for i, ev := range bundle.Events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d seq = %d", i, ev.Seq)
		}
	}
}

func TestBundleEncodeDeterministic(t *testing.T) {
	e, conn := newTestEngine(t)
	jobID := seedJob(t, e)
	builder := Builder{Repo: repo.Repo{DB: conn}}

	first, err := builder.Build(context.Background(), jobID)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := builder.Build(context.Background(), jobID)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	a, err := first.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := second.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("identical histories encoded differently")
	}

	ha, err := first.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hb, err := second.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if ha != hb {
		t.Fatalf("hash mismatch: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Fatalf("hash length = %d", len(ha))
	}
}

func TestBuildUnknownJob(t *testing.T) {
	_, conn := newTestEngine(t)
	builder := Builder{Repo: repo.Repo{DB: conn}}
	if _, err := builder.Build(context.Background(), 404); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
