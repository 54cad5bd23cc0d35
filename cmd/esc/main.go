package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"escrowline/internal/app"
	"escrowline/internal/attest"
	"escrowline/internal/audit"
	"escrowline/internal/config"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/server"
	"escrowline/internal/settlement"
	"escrowline/internal/typeddata"
)

var rootCmd = &cobra.Command{
	Use:   "esc",
	Short: "Escrowline CLI",
	Long: `Escrowline coordinates milestone-based hiring escrow.
Clients publish signed job terms, workers accept with signed offers, and
every milestone delivery, release, dispute and resolution is an entry in an
append-only per-job audit log. The engine records payout instructions; an
external settlement service moves the funds.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ESCROWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("key", "", "hex signing key (or ESCROWLINE_KEY)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("key", rootCmd.PersistentFlags().Lookup("key"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(fundingCmd())
	rootCmd.AddCommand(offerCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace with a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := app.SeedConfig(workspace, name); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", config.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "escrowline", "signing domain name")
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage signing keys"}
	key.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Generate a signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := attest.NewKey()
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]string{
				"address":     attest.Address(k),
				"private_key": "0x" + hex.EncodeToString(k.Serialize()),
			})
		},
	})
	return key
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
		Long:  "Jobs move draft -> funding_pending -> active -> completed, or are cancelled before funds arrive. Creation requires the client's signed terms; the signing key is taken from --key.",
	}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobCancelCmd())
	job.AddCommand(jobAttachCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var title, description, category, currency, deadline string
	var budget int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job from signed terms",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := signingKey()
			if err != nil {
				return err
			}
			due, err := parseDeadline(deadline)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sig, err := signValues(a.Config, typeddata.JobTerms, typeddata.Values{
					"title":       title,
					"description": description,
					"currency":    currency,
					"budget":      budget,
					"deadline":    due,
				}, key)
				if err != nil {
					return err
				}
				id, err := a.Engine.CreateJob(ctx, engine.CreateJobInput{
					Title:          title,
					Description:    description,
					Category:       category,
					Currency:       currency,
					Budget:         budget,
					Deadline:       due,
					ClientID:       attest.Address(key),
					Signature:      sig,
					ComplianceMode: a.Config.Policy.ComplianceDefault,
				})
				if err != nil {
					return err
				}
				j, err := a.Engine.Job(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&category, "category", "", "job category")
	cmd.Flags().StringVar(&currency, "currency", "", "settlement currency address")
	cmd.Flags().Int64Var(&budget, "budget", 0, "escrow budget in smallest units")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339 or unix seconds)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("currency")
	_ = cmd.MarkFlagRequired("budget")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func jobListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs with their folded state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				jobs, err := a.Engine.ListJobs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Budget", "Funded", "Worker"})
				for _, j := range jobs {
					worker := ""
					if j.WorkerID != nil {
						worker = *j.WorkerID
					}
					tw.AppendRow(table.Row{j.ID, j.Title, j.State, j.Budget, j.FundedAmount, worker})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				j, err := a.Engine.Job(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func jobCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel an unfunded job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			actor, err := actorIdentity()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.CancelJob(ctx, id, actor, reason); err != nil {
					return err
				}
				j, err := a.Engine.Job(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func jobAttachCmd() *cobra.Command {
	var items []string
	cmd := &cobra.Command{
		Use:   "attach <job-id>",
		Short: "Attach the milestone schedule",
		Long:  "Each --milestone takes id:amount, for example --milestone 1:600 --milestone 2:400. The schedule is attached once, in draft, and its sum may not exceed the budget.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			schedule, err := parseSchedule(items)
			if err != nil {
				return err
			}
			actor, err := actorIdentity()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.AttachMilestones(ctx, id, schedule, actor); err != nil {
					return err
				}
				j, err := a.Engine.Job(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringArrayVar(&items, "milestone", []string{}, "milestone as id:amount (repeatable)")
	_ = cmd.MarkFlagRequired("milestone")
	return cmd
}

func fundingCmd() *cobra.Command {
	funding := &cobra.Command{Use: "funding", Short: "Escrow funding"}
	funding.AddCommand(fundingRequestCmd())
	funding.AddCommand(fundingConfirmCmd())
	return funding
}

func fundingRequestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request <job-id>",
		Short: "Freeze terms and request escrow funding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			actor, err := actorIdentity()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RequestFunding(ctx, id, actor); err != nil {
					return err
				}
				j, err := a.Engine.Job(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func fundingConfirmCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "confirm <job-id>",
		Short: "Record the settlement service's funding confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.ConfirmFunding(ctx, id, amount, engine.SystemActor); err != nil {
					return err
				}
				j, err := a.Engine.Job(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "confirmed amount")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func offerCmd() *cobra.Command {
	offer := &cobra.Command{Use: "offer", Short: "Worker offers"}
	offer.AddCommand(offerAcceptCmd())
	return offer
}

func offerAcceptCmd() *cobra.Command {
	var rate int64
	cmd := &cobra.Command{
		Use:   "accept <job-id>",
		Short: "Accept a job as the worker behind --key",
		Long:  "The offer signature commits to the job's exact milestone schedule, so it is produced against the schedule currently on record.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			key, err := signingKey()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ms, err := a.Engine.Repo.MilestonesForJob(ctx, nil, id)
				if err != nil {
					return err
				}
				worker := attest.Address(key)
				sig, err := signValues(a.Config, typeddata.Offer, typeddata.Values{
					"jobId":      id,
					"worker":     worker,
					"rate":       rate,
					"milestones": scheduleDigest(ms),
				}, key)
				if err != nil {
					return err
				}
				err = a.Engine.AcceptOffer(ctx, engine.AcceptOfferInput{JobID: id, Worker: worker, Rate: rate, Signature: sig})
				if err != nil {
					return err
				}
				j, err := a.Engine.Job(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().Int64Var(&rate, "rate", 0, "agreed rate")
	_ = cmd.MarkFlagRequired("rate")
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{
		Use:   "milestone",
		Short: "Milestone lifecycle",
		Long:  "Milestones move pending -> delivered -> released, or through disputed -> resolved. Delivery and release both carry signed receipts over the deliverable hash.",
	}
	ms.AddCommand(milestoneDeliverCmd())
	ms.AddCommand(milestoneReleaseCmd())
	ms.AddCommand(milestoneDisputeCmd())
	ms.AddCommand(milestoneResolveCmd())
	return ms
}

func milestoneDeliverCmd() *cobra.Command {
	var hash, file string
	cmd := &cobra.Command{
		Use:   "deliver <job-id> <milestone-id>",
		Short: "Deliver a milestone with a signed receipt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, msID, err := parseIDs(args)
			if err != nil {
				return err
			}
			key, err := signingKey()
			if err != nil {
				return err
			}
			if hash == "" && file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				hash = typeddata.FormatHash(typeddata.Keccak256(data))
			}
			if hash == "" {
				return fmt.Errorf("--hash or --file required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sig, err := signValues(a.Config, typeddata.MilestoneReceipt, typeddata.Values{
					"jobId":           jobID,
					"milestoneId":     msID,
					"deliverableHash": hash,
				}, key)
				if err != nil {
					return err
				}
				err = a.Engine.DeliverMilestone(ctx, engine.DeliverInput{
					JobID:           jobID,
					MilestoneID:     msID,
					DeliverableHash: hash,
					Signature:       sig,
				})
				if err != nil {
					return err
				}
				j, err := a.Engine.Job(ctx, jobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "deliverable digest (0x-hex, 32 bytes)")
	cmd.Flags().StringVar(&file, "file", "", "deliverable file to digest")
	return cmd
}

func milestoneReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <job-id> <milestone-id>",
		Short: "Approve a delivered milestone as the client behind --key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, msID, err := parseIDs(args)
			if err != nil {
				return err
			}
			key, err := signingKey()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sig, err := receiptForCurrentDeliverable(ctx, a, jobID, msID, key)
				if err != nil {
					return err
				}
				err = a.Engine.ReleaseMilestone(ctx, engine.ReleaseInput{JobID: jobID, MilestoneID: msID, Signature: sig})
				if err != nil {
					return err
				}
				j, err := a.Engine.Job(ctx, jobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func milestoneDisputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispute <job-id> <milestone-id>",
		Short: "Dispute a delivered milestone within the grace period",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, msID, err := parseIDs(args)
			if err != nil {
				return err
			}
			actor, err := actorIdentity()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DisputeMilestone(ctx, jobID, msID, actor); err != nil {
					return err
				}
				j, err := a.Engine.Job(ctx, jobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func milestoneResolveCmd() *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "resolve <job-id> <milestone-id>",
		Short: "Resolve a disputed milestone as the arbiter behind --key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, msID, err := parseIDs(args)
			if err != nil {
				return err
			}
			key, err := signingKey()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sig, err := receiptForCurrentDeliverable(ctx, a, jobID, msID, key)
				if err != nil {
					return err
				}
				err = a.Engine.ResolveMilestone(ctx, engine.ResolveInput{
					JobID:       jobID,
					MilestoneID: msID,
					Outcome:     outcome,
					Arbiter:     attest.Address(key),
					Signature:   sig,
				})
				if err != nil {
					return err
				}
				j, err := a.Engine.Job(ctx, jobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "favor_worker, favor_client or split")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Audit bundles"}
	a.AddCommand(auditExportCmd())
	return a
}

func auditExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Export a job's verifiable audit bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				builder := audit.Builder{Repo: a.Engine.Repo}
				bundle, err := builder.Build(ctx, id)
				if err != nil {
					return err
				}
				raw, err := bundle.Encode()
				if err != nil {
					return err
				}
				hash, err := bundle.Hash()
				if err != nil {
					return err
				}
				if out != "" {
					if err := os.WriteFile(out, raw, 0o644); err != nil {
						return err
					}
					fmt.Printf("Wrote %s (sha256 %s)\n", out, hash)
					return nil
				}
				fmt.Println(string(raw))
				fmt.Fprintf(os.Stderr, "sha256 %s\n", hash)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the bundle to a file")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Apply due deadline and grace-period transitions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.ExpireDeadlines(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"applied": n})
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweepInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, deadline sweeper and settlement dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()

			secret := a.Config.Server.JWTSecret
			if env := os.Getenv("ESCROWLINE_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("server.jwt_secret (or ESCROWLINE_JWT_SECRET) is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret: secret,
					CodeTTL:   a.Config.AuthCodeTTL(),
					Logger:    log.Default(),
				},
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			dispatcher := settlement.New(a.Engine.Repo, a.Config.Settlement.Webhooks)
			dispatcher.Logger = log.Default()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				fmt.Printf("Serving Escrowline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				err := a.Engine.RunSweeper(ctx, sweepInterval, log.Default())
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			g.Go(func() error {
				err := dispatcher.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.host:port)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Minute, "deadline sweep interval")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func signingKey() (*secp256k1.PrivateKey, error) {
	raw := strings.TrimSpace(viper.GetString("key"))
	if raw == "" {
		return nil, fmt.Errorf("--key (or ESCROWLINE_KEY) is required to sign")
	}
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	data, err := hex.DecodeString(raw)
	if err != nil || len(data) != 32 {
		return nil, fmt.Errorf("key must be 32 hex bytes")
	}
	return secp256k1.PrivKeyFromBytes(data), nil
}

// actorIdentity derives the acting identity from the signing key.
func actorIdentity() (string, error) {
	key, err := signingKey()
	if err != nil {
		return "", err
	}
	return attest.Address(key), nil
}

func signValues(cfg *config.Config, schema typeddata.Schema, values typeddata.Values, key *secp256k1.PrivateKey) ([]byte, error) {
	digest, err := cfg.Domain().Digest(schema, values)
	if err != nil {
		return nil, err
	}
	return attest.Sign(digest, key), nil
}

// receiptForCurrentDeliverable signs a milestone receipt over the hash the
// worker delivered, as recorded in the job's current folded state.
func receiptForCurrentDeliverable(ctx context.Context, a *app.App, jobID, msID int64, key *secp256k1.PrivateKey) ([]byte, error) {
	j, err := a.Engine.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	var hash string
	for _, m := range j.Milestones {
		if m.ID == msID {
			hash = m.DeliverableHash
		}
	}
	if hash == "" {
		return nil, fmt.Errorf("milestone %d of job %d has no recorded deliverable", msID, jobID)
	}
	return signValues(a.Config, typeddata.MilestoneReceipt, typeddata.Values{
		"jobId":           jobID,
		"milestoneId":     msID,
		"deliverableHash": hash,
	}, key)
}

func scheduleDigest(ms []domain.Milestone) string {
	ids := make([]int64, len(ms))
	amounts := make([]int64, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
		amounts[i] = m.Amount
	}
	return typeddata.FormatHash(typeddata.MilestoneScheduleDigest(ids, amounts))
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseIDs(args []string) (int64, int64, error) {
	jobID, err := parseID(args[0])
	if err != nil {
		return 0, 0, err
	}
	msID, err := parseID(args[1])
	if err != nil {
		return 0, 0, err
	}
	return jobID, msID, nil
}

func parseDeadline(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return unix, nil
	}
	return 0, fmt.Errorf("deadline must be RFC3339 or unix seconds")
}

func parseSchedule(items []string) ([]engine.MilestoneInput, error) {
	schedule := make([]engine.MilestoneInput, 0, len(items))
	for _, item := range items {
		parts := strings.SplitN(item, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("milestone %q must be id:amount", item)
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("milestone %q: invalid id", item)
		}
		amount, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("milestone %q: invalid amount", item)
		}
		schedule = append(schedule, engine.MilestoneInput{ID: id, Amount: amount})
	}
	return schedule, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
