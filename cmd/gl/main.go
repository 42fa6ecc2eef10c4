package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gigline/internal/app"
	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/engine"
	"gigline/internal/migrate"
	"gigline/internal/repo"
	"gigline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gigline CLI",
	Long: `Gigline runs a job marketplace with milestone escrow and capability tokens.
Core concepts (kid-friendly):
- Why it matters: the budget goes into escrow the moment a job is posted, so a freelancer never has to trust a promise and a client never pays for work they have not approved.
- Workspace: your .gigline toy box with only the database; the marketplace config lives in the DB and can be imported from gigline.yml.
- Profiles: one identity card per address; only you can edit yours.
- Jobs: posted by a client, applied to by freelancers, assigned, worked, and paid out milestone by milestone.
- Capability tokens: creating a job hands the client a secret token; every client action on that job must show it. Applying hands the freelancer a one-shot token spent when the job starts.
- Milestones: payment tranches that flow pending -> submitted -> approved; approval releases money, revision requests send it back, disputes freeze it.
- Ratings: after completion each side scores the other once; reputation is a running average.
- Event log: diary of everything that happened, view with 'gl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("GIGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "caller address")
	rootCmd.PersistentFlags().String("marketplace", "local", "marketplace id for a fresh workspace")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("marketplace", rootCmd.PersistentFlags().Lookup("marketplace"))
}

func registerCommands() {
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(rateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorFlag() (string, error) {
	actor := strings.TrimSpace(viper.GetString("actor"))
	if actor == "" {
		return "", fmt.Errorf("--actor required (or set GIGLINE_ACTOR)")
	}
	return actor, nil
}

func profileCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "profile",
		Short: "Manage profiles",
		Long:  "Profiles are identity cards: role, display name, reputation, and the jobs an address is working on. Only the owner can create or edit theirs.",
	}
	p.AddCommand(profileCreateCmd())
	p.AddCommand(profileShowCmd())
	p.AddCommand(profileUpdateCmd())
	return p
}

func profileCreateCmd() *cobra.Command {
	var role, name, bio string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create your profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProfile(ctx, engine.ProfileCreateOptions{
					Address:     actor,
					Role:        role,
					DisplayName: name,
					Bio:         bio,
					Actor:       actor,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "client or freelancer")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&bio, "bio", "", "bio pointer (off-chain ref)")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func profileShowCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := address
			if target == "" {
				target = viper.GetString("actor")
			}
			if target == "" {
				return fmt.Errorf("--address or --actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProfile(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "profile address (defaults to --actor)")
	return cmd
}

func profileUpdateCmd() *cobra.Command {
	var name, bio string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update your profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			var namePtr, bioPtr *string
			if cmd.Flags().Changed("name") {
				namePtr = &name
			}
			if cmd.Flags().Changed("bio") {
				bioPtr = &bio
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateProfile(ctx, actor, namePtr, bioPtr, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&bio, "bio", "", "bio pointer")
	return cmd
}

func accountCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "account",
		Short: "Manage fund accounts",
		Long:  "Accounts hold deposited funds in base units. Posting a job moves the budget from your account into that job's escrow.",
	}
	a.AddCommand(accountDepositCmd())
	a.AddCommand(accountShowCmd())
	return a
}

func accountDepositCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Deposit funds into your account",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				acct, err := e.Deposit(ctx, actor, amount, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(acct)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in base units")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func accountShowCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := address
			if target == "" {
				target = viper.GetString("actor")
			}
			if target == "" {
				return fmt.Errorf("--address or --actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				acct, err := r.GetAccount(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(acct)
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "account address (defaults to --actor)")
	return cmd
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs",
		Long:  "Jobs flow open -> assigned -> in_progress -> submitted -> completed, with cancellation exits. Client actions need the job capability token printed at creation.",
	}
	j.AddCommand(jobCreateCmd())
	j.AddCommand(jobListCmd())
	j.AddCommand(jobShowCmd())
	j.AddCommand(jobApplyCmd())
	j.AddCommand(jobApplicantsCmd())
	j.AddCommand(jobAssignCmd())
	j.AddCommand(jobStartCmd())
	j.AddCommand(jobCancelCmd())
	j.AddCommand(jobCancelWithFreelancerCmd())
	j.AddCommand(jobLedgerCmd())
	return j
}

func jobCreateCmd() *cobra.Command {
	var title, desc, deadline string
	var budget int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a job and escrow its budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, token, err := e.CreateJob(ctx, engine.JobCreateOptions{
					Client:      actor,
					Title:       title,
					Description: desc,
					Budget:      budget,
					Deadline:    deadline,
					Actor:       actor,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job": j, "cap_token": token})
				}
				fmt.Printf("Job %s created. Save your capability token, it is not stored:\n%s\n", j.ID, token)
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringVar(&desc, "description", "", "description pointer (off-chain ref)")
	cmd.Flags().Int64Var(&budget, "budget", 0, "budget in base units")
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC3339 deadline")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("budget")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func jobListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Client", "Freelancer", "Budget", "Escrow"})
				for _, j := range items {
					freelancer := ""
					if j.Freelancer != nil {
						freelancer = *j.Freelancer
					}
					tw.AppendRow(table.Row{j.ID, j.Title, j.State, j.Client, freelancer, j.Budget, j.Escrow})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Client, "client", "", "filter by client address")
	cmd.Flags().StringVar(&f.Freelancer, "freelancer", "", "filter by freelancer address")
	cmd.Flags().StringVar(&f.State, "state", "", "filter by state")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				j, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobApplyCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "apply <job-id>",
		Short: "Apply for an open job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, token, err := e.ApplyForJob(ctx, args[0], note, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"applicant": a, "update_cap_token": token})
				}
				fmt.Printf("Applied. Save your one-shot token for 'gl job start', it is not stored:\n%s\n", token)
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note pointer (off-chain ref)")
	return cmd
}

func jobApplicantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "applicants <job-id>",
		Short: "List applicants for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListApplicants(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func jobAssignCmd() *cobra.Command {
	var capToken, freelancer string
	cmd := &cobra.Command{
		Use:   "assign <job-id>",
		Short: "Assign an applicant (client)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.AssignFreelancer(ctx, args[0], capToken, freelancer, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&capToken, "cap", "", "job capability token")
	cmd.Flags().StringVar(&freelancer, "freelancer", "", "applicant address")
	_ = cmd.MarkFlagRequired("cap")
	_ = cmd.MarkFlagRequired("freelancer")
	return cmd
}

func jobStartCmd() *cobra.Command {
	var updateCap string
	cmd := &cobra.Command{
		Use:   "start <job-id>",
		Short: "Confirm an assignment and start work (freelancer)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.StartJob(ctx, args[0], updateCap, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&updateCap, "update-cap", "", "one-shot token from 'gl job apply'")
	_ = cmd.MarkFlagRequired("update-cap")
	return cmd
}

func jobCancelCmd() *cobra.Command {
	var capToken string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel an open job and refund the escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CancelJob(ctx, args[0], capToken, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&capToken, "cap", "", "job capability token")
	_ = cmd.MarkFlagRequired("cap")
	return cmd
}

func jobCancelWithFreelancerCmd() *cobra.Command {
	var capToken string
	cmd := &cobra.Command{
		Use:   "cancel-with-freelancer <job-id>",
		Short: "Cancel an assigned or running job, refunding unreleased escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CancelJobWithFreelancer(ctx, args[0], capToken, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&capToken, "cap", "", "job capability token")
	_ = cmd.MarkFlagRequired("cap")
	return cmd
}

func jobLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger <job-id>",
		Short: "Show fund movements for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListLedgerEntries(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func milestoneCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "milestone",
		Short: "Manage milestones",
		Long:  "Milestones are payment tranches. Their total can never exceed the job budget, and money only ever moves when the client approves one.",
	}
	m.AddCommand(milestoneAddCmd())
	m.AddCommand(milestoneListCmd())
	m.AddCommand(milestoneStartCmd())
	m.AddCommand(milestoneSubmitCmd())
	m.AddCommand(milestoneReviewCmd())
	m.AddCommand(milestoneReviseCmd())
	m.AddCommand(milestoneDisputeCmd())
	m.AddCommand(milestoneResolveCmd())
	m.AddCommand(milestoneApproveCmd())
	return m
}

func milestoneAddCmd() *cobra.Command {
	var capToken, desc string
	var amount int64
	cmd := &cobra.Command{
		Use:   "add <job-id>",
		Short: "Add a milestone (client, before work starts)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddMilestone(ctx, args[0], capToken, desc, amount, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&capToken, "cap", "", "job capability token")
	cmd.Flags().StringVar(&desc, "description", "", "description pointer")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in base units")
	_ = cmd.MarkFlagRequired("cap")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <job-id>",
		Short: "List milestones for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMilestones(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "State", "Amount", "Revisions", "Submitted", "Approved"})
				for _, m := range items {
					submitted, approved := "", ""
					if m.SubmittedAt != nil {
						submitted = *m.SubmittedAt
					}
					if m.ApprovedAt != nil {
						approved = *m.ApprovedAt
					}
					tw.AppendRow(table.Row{m.Seq, m.State, m.Amount, m.RevisionCount, submitted, approved})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func milestoneStartCmd() *cobra.Command {
	var seq int
	cmd := &cobra.Command{
		Use:   "start <job-id>",
		Short: "Mark a milestone as in progress (freelancer)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.StartMilestone(ctx, args[0], seq, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().IntVar(&seq, "seq", 0, "milestone sequence number")
	_ = cmd.MarkFlagRequired("seq")
	return cmd
}

func milestoneSubmitCmd() *cobra.Command {
	var seq int
	var proof string
	cmd := &cobra.Command{
		Use:   "submit <job-id>",
		Short: "Submit milestone work (freelancer)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SubmitMilestone(ctx, args[0], seq, proof, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().IntVar(&seq, "seq", 0, "milestone sequence number")
	cmd.Flags().StringVar(&proof, "proof", "", "proof pointer (off-chain ref)")
	_ = cmd.MarkFlagRequired("seq")
	return cmd
}

func milestoneReviewCmd() *cobra.Command {
	var capToken string
	var seq int
	cmd := &cobra.Command{
		Use:   "review <job-id>",
		Short: "Mark a submitted milestone under review (client)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ReviewMilestone(ctx, args[0], capToken, seq, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&capToken, "cap", "", "job capability token")
	cmd.Flags().IntVar(&seq, "seq", 0, "milestone sequence number")
	_ = cmd.MarkFlagRequired("cap")
	_ = cmd.MarkFlagRequired("seq")
	return cmd
}

func milestoneReviseCmd() *cobra.Command {
	var capToken string
	var seq int
	cmd := &cobra.Command{
		Use:   "revise <job-id>",
		Short: "Request a revision (client)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RequestRevision(ctx, args[0], capToken, seq, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&capToken, "cap", "", "job capability token")
	cmd.Flags().IntVar(&seq, "seq", 0, "milestone sequence number")
	_ = cmd.MarkFlagRequired("cap")
	_ = cmd.MarkFlagRequired("seq")
	return cmd
}

func milestoneDisputeCmd() *cobra.Command {
	var seq int
	cmd := &cobra.Command{
		Use:   "dispute <job-id>",
		Short: "Dispute a milestone (either party)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.DisputeMilestone(ctx, args[0], seq, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().IntVar(&seq, "seq", 0, "milestone sequence number")
	_ = cmd.MarkFlagRequired("seq")
	return cmd
}

func milestoneResolveCmd() *cobra.Command {
	var capToken string
	var seq int
	cmd := &cobra.Command{
		Use:   "resolve <job-id>",
		Short: "Resolve a disputed milestone back to submitted (client)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ResolveDispute(ctx, args[0], capToken, seq, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&capToken, "cap", "", "job capability token")
	cmd.Flags().IntVar(&seq, "seq", 0, "milestone sequence number")
	_ = cmd.MarkFlagRequired("cap")
	_ = cmd.MarkFlagRequired("seq")
	return cmd
}

func milestoneApproveCmd() *cobra.Command {
	var capToken string
	var seq int
	cmd := &cobra.Command{
		Use:   "approve <job-id>",
		Short: "Approve a milestone and release its funds (client)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, m, err := e.ApproveMilestone(ctx, args[0], capToken, seq, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job": j, "milestone": m})
			})
		},
	}
	cmd.Flags().StringVar(&capToken, "cap", "", "job capability token")
	cmd.Flags().IntVar(&seq, "seq", 0, "milestone sequence number")
	_ = cmd.MarkFlagRequired("cap")
	_ = cmd.MarkFlagRequired("seq")
	return cmd
}

func rateCmd() *cobra.Command {
	var score int64
	cmd := &cobra.Command{
		Use:   "rate <job-id>",
		Short: "Rate your counterparty on a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RateCounterparty(ctx, args[0], score, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&score, "score", 0, "score within the configured range")
	_ = cmd.MarkFlagRequired("score")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect marketplace config",
		Long:  "Config is the rulebook (stored in DB): rating bounds, revision limits, reputation policy, and webhook targets. Import from gigline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default gigline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			content := config.GenerateDefault(viper.GetString("marketplace"))
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show marketplace status",
		Long:  "See the scoreboard: job counts by state, schema version, and the latest event id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountJobsByState(ctx)
				if err != nil {
					return err
				}
				latest, err := e.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				version, err := migrate.Version(e.DB)
				if err != nil {
					return err
				}
				out := map[string]any{
					"marketplace":     e.Config.Marketplace.ID,
					"schema_version":  version,
					"job_counts":      counts,
					"latest_event_id": latest,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Marketplace: %s (schema v%d)\n", e.Config.Marketplace.ID, version)
				fmt.Println("Jobs:")
				for state, c := range counts {
					fmt.Printf("  %s: %d\n", state, c)
				}
				fmt.Printf("Latest event: %d\n", latest)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: jobs, milestones, fund moves, ratings. External indexers read the same feed.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var jobID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, jobID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&jobID, "job", "", "job id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the read API",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag()
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, rec, err := r.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"api_key": key, "record": rec})
				}
				fmt.Printf("API key (shown once): %s\n", key)
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, viper.GetString("marketplace"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GIGLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GIGLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gigline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("marketplace"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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
