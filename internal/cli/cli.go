// Package cli implements outreachctl, the operator command line.
//
//	outreachctl migrate                          apply the Postgres schema
//	outreachctl seed                             write the demo campaign and retry rules
//	outreachctl enroll --campaign C --contact X  enroll a contact
//	outreachctl log-outcome --enrollment E ...   stage and apply one provider result
//	outreachctl ingest --batch 100               process one batch of staged outcomes
//	outreachctl refresh-snapshot                 rebuild the delivery state view
//	outreachctl state ENROLLMENT_ID              print enrollment, snapshot and attempts
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/unclebandit/smsleopard-outreach/internal/app"
	"github.com/unclebandit/smsleopard-outreach/internal/config"
	"github.com/unclebandit/smsleopard-outreach/internal/db"
	"github.com/unclebandit/smsleopard-outreach/internal/model"
)

// Opener builds an engine from a config file path.
type Opener func(ctx context.Context, configFile string) (*app.Engine, error)

func openEngine(ctx context.Context, configFile string) (*app.Engine, error) {
	cfg, err := config.LoadFromEnv(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return app.New(ctx, cfg, nil)
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	return newRoot(openEngine)
}

func newRoot(open Opener) *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "outreachctl",
		Short:         "Operate the outreach enrollment engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (defaults plus OUTREACH_* env when empty)")

	// withEngine runs fn against a freshly opened engine.
	withEngine := func(cmd *cobra.Command, fn func(ctx context.Context, e *app.Engine) error) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		e, err := open(ctx, configFile)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(ctx, e)
	}

	root.AddCommand(
		buildMigrateCommand(withEngine),
		buildSeedCommand(withEngine),
		buildEnrollCommand(withEngine),
		buildLogOutcomeCommand(withEngine),
		buildIngestCommand(withEngine),
		buildRefreshCommand(withEngine),
		buildStateCommand(withEngine),
	)
	return root
}

type engineRunner func(cmd *cobra.Command, fn func(ctx context.Context, e *app.Engine) error) error

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func buildMigrateCommand(run engineRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *app.Engine) error {
				if e.DB == nil {
					return fmt.Errorf("migrate requires the postgres backend")
				}
				if err := db.Migrate(ctx, e.DB); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return nil
			})
		},
	}
}

func buildSeedCommand(run engineRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Write the demo campaign and retry rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *app.Engine) error {
				w, ok := e.Store.(db.CatalogWriter)
				if !ok {
					return fmt.Errorf("store %T cannot be seeded", e.Store)
				}
				if err := db.Seed(ctx, w); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded campaign %s\n", db.DemoCampaignID)
				return nil
			})
		},
	}
}

func buildEnrollCommand(run engineRunner) *cobra.Command {
	var campaignID, contactID string
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll a contact into a campaign",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *app.Engine) error {
				id, err := e.Service.EnrollContact(ctx, campaignID, contactID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]string{"enrollment_id": id})
			})
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	cmd.Flags().StringVar(&contactID, "contact", "", "contact id")
	cmd.MarkFlagRequired("campaign")
	cmd.MarkFlagRequired("contact")
	return cmd
}

func buildLogOutcomeCommand(run engineRunner) *cobra.Command {
	var o model.StagedOutcome
	cmd := &cobra.Command{
		Use:   "log-outcome",
		Short: "Stage one provider result and apply it immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *app.Engine) error {
				id, err := e.Service.LogSingleOutcomeAndAdvance(ctx, o)
				if err != nil {
					return err
				}
				staged, err := e.Service.Staging.GetStaged(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"staging_id": id,
					"processed":  staged.Processed,
					"note":       staged.Note,
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.EnrollmentID, "enrollment", "", "enrollment id")
	f.StringVar(&o.ContactID, "contact", "", "contact id, with --campaign, when the enrollment id is unknown")
	f.StringVar(&o.CampaignID, "campaign", "", "campaign id")
	f.StringVar(&o.ProviderRef, "ref", "", "provider call or message id")
	f.StringVar(&o.Direction, "direction", "outbound", "outbound or inbound")
	f.StringVar(&o.Channel, "channel", "", "voice, sms or email; defaults to the step's channel")
	f.StringVar(&o.Status, "status", "", "provider status, e.g. completed or failed")
	f.StringVar(&o.Reason, "reason", "", "provider end reason, e.g. no_answer")
	f.StringVar(&o.Classification, "classification", "", "conversation outcome, e.g. booked")
	f.IntVar(&o.DurationSeconds, "duration", 0, "call duration in seconds")
	cmd.MarkFlagRequired("status")
	return cmd
}

func buildIngestCommand(run engineRunner) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Process one batch of staged outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *app.Engine) error {
				if batch == 0 {
					batch = e.Config.Ingest.BatchSize
				}
				n, err := e.Service.IngestStagedOutcomes(ctx, batch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"processed": n})
			})
		},
	}
	cmd.Flags().IntVarP(&batch, "batch", "b", 0, "batch size (defaults to ingest.batch_size)")
	return cmd
}

func buildRefreshCommand(run engineRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-snapshot",
		Short: "Rebuild the delivery state view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *app.Engine) error {
				n, err := e.Service.RefreshSnapshot(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"refreshed": n})
			})
		},
	}
}

func buildStateCommand(run engineRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "state ENROLLMENT_ID",
		Short: "Show an enrollment with its delivery state and attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, e *app.Engine) error {
				st, err := e.Service.State(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}
