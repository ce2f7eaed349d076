package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arcfin/ledgersync/internal/enrich"
	"github.com/arcfin/ledgersync/internal/model"
)

var (
	enrichUserID    string
	enrichImportJob string
	enrichAccount   string
	enrichDirection string
	enrichIDs       []string
	enrichBatchSize int
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich synced transactions with spending metadata",
}

var enrichRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an enrichment job over unenriched transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Controller.Run(ctx, enrich.RunRequest{
			UserID:      enrichUserID,
			ImportJobID: enrichImportJob,
			AccountID:   enrichAccount,
			Direction:   enrichDirection,
			IDs:         enrichIDs,
			BatchSize:   enrichBatchSize,
		})
		if err != nil {
			return err
		}
		printEnrichmentJob(job)
		return nil
	},
}

var enrichStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show an enrichment job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		job, err := st.GetEnrichmentJob(ctx, args[0])
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("enrichment job not found: %s", args[0])
		}
		printEnrichmentJob(job)
		return nil
	},
}

var enrichCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a running enrichment job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Controller.Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("cancel requested for %s; the job stops at the next batch boundary\n", args[0])
		return nil
	},
}

var enrichRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-run the failed transactions of a finished job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Controller.RetryFailed(ctx, args[0])
		if err != nil {
			return err
		}
		printEnrichmentJob(job)
		return nil
	},
}

func printEnrichmentJob(job *model.EnrichmentJob) {
	fmt.Printf("enrichment job %s: %s\n", job.ID, job.Status)
	fmt.Printf("  processed %d/%d (cached %d, failed %d)\n",
		job.Processed, job.Total, job.CachedHits, job.Failed)
	fmt.Printf("  tokens in/out: %d/%d, cost $%.4f\n",
		job.InputTokens, job.OutputTokens, job.CostUSD)
	if len(job.FailedIDs) > 0 {
		fmt.Printf("  failed ids: %s\n", strings.Join(job.FailedIDs, ", "))
	}
	if job.Error != "" {
		fmt.Printf("  error: %s\n", job.Error)
	}
}

func init() {
	enrichRunCmd.Flags().StringVar(&enrichUserID, "user", "", "user id (required)")
	enrichRunCmd.Flags().StringVar(&enrichImportJob, "import-job", "", "restrict to one import job's accounts and window")
	enrichRunCmd.Flags().StringVar(&enrichAccount, "account", "", "restrict to one account")
	enrichRunCmd.Flags().StringVar(&enrichDirection, "direction", "", "restrict to \"debit\" or \"credit\" rows")
	enrichRunCmd.Flags().StringSliceVar(&enrichIDs, "ids", nil, "restrict to specific transaction ids")
	enrichRunCmd.Flags().IntVar(&enrichBatchSize, "batch-size", 0, "transactions per provider call (default from config)")
	_ = enrichRunCmd.MarkFlagRequired("user")

	enrichCmd.AddCommand(enrichRunCmd, enrichStatusCmd, enrichCancelCmd, enrichRetryCmd)
	rootCmd.AddCommand(enrichCmd)
}
