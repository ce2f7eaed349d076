package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/arcfin/ledgersync/internal/importer"
	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/internal/store"
)

var (
	importUserID     string
	importConnection string
	importFrom       string
	importTo         string
	importAccounts   []string
	importAutoEnrich bool
	importBatchSize  int
	importRunNow     bool

	historyUser   string
	historyStatus string
	historyLimit  int
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Plan and run transaction imports",
}

var importPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Discover accounts and create an estimated import job",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		from, to, err := parseWindow(importFrom, importTo)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, importAutoEnrich && importRunNow)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Planner.Plan(ctx, importer.PlanRequest{
			UserID:       importUserID,
			ConnectionID: importConnection,
			From:         from,
			To:           to,
			AccountIDs:   importAccounts,
			AutoEnrich:   importAutoEnrich,
			BatchSize:    importBatchSize,
		})
		if err != nil {
			return err
		}

		fmt.Printf("planned import job %s\n", job.ID)
		fmt.Printf("  window:   %s .. %s\n", job.FromDate.Format("2006-01-02"), job.ToDate.Format("2006-01-02"))
		fmt.Printf("  accounts: %d\n", len(job.AccountIDs))
		if est := job.Estimate; est != nil {
			fmt.Printf("  estimate: ~%d transactions, ~%s", est.TransactionCount, est.Duration.Round(time.Second))
			if est.EnrichCostUSD > 0 {
				fmt.Printf(", ~$%.4f enrichment", est.EnrichCostUSD)
			}
			fmt.Println()
		}

		if importRunNow {
			return runImport(cmd, env, job.ID)
		}
		fmt.Printf("start it with: ledgersync import start %s\n", job.ID)
		return nil
	},
}

var importStartCmd = &cobra.Command{
	Use:   "start <job-id>",
	Short: "Run a planned import job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		job, err := st.GetImportJob(ctx, args[0])
		st.Close()
		if err != nil {
			return err
		}
		if job == nil {
			return eris.Errorf("import job not found: %s", args[0])
		}

		// Only auto-enrich jobs need an LLM provider.
		env, err := initEnv(ctx, job.AutoEnrich)
		if err != nil {
			return err
		}
		defer env.Close()
		return runImport(cmd, env, job.ID)
	},
}

var importStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show progress for an import job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		p, err := importer.Progress(ctx, st, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("job %s  %s  %.0f%%\n", p.Job.ID, p.Job.Status, p.Percent)
		fmt.Printf("  synced %d, duplicates %d, errors %d\n",
			p.Job.Counts.Synced, p.Job.Counts.Duplicates, p.Job.Counts.Errors)
		for _, a := range p.Accounts {
			line := fmt.Sprintf("  %-24s %-10s synced %d", a.AccountID, a.Status, a.Counts.Synced)
			if a.Error != "" {
				line += "  error: " + a.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

var importHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List past import jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		all, err := st.ListImportJobs(ctx, store.JobFilter{
			UserID: historyUser,
			Status: model.JobStatus(historyStatus),
			Limit:  historyLimit,
		})
		if err != nil {
			return err
		}

		if len(all) == 0 {
			fmt.Println("no import jobs")
			return nil
		}
		for _, j := range all {
			fmt.Printf("%s  %-10s  %s  %s..%s  synced %d\n",
				j.ID, j.Status, j.CreatedAt.Format(time.RFC3339),
				j.FromDate.Format("2006-01-02"), j.ToDate.Format("2006-01-02"),
				j.Counts.Synced)
		}
		return nil
	},
}

func runImport(cmd *cobra.Command, env *appEnv, jobID string) error {
	job, err := env.Orchestrator.Run(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	fmt.Printf("job %s finished: %s (synced %d, duplicates %d, errors %d)\n",
		job.ID, job.Status, job.Counts.Synced, job.Counts.Duplicates, job.Counts.Errors)
	if job.Status == model.JobFailed {
		return eris.Errorf("import job failed: %s", job.Error)
	}
	return nil
}

func parseWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	from, err := time.Parse("2006-01-02", fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrap(err, "parse --from")
	}
	if toStr == "" {
		return from, time.Now().UTC().Truncate(24 * time.Hour), nil
	}
	to, err := time.Parse("2006-01-02", toStr)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrap(err, "parse --to")
	}
	return from, to, nil
}

func init() {
	importPlanCmd.Flags().StringVar(&importUserID, "user", "", "user id (required)")
	importPlanCmd.Flags().StringVar(&importConnection, "connection", "", "bank connection id (required)")
	importPlanCmd.Flags().StringVar(&importFrom, "from", "", "window start YYYY-MM-DD (required)")
	importPlanCmd.Flags().StringVar(&importTo, "to", "", "window end YYYY-MM-DD (default today)")
	importPlanCmd.Flags().StringSliceVar(&importAccounts, "accounts", nil, "restrict to these account ids")
	importPlanCmd.Flags().BoolVar(&importAutoEnrich, "auto-enrich", false, "enrich after sync completes")
	importPlanCmd.Flags().IntVar(&importBatchSize, "batch-size", 0, "enrichment batch size (default from config)")
	importPlanCmd.Flags().BoolVar(&importRunNow, "run", false, "start the job immediately after planning")
	_ = importPlanCmd.MarkFlagRequired("user")
	_ = importPlanCmd.MarkFlagRequired("connection")
	_ = importPlanCmd.MarkFlagRequired("from")

	importHistoryCmd.Flags().StringVar(&historyUser, "user", "", "filter by user id")
	importHistoryCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status")
	importHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "max jobs to list")

	importCmd.AddCommand(importPlanCmd, importStartCmd, importStatusCmd, importHistoryCmd)
	rootCmd.AddCommand(importCmd)
}
