package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-cli/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run configured batch jobs on their schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		jobs, err := schedule.JobsFromConfig(cfg.Schedule.Jobs)
		if err != nil {
			return err
		}

		env, err := initCatalog(ctx, "schedule")
		if err != nil {
			return err
		}
		defer env.Close()

		poller, err := schedule.NewPoller(env.Store, env.Orchestrator, time.Duration(cfg.Schedule.PollSecs)*time.Second)
		if err != nil {
			return err
		}
		if err := poller.Seed(ctx, jobs); err != nil {
			return err
		}
		zap.L().Info("jobs seeded", zap.Int("jobs", len(jobs)))

		return poller.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
