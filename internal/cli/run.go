package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"caltrigger/internal/trigger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one detection cycle and exit",
	Long: `Fetches the calendar once, publishes the transitions that have not been
published before and exits. Suitable for an external scheduler such as a
systemd timer or a cron job.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.runner.RunOnce(ctx)
	printReport(cmd, rep)
	return err
}

func printReport(cmd *cobra.Command, rep trigger.Report) {
	fmt.Fprintf(cmd.OutOrStdout(), "started %d, stopped %d, duplicates %d, failed %d\n",
		rep.Started, rep.Stopped, rep.Duplicates, rep.Failed)
}
