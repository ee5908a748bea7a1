package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	remindDelay   string
	remindAt      string
	remindChannel string
)

func init() {
	remindCmd.Flags().StringVar(&remindDelay, "delay", "", `Fire after this duration from now (e.g. "10m"); mutually exclusive with --at`)
	remindCmd.Flags().StringVar(&remindAt, "at", "", "Fire at this RFC3339 timestamp; mutually exclusive with --delay")
	remindCmd.Flags().StringVar(&remindChannel, "channel", "", "Delivery channel, recorded in job_args for a messenger module to read")
	rootCmd.AddCommand(remindCmd)
}

var remindCmd = &cobra.Command{
	Use:   "remind <name> <message>",
	Short: "Schedule a one-shot reminder session",
	Long: `remind creates a one-shot, db-sourced scheduled task (dispatch_mode=job,
job_name=remind) that fires exactly once at the given time and then disables
itself (spec's remind() primitive).`,
	Args: cobra.ExactArgs(2),
	RunE: runRemind,
}

func runRemind(cmd *cobra.Command, args []string) error {
	var delay *time.Duration
	var at *time.Time

	switch {
	case remindDelay != "" && remindAt != "":
		return fmt.Errorf("--delay and --at are mutually exclusive")
	case remindDelay != "":
		d, err := time.ParseDuration(remindDelay)
		if err != nil {
			return fmt.Errorf("--delay: %w", err)
		}
		delay = &d
	case remindAt != "":
		t, err := time.Parse(time.RFC3339, remindAt)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		at = &t
	default:
		return fmt.Errorf("one of --delay or --at is required")
	}

	sched, closeDB, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeDB()

	task, err := sched.Remind(args[0], args[1], remindChannel, delay, at, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("%s scheduled to fire at %s\n", task.Name, task.NextRunAt.Format(time.RFC3339))
	return nil
}
