package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/butlerfleet/butlers/internal/domain"
	"github.com/butlerfleet/butlers/internal/scheduler"
)

var (
	scheduleCron     string
	scheduleMode     string
	schedulePrompt   string
	scheduleJobName  string
	scheduleJobArgs  string
	scheduleDisabled bool
)

func init() {
	scheduleCreateCmd.Flags().StringVar(&scheduleCron, "cron", "", "Standard 5-field cron expression")
	scheduleCreateCmd.Flags().StringVar(&scheduleMode, "mode", "prompt", `Dispatch mode: "prompt" or "job"`)
	scheduleCreateCmd.Flags().StringVar(&schedulePrompt, "prompt", "", "Prompt text (dispatch_mode=prompt)")
	scheduleCreateCmd.Flags().StringVar(&scheduleJobName, "job-name", "", "In-process job name (dispatch_mode=job)")
	scheduleCreateCmd.Flags().StringVar(&scheduleJobArgs, "job-args", "", "Opaque JSON payload for the job")
	scheduleCreateCmd.Flags().BoolVar(&scheduleDisabled, "disabled", false, "Create the task disabled")

	scheduleCmd.AddCommand(scheduleListCmd, scheduleGetCmd, scheduleCreateCmd, scheduleDeleteCmd)
	rootCmd.AddCommand(scheduleCmd)
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect and edit this butler's scheduled tasks",
}

// openScheduler wires a *scheduler.Scheduler against the admin DB with a nil
// dispatcher: every subcommand here only calls Create/Update/Delete/Get/
// List/Remind, none of which touch the dispatcher.
func openScheduler() (*scheduler.Scheduler, func() error, error) {
	db, _, err := openAdminDB()
	if err != nil {
		return nil, nil, err
	}
	sched := scheduler.New(db, nil, time.Minute, 0, nil)
	return sched, db.Close, nil
}

var scheduleListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List every scheduled task",
	RunE:    runScheduleList,
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	sched, closeDB, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeDB()

	tasks, err := sched.List()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No scheduled tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE\tCRON\tMODE\tENABLED\tNEXT RUN")
	for _, t := range tasks {
		next := "-"
		if t.NextRunAt != nil {
			next = t.NextRunAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", t.Name, t.Source, t.Cron, t.DispatchMode, t.Enabled, next)
	}
	return w.Flush()
}

var scheduleGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Print one scheduled task's full detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleGet,
}

func runScheduleGet(cmd *cobra.Command, args []string) error {
	sched, closeDB, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeDB()

	task, err := sched.Get(args[0])
	if err != nil {
		return err
	}
	if task == nil {
		fmt.Printf("%s: not found\n", args[0])
		return nil
	}
	fmt.Printf("name:           %s\n", task.Name)
	fmt.Printf("source:         %s\n", task.Source)
	fmt.Printf("cron:           %s\n", task.Cron)
	fmt.Printf("dispatch_mode:  %s\n", task.DispatchMode)
	fmt.Printf("enabled:        %t\n", task.Enabled)
	if task.NextRunAt != nil {
		fmt.Printf("next_run_at:    %s\n", task.NextRunAt.Format(time.RFC3339))
	}
	if task.LastRunAt != nil {
		fmt.Printf("last_run_at:    %s\n", task.LastRunAt.Format(time.RFC3339))
	}
	if task.LastResult != "" {
		fmt.Printf("last_result:    %s\n", task.LastResult)
	}
	return nil
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a DB-sourced scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleCreate,
}

func runScheduleCreate(cmd *cobra.Command, args []string) error {
	task := domain.ScheduledTask{
		Name:         args[0],
		Cron:         scheduleCron,
		DispatchMode: domain.DispatchMode(scheduleMode),
		Prompt:       schedulePrompt,
		JobName:      scheduleJobName,
		JobArgs:      scheduleJobArgs,
		Enabled:      !scheduleDisabled,
	}

	sched, closeDB, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeDB()

	created, err := sched.Create(task, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("%s created (enabled=%t)\n", created.Name, created.Enabled)
	return nil
}

var scheduleDeleteCmd = &cobra.Command{
	Use:     "delete <name>",
	Aliases: []string{"rm"},
	Short:   "Delete a DB-sourced scheduled task",
	Args:    cobra.ExactArgs(1),
	RunE:    runScheduleDelete,
}

func runScheduleDelete(cmd *cobra.Command, args []string) error {
	sched, closeDB, err := openScheduler()
	if err != nil {
		return err
	}
	defer closeDB()

	if err := sched.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s deleted\n", args[0])
	return nil
}
