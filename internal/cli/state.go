package cli

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/butlerfleet/butlers/internal/store"
)

var stateListKeysOnly bool

func init() {
	stateCmd.AddCommand(stateGetCmd, stateSetCmd, stateListCmd, stateDeleteCmd, stateCASCmd)
	stateListCmd.Flags().BoolVar(&stateListKeysOnly, "keys-only", false, "Only print keys, not values or versions")
	rootCmd.AddCommand(stateCmd)
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and edit this butler's key-value state store",
}

var stateGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one state entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateGet,
}

func runStateGet(cmd *cobra.Command, args []string) error {
	db, _, err := openAdminDB()
	if err != nil {
		return err
	}
	defer db.Close()

	entry, err := store.New(db).Get(args[0])
	if err != nil {
		return err
	}
	if entry == nil {
		fmt.Printf("%s: not found\n", args[0])
		return nil
	}
	fmt.Printf("%s = %s (version %d, updated %s)\n", entry.Key, entry.Value, entry.Version, entry.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

var stateSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Unconditionally set a state entry",
	Args:  cobra.ExactArgs(2),
	RunE:  runStateSet,
}

func runStateSet(cmd *cobra.Command, args []string) error {
	db, _, err := openAdminDB()
	if err != nil {
		return err
	}
	defer db.Close()

	entry, err := store.New(db).Set(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("%s set to version %d\n", entry.Key, entry.Version)
	return nil
}

var stateListCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List state entries, optionally filtered by key prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStateList,
}

func runStateList(cmd *cobra.Command, args []string) error {
	db, _, err := openAdminDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var prefix string
	if len(args) == 1 {
		prefix = args[0]
	}

	entries, err := store.New(db).List(prefix, stateListKeysOnly)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No matching state entries.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if stateListKeysOnly {
		fmt.Fprintln(w, "KEY")
		for _, e := range entries {
			fmt.Fprintln(w, e.Key)
		}
		return w.Flush()
	}
	fmt.Fprintln(w, "KEY\tVALUE\tVERSION\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.Key, e.Value, e.Version, e.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

var stateDeleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Aliases: []string{"rm"},
	Short:   "Delete a state entry",
	Args:    cobra.ExactArgs(1),
	RunE:    runStateDelete,
}

func runStateDelete(cmd *cobra.Command, args []string) error {
	db, _, err := openAdminDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.New(db).Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s deleted\n", args[0])
	return nil
}

var stateCASCmd = &cobra.Command{
	Use:   "cas <key> <value> <expected-version>",
	Short: "Set a state entry only if its stored version matches (use 0 for must-not-exist)",
	Args:  cobra.ExactArgs(3),
	RunE:  runStateCAS,
}

func runStateCAS(cmd *cobra.Command, args []string) error {
	expected, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("expected-version must be an integer: %w", err)
	}

	db, _, err := openAdminDB()
	if err != nil {
		return err
	}
	defer db.Close()

	entry, err := store.New(db).CompareAndSet(args[0], args[1], expected)
	if err != nil {
		return err
	}
	fmt.Printf("%s set to version %d\n", entry.Key, entry.Version)
	return nil
}
