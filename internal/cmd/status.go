package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/replex/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator and ladder status",
	Long: `Display the coordinator state, every replica of the ladder with its done
and swap flags, and the most recent swaps.`,
	RunE: runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List every swap attempt",
	RunE:  runHistory,
}

var (
	statusMatch string
	historyJSON bool
)

func init() {
	statusCmd.Flags().StringVarP(&statusMatch, "match", "m", "", "only show replicas whose ID or parameter matches this glob")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print the raw swap records as JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	filter, err := tui.MatchFilter(statusMatch)
	if err != nil {
		return err
	}

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	st := tui.NewLoader(a.states, a.registry)(cmd.Context())
	fmt.Fprint(cmd.OutOrStdout(), tui.RenderStatus(st, filter))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	state, err := a.states.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(state.SwapHistory)
	}

	if len(state.SwapHistory) == 0 {
		fmt.Fprintln(out, "No swaps yet")
		return nil
	}
	for _, r := range state.SwapHistory {
		fmt.Fprintln(out, tui.FormatRecord(r))
	}
	fmt.Fprintf(out, "\n%d of %d attempts, %d completed\n", state.CurrentAttempt, state.MaxAttempts, state.CompletedSwaps())
	return nil
}
