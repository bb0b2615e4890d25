package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/replex/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the ladder live",
	Long: `Open a live view of the coordinator state and the ladder. The view
refreshes periodically and whenever a job document changes. When stdout is
not a terminal the status is printed once instead.`,
	RunE: runWatch,
}

var (
	watchMatch   string
	watchRefresh time.Duration
)

func init() {
	watchCmd.Flags().StringVarP(&watchMatch, "match", "m", "", "only show replicas whose ID or parameter matches this glob")
	watchCmd.Flags().DurationVar(&watchRefresh, "refresh", tui.DefaultRefresh, "refresh interval")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	filter, err := tui.MatchFilter(watchMatch)
	if err != nil {
		return err
	}

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	load := tui.NewLoader(a.states, a.registry)

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprint(cmd.OutOrStdout(), tui.RenderStatus(load(ctx), filter))
		return nil
	}

	opts := []tui.WatchOption{tui.WithFilter(filter), tui.WithRefresh(watchRefresh)}
	if wake, err := a.ws.Watch(ctx); err == nil {
		opts = append(opts, tui.WithWake(wake))
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: live updates disabled: %v\n", err)
	}
	return tui.RunWatch(ctx, load, opts...)
}
