package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/replex/internal/tui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the replica jobs of a ladder",
	Long: `Create one workspace job per value of the ladder spec and run the
configured init command. Existing jobs are left untouched, so init can be
repeated safely. The coordinator also does this on its first step.`,
	RunE: runInit,
}

var initLadder string

func init() {
	initCmd.Flags().StringVar(&initLadder, "ladder", "", "ladder spec file (overrides exchange.ladder_file)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	spec, err := a.ladderSpec(initLadder)
	if err != nil {
		return err
	}
	if err := a.queue.Initialize(cmd.Context(), spec); err != nil {
		return fmt.Errorf("failed to initialize ladder: %w", err)
	}

	ladder, err := a.registry.ListReplicas(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized %d replicas in %s\n", len(ladder), a.ws.Root())
	for i, r := range ladder {
		fmt.Fprintf(out, "  [%d] %s=%s  %s\n", i, spec.ExchangeKey, tui.FormatParam(r.Param), r.ID)
	}
	return nil
}
