package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/replex/internal/coordinator"
	apperrors "github.com/Iron-Ham/replex/internal/errors"
	"github.com/Iron-Ham/replex/internal/event"
	"github.com/Iron-Ham/replex/internal/metrics"
	"github.com/Iron-Ham/replex/internal/poller"
	"github.com/Iron-Ham/replex/internal/tracing"
	"github.com/Iron-Ham/replex/internal/tui"
	"github.com/Iron-Ham/replex/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the replica-exchange coordinator",
	Long: `Run the coordinator until every swap attempt is done.

Each step waits for all replicas to finish their run segment, finalizes the
previous swap, exchanges the configurations of one neighbouring pair and
resubmits the ladder. State is saved to <state_dir>/state.json after every
step; interrupting the coordinator (Ctrl+C, SIGTERM) is always safe and a
later run resumes where it stopped.

With --once a single step is performed, which suits a cron job or a
scheduler that invokes the coordinator periodically.`,
	RunE: runRun,
}

var (
	runOnce   bool
	runLadder string
)

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "perform a single step and exit")
	runCmd.Flags().StringVar(&runLadder, "ladder", "", "ladder spec file (overrides exchange.ladder_file)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	lock, err := coordinator.AcquireLock(a.cfg.ResolvedStateDir())
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	// The ladder spec is only needed before the first step
	state, err := a.states.Load()
	if err != nil {
		return err
	}
	var spec *workspace.LadderSpec
	if state.Status == coordinator.StatusUninitialized {
		if spec, err = a.ladderSpec(runLadder); err != nil {
			return err
		}
	}

	shutdown, err := tracing.Init(ctx, a.cfg.Tracing.Endpoint, a.cfg.Tracing.Insecure)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			a.logger.Warn("failed to flush traces", "error", err.Error())
		}
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	deps := a.coordinatorDeps()
	deps.Bus = event.NewBus(a.logger)
	deps.Bus.SubscribeAll(progressPrinter(out))
	deps.PollerOptions = append(deps.PollerOptions, poller.WithLogger(a.logger))

	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		m := metrics.New()
		m.Attach(deps.Bus)
		go func() {
			if err := m.Serve(runCtx, addr, a.logger); err != nil {
				a.logger.Error("metrics server failed", "error", err.Error())
			}
		}()
	}

	if a.cfg.Poll.WatchWorkspace {
		wake, err := a.ws.Watch(runCtx)
		if err != nil {
			return err
		}
		deps.PollerOptions = append(deps.PollerOptions, poller.WithWake(wake))
	}

	c, err := coordinator.New(a.coordinatorConfig(spec), deps)
	if err != nil {
		return err
	}

	if runOnce {
		outcome, err := c.Step(runCtx)
		if err != nil {
			return interrupted(runCtx, out, err)
		}
		fmt.Fprintf(out, "Step outcome: %s\n", outcome)
		return nil
	}

	if err := c.Run(runCtx); err != nil {
		return interrupted(runCtx, out, err)
	}
	return nil
}

// interrupted turns a cancellation into a clean exit; the state on disk is
// already consistent.
func interrupted(ctx context.Context, out io.Writer, err error) error {
	if ctx.Err() != nil && apperrors.Is(err, apperrors.ErrCanceled) {
		fmt.Fprintln(out, "Interrupted; progress is saved and a later run resumes from here.")
		return nil
	}
	return err
}

// progressPrinter writes one line per coordinator event.
func progressPrinter(out io.Writer) event.Handler {
	return func(e event.Event) {
		if line := describeEvent(e); line != "" {
			fmt.Fprintf(out, "%s  %s\n", e.Timestamp().Format(time.TimeOnly), line)
		}
	}
}

func describeEvent(e event.Event) string {
	switch ev := e.(type) {
	case event.InitializedEvent:
		return fmt.Sprintf("initialized run %s with %d replicas", tui.ShortID(ev.RunID), ev.Replicas)
	case event.PolledEvent:
		if ev.Done {
			return fmt.Sprintf("attempt %d: all replicas done (waited %s)", ev.Attempt, ev.Duration.Round(time.Second))
		}
		return fmt.Sprintf("attempt %d: replicas still running after %s", ev.Attempt, ev.Duration.Round(time.Second))
	case event.SwapEvent:
		pair := fmt.Sprintf("%d<->%d (%s <-> %s)", ev.I, ev.J, tui.FormatParam(ev.ParamI), tui.FormatParam(ev.ParamJ))
		switch ev.EventType() {
		case event.TypeSwapSelected:
			if !ev.Accepted {
				return fmt.Sprintf("attempt %d: swap %s rejected", ev.Attempt, pair)
			}
			return fmt.Sprintf("attempt %d: swap %s selected", ev.Attempt, pair)
		case event.TypeSwapApplied:
			return fmt.Sprintf("attempt %d: swap %s applied", ev.Attempt, pair)
		case event.TypeSwapFinalized:
			return fmt.Sprintf("attempt %d: swap %s completed", ev.Attempt, pair)
		}
	case event.ResubmittedEvent:
		return fmt.Sprintf("attempt %d: resubmitted %d replicas", ev.Attempt, ev.Replicas)
	case event.TerminalEvent:
		return fmt.Sprintf("finished after %d attempts, %d swaps completed", ev.Attempts, ev.Swaps)
	case event.StageFailedEvent:
		return fmt.Sprintf("%s failed: %v", ev.Stage, ev.Err)
	}
	return ""
}
