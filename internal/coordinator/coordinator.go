// Package coordinator drives the replica-exchange attempt loop.
//
// Each attempt waits for every replica to finish its run segment, finalizes
// the previous swap, exchanges the configurations of one adjacent pair and
// resubmits the whole ladder. All progress lives in a single state file;
// a restarted coordinator resumes purely from that file and the live job
// documents.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/Iron-Ham/replex/internal/errors"
	"github.com/Iron-Ham/replex/internal/event"
	"github.com/Iron-Ham/replex/internal/jobqueue"
	"github.com/Iron-Ham/replex/internal/logging"
	"github.com/Iron-Ham/replex/internal/poller"
	"github.com/Iron-Ham/replex/internal/replica"
	"github.com/Iron-Ham/replex/internal/swap"
	"github.com/Iron-Ham/replex/internal/tracing"
	"github.com/Iron-Ham/replex/internal/workspace"
)

// Outcome is the result of one Step.
type Outcome int

const (
	// OutcomeInitialized: the ladder was created and submitted.
	OutcomeInitialized Outcome = iota
	// OutcomeNotReady: the bounded wait ended before every replica was done.
	OutcomeNotReady
	// OutcomeSwapped: a swap was recorded and the ladder resubmitted.
	OutcomeSwapped
	// OutcomeTerminal: all attempts are used up.
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInitialized:
		return "initialized"
	case OutcomeNotReady:
		return "not_ready"
	case OutcomeSwapped:
		return "swapped"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Registry is the view of the replica ladder the coordinator works on.
type Registry interface {
	ListReplicas(ctx context.Context) (replica.Ladder, error)
	AllDone(ctx context.Context, replicas []replica.Replica) (bool, error)
	IsDone(ctx context.Context, r replica.Replica) (bool, error)
	ResetForRerun(ctx context.Context, replicas []replica.Replica, runParams map[string]any) error
	SetSwapPending(ctx context.Context, ids []string, pending bool) error
}

// Swapper exchanges replica configurations.
type Swapper interface {
	Fingerprints(ctx context.Context, ri, rj replica.Replica) (string, string, error)
	Apply(ctx context.Context, ri, rj replica.Replica) error
}

// Config holds the attempt-loop parameters.
type Config struct {
	// Ladder is handed to the queue when the coordinator initializes.
	Ladder *workspace.LadderSpec
	// MaxAttempts is the total number of swaps.
	MaxAttempts int
	// FirstWait is the initial wait of attempt 0, which includes mixing.
	FirstWait time.Duration
	// InitWait is the initial wait of later attempts.
	InitWait time.Duration
	// ExtraWait is slept between further checks.
	ExtraWait time.Duration
	// MaxTries is the number of checks after the first in one wait.
	MaxTries int
	// MaxRounds bounds consecutive unsuccessful waits in Run; 0 is unbounded.
	MaxRounds int
	// RunParams overrides per-run parameters on every resubmission.
	RunParams map[string]any
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Registry   Registry
	Queue      jobqueue.JobQueue
	Swapper    Swapper
	Selector   swap.Selector
	Acceptance swap.AcceptanceCriterion
	Store      StateStore
	Bus        *event.Bus
	Logger     *logging.Logger
	// PollerOptions are passed to every bounded wait (sleep, wake, ...).
	PollerOptions []poller.Option
}

// Coordinator is the replica-exchange state machine.
type Coordinator struct {
	cfg        Config
	registry   Registry
	queue      jobqueue.JobQueue
	swapper    Swapper
	selector   swap.Selector
	acceptance swap.AcceptanceCriterion
	store      StateStore
	bus        *event.Bus
	logger     *logging.Logger
	pollOpts   []poller.Option
	now        func() time.Time
}

// New creates a coordinator. Selector defaults to an unseeded
// RandomSelector and Acceptance to AlwaysAccept.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Registry == nil || deps.Queue == nil || deps.Swapper == nil || deps.Store == nil {
		return nil, fmt.Errorf("%w: coordinator needs registry, queue, swapper and state store", apperrors.ErrInvalidInput)
	}
	if cfg.MaxAttempts < 0 || cfg.MaxTries < 0 || cfg.MaxRounds < 0 {
		return nil, fmt.Errorf("%w: negative attempt, try or round limit", apperrors.ErrInvalidInput)
	}
	c := &Coordinator{
		cfg:        cfg,
		registry:   deps.Registry,
		queue:      deps.Queue,
		swapper:    deps.Swapper,
		selector:   deps.Selector,
		acceptance: deps.Acceptance,
		store:      deps.Store,
		bus:        deps.Bus,
		logger:     deps.Logger,
		pollOpts:   deps.PollerOptions,
		now:        time.Now,
	}
	if c.selector == nil {
		c.selector = swap.NewRandomSelector(0)
	}
	if c.acceptance == nil {
		c.acceptance = swap.AlwaysAccept{}
	}
	if c.bus == nil {
		c.bus = event.NewBus(deps.Logger)
	}
	if c.logger == nil {
		c.logger = logging.NopLogger()
	}
	return c, nil
}

// State returns the persisted state.
func (c *Coordinator) State() (*State, error) {
	return c.store.Load()
}

// Run steps the coordinator until it is terminal, ctx is done, or a fatal
// error occurs. With MaxRounds > 0, that many consecutive unsuccessful
// waits fail with ErrPollTimeout; the persisted state is left as is so a
// later Run continues where this one stopped.
func (c *Coordinator) Run(ctx context.Context) error {
	rounds := 0
	for {
		outcome, err := c.Step(ctx)
		if err != nil {
			return err
		}

		switch outcome {
		case OutcomeTerminal:
			return nil
		case OutcomeNotReady:
			rounds++
			if c.cfg.MaxRounds > 0 && rounds >= c.cfg.MaxRounds {
				err := apperrors.NewStageError(apperrors.StagePoll, apperrors.ErrPollTimeout, nil).
					WithMessage(fmt.Sprintf("replicas not done after %d wait rounds", rounds))
				c.bus.Publish(event.NewStageFailedEvent(apperrors.StagePoll, -1, err))
				return err
			}
			c.logger.Info("replicas not ready, waiting again", "round", rounds)
		default:
			rounds = 0
		}
	}
}

// Step performs one iteration of the state machine.
func (c *Coordinator) Step(ctx context.Context) (outcome Outcome, err error) {
	ctx, span := tracing.Start(ctx, "coordinator.step")
	defer func() {
		span.SetAttributes(attribute.String("outcome", outcome.String()))
		tracing.End(span, err)
	}()

	state, err := c.store.Load()
	if err != nil {
		return OutcomeNotReady, err
	}
	span.SetAttributes(attribute.Int("attempt", state.CurrentAttempt))
	log := c.logger.WithRun(state.RunID).WithAttempt(state.CurrentAttempt)

	switch state.Status {
	case StatusTerminal:
		return OutcomeTerminal, nil
	case StatusUninitialized:
		return c.initialize(ctx, state)
	}

	if state.MaxAttempts != c.cfg.MaxAttempts {
		log.Info("max attempts changed", "from", state.MaxAttempts, "to", c.cfg.MaxAttempts)
		state.MaxAttempts = c.cfg.MaxAttempts
	}

	if rec := state.Pending(); rec != nil && rec.Phase != PhaseSubmitted {
		log.Warn("resuming interrupted swap", "phase", string(rec.Phase))
		return c.resume(ctx, state, rec)
	}

	ladder, err := c.registry.ListReplicas(ctx)
	if err != nil {
		return OutcomeNotReady, c.fail(apperrors.NewStageError(apperrors.StagePoll, nil, err).WithMessage("list replicas").WithAttempt(state.CurrentAttempt))
	}

	done, err := c.poll(ctx, state, ladder)
	if err != nil {
		return OutcomeNotReady, err
	}
	if !done {
		return OutcomeNotReady, nil
	}

	if state.CurrentAttempt > 0 {
		ready, err := c.finalize(ctx, state, ladder)
		if err != nil {
			return OutcomeNotReady, err
		}
		if !ready {
			return OutcomeNotReady, nil
		}
	}

	if state.CurrentAttempt < state.MaxAttempts {
		return c.swapAndResubmit(ctx, state, ladder)
	}

	state.Terminal = true
	state.Status = StatusTerminal
	if err := c.store.Save(state); err != nil {
		return OutcomeNotReady, err
	}
	log.Info("coordinator terminal", "swaps", state.CompletedSwaps())
	c.bus.Publish(event.NewTerminalEvent(state.CurrentAttempt, state.CompletedSwaps()))
	return OutcomeTerminal, nil
}

func (c *Coordinator) initialize(ctx context.Context, state *State) (Outcome, error) {
	if c.cfg.Ladder == nil {
		return OutcomeNotReady, c.fail(apperrors.NewStageError(apperrors.StageInitialization, apperrors.ErrInitialization, nil).
			WithMessage("no ladder spec configured"))
	}

	ctx, span := tracing.Start(ctx, "coordinator.initialize", attribute.Int("values", len(c.cfg.Ladder.Values)))
	defer span.End()

	if err := c.queue.Initialize(ctx, c.cfg.Ladder); err != nil {
		return OutcomeNotReady, c.fail(apperrors.NewStageError(apperrors.StageInitialization, apperrors.ErrInitialization, err))
	}
	ladder, err := c.registry.ListReplicas(ctx)
	if err != nil {
		return OutcomeNotReady, c.fail(apperrors.NewStageError(apperrors.StageInitialization, apperrors.ErrInitialization, err))
	}
	if err := c.registry.ResetForRerun(ctx, ladder, nil); err != nil {
		return OutcomeNotReady, c.fail(apperrors.NewStageError(apperrors.StageInitialization, apperrors.ErrInitialization, err))
	}
	if err := c.queue.Submit(ctx, ladder); err != nil {
		return OutcomeNotReady, c.fail(apperrors.NewStageError(apperrors.StageSubmission, apperrors.ErrSubmission, err).WithAttempt(0))
	}

	state.RunID = uuid.NewString()
	state.Status = StatusRunning
	state.MaxAttempts = c.cfg.MaxAttempts
	if err := c.store.Save(state); err != nil {
		return OutcomeNotReady, err
	}

	c.logger.WithRun(state.RunID).Info("ladder initialized",
		"replicas", len(ladder), "params", ladder.Params(), "max_attempts", state.MaxAttempts)
	c.bus.Publish(event.NewInitializedEvent(state.RunID, len(ladder)))
	return OutcomeInitialized, nil
}

func (c *Coordinator) poll(ctx context.Context, state *State, ladder replica.Ladder) (bool, error) {
	wait := poller.Wait{Initial: c.cfg.InitWait, Retry: c.cfg.ExtraWait, MaxRetries: c.cfg.MaxTries}
	if state.CurrentAttempt == 0 {
		wait.Initial = c.cfg.FirstWait
	}

	ctx, span := tracing.Start(ctx, "coordinator.poll", attribute.Int("replicas", len(ladder)))
	defer span.End()

	log := c.logger.WithRun(state.RunID).WithAttempt(state.CurrentAttempt).WithStage(apperrors.StagePoll)
	opts := append([]poller.Option{poller.WithLogger(log)}, c.pollOpts...)
	p := poller.New(func(ctx context.Context) (bool, error) {
		return c.registry.AllDone(ctx, ladder)
	}, opts...)

	start := c.now()
	done, err := p.WaitUntilAllDone(ctx, wait)
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.Bool("done", done))
	c.bus.Publish(event.NewPolledEvent(state.CurrentAttempt, done, c.now().Sub(start)))
	return done, nil
}

// finalize marks the previous swap completed once both participants have
// finished their post-swap run. It reports false when they have not.
func (c *Coordinator) finalize(ctx context.Context, state *State, ladder replica.Ladder) (bool, error) {
	rec := state.Pending()
	if rec == nil {
		return true, nil
	}

	for _, id := range []string{rec.ReplicaIDI, rec.ReplicaIDJ} {
		done, err := c.registry.IsDone(ctx, replicaByID(ladder, id))
		if err != nil {
			return false, c.fail(apperrors.NewStageError(apperrors.StageFinalize, nil, err).WithMessage("finalize swap").WithAttempt(rec.AttemptIndex))
		}
		if !done {
			c.logger.WithAttempt(rec.AttemptIndex).Warn("swap participant not done", "replica_id", id)
			return false, nil
		}
	}

	if rec.Accepted {
		if err := c.registry.SetSwapPending(ctx, []string{rec.ReplicaIDI, rec.ReplicaIDJ}, false); err != nil {
			return false, c.fail(apperrors.NewStageError(apperrors.StageFinalize, nil, err).WithMessage("finalize swap").WithAttempt(rec.AttemptIndex))
		}
	}

	now := c.now().UTC()
	rec.Completed = true
	rec.CompletedAt = &now
	if err := c.store.Save(state); err != nil {
		return false, err
	}

	c.logger.WithRun(state.RunID).WithAttempt(rec.AttemptIndex).Info("swap finalized", "i", rec.I, "j", rec.J)
	c.bus.Publish(event.NewSwapFinalizedEvent(rec.AttemptIndex, rec.I, rec.J, rec.ParamI, rec.ParamJ, rec.Accepted))
	return true, nil
}

func (c *Coordinator) swapAndResubmit(ctx context.Context, state *State, ladder replica.Ladder) (Outcome, error) {
	attempt := state.CurrentAttempt
	log := c.logger.WithRun(state.RunID).WithAttempt(attempt).WithStage(apperrors.StageSwap)

	i, j, err := c.selector.SelectPair(len(ladder))
	if err != nil {
		return OutcomeNotReady, c.fail(apperrors.NewSwapError(attempt, i, j, err))
	}
	ri, rj := ladder[i], ladder[j]

	accepted, err := c.acceptance.Accept(ctx, swap.Proposal{
		Attempt:    attempt,
		I:          i,
		J:          j,
		ParamI:     ri.Param,
		ParamJ:     rj.Param,
		ReplicaIDI: ri.ID,
		ReplicaIDJ: rj.ID,
	})
	if err != nil {
		return OutcomeNotReady, c.fail(apperrors.NewSwapError(attempt, i, j, err))
	}

	rec := SwapRecord{
		AttemptIndex: attempt,
		I:            i,
		J:            j,
		ParamI:       ri.Param,
		ParamJ:       rj.Param,
		ReplicaIDI:   ri.ID,
		ReplicaIDJ:   rj.ID,
		Accepted:     accepted,
		Phase:        PhaseSelected,
		CreatedAt:    c.now().UTC(),
	}
	if accepted {
		// Reading both snapshots here fails an unreadable pair before the
		// state is touched.
		rec.FingerprintI, rec.FingerprintJ, err = c.swapper.Fingerprints(ctx, ri, rj)
		if err != nil {
			return OutcomeNotReady, c.fail(apperrors.NewSwapError(attempt, i, j, err))
		}
	}

	state.SwapHistory = append(state.SwapHistory, rec)
	state.CurrentAttempt++
	if err := c.store.Save(state); err != nil {
		return OutcomeNotReady, err
	}

	log.Info("swap selected", "i", i, "j", j, "param_i", ri.Param, "param_j", rj.Param, "accepted", accepted)
	c.bus.Publish(event.NewSwapSelectedEvent(attempt, i, j, ri.Param, rj.Param, accepted))

	return c.resume(ctx, state, state.Last())
}

// resume carries an incomplete record from its persisted phase through to
// submitted.
func (c *Coordinator) resume(ctx context.Context, state *State, rec *SwapRecord) (Outcome, error) {
	ladder, err := c.registry.ListReplicas(ctx)
	if err != nil {
		return OutcomeNotReady, c.fail(apperrors.NewSwapError(rec.AttemptIndex, rec.I, rec.J, err))
	}

	if rec.Phase == PhaseSelected {
		if err := c.apply(ctx, state, rec, ladder); err != nil {
			return OutcomeNotReady, err
		}
	}
	if rec.Phase == PhaseApplied {
		if err := c.resubmit(ctx, state, rec, ladder); err != nil {
			return OutcomeNotReady, err
		}
	}
	return OutcomeSwapped, nil
}

func (c *Coordinator) apply(ctx context.Context, state *State, rec *SwapRecord, ladder replica.Ladder) error {
	log := c.logger.WithRun(state.RunID).WithAttempt(rec.AttemptIndex).WithStage(apperrors.StageSwap)

	if rec.Accepted {
		ri, okI := findReplica(ladder, rec.ReplicaIDI)
		rj, okJ := findReplica(ladder, rec.ReplicaIDJ)
		if !okI || !okJ {
			err := fmt.Errorf("%w: swap participant %s or %s is not in the ladder",
				apperrors.ErrJobNotFound, rec.ReplicaIDI, rec.ReplicaIDJ)
			return c.fail(apperrors.NewSwapError(rec.AttemptIndex, rec.I, rec.J, err))
		}

		ctx, span := tracing.Start(ctx, "swap.apply",
			attribute.Int("i", rec.I), attribute.Int("j", rec.J))

		fi, fj, err := c.swapper.Fingerprints(ctx, ri, rj)
		if err != nil {
			tracing.End(span, err)
			return c.fail(apperrors.NewSwapError(rec.AttemptIndex, rec.I, rec.J, err))
		}

		switch {
		case fi == rec.FingerprintI && fj == rec.FingerprintJ:
			if err := c.swapper.Apply(ctx, ri, rj); err != nil {
				tracing.End(span, err)
				return c.abandon(ctx, state, rec, ri, rj, err)
			}
		case fi == rec.FingerprintJ && fj == rec.FingerprintI:
			log.Warn("snapshots already exchanged, not applying again")
		default:
			err := fmt.Errorf("%w: snapshots of pair %d<->%d changed since selection",
				apperrors.ErrStateCorrupted, rec.I, rec.J)
			tracing.End(span, err)
			return c.fail(apperrors.NewSwapError(rec.AttemptIndex, rec.I, rec.J, err))
		}
		tracing.End(span, nil)

		if err := c.registry.SetSwapPending(ctx, []string{ri.ID, rj.ID}, true); err != nil {
			return c.fail(apperrors.NewSwapError(rec.AttemptIndex, rec.I, rec.J, err))
		}
	}

	rec.Phase = PhaseApplied
	if err := c.store.Save(state); err != nil {
		return err
	}
	if rec.Accepted {
		log.Info("swap applied", "replica_id_i", rec.ReplicaIDI, "replica_id_j", rec.ReplicaIDJ)
		c.bus.Publish(event.NewSwapAppliedEvent(rec.AttemptIndex, rec.I, rec.J, rec.ParamI, rec.ParamJ))
	} else {
		log.Info("swap rejected", "i", rec.I, "j", rec.J)
	}
	return nil
}

// abandon drops a record whose snapshots could not be exchanged. When the
// applicator left both snapshots untouched the state rolls back to the
// previous attempt; otherwise the record stays for operator inspection.
func (c *Coordinator) abandon(ctx context.Context, state *State, rec *SwapRecord, ri, rj replica.Replica, cause error) error {
	swapErr := apperrors.NewSwapError(rec.AttemptIndex, rec.I, rec.J, cause)

	fi, fj, err := c.swapper.Fingerprints(ctx, ri, rj)
	if err != nil || fi != rec.FingerprintI || fj != rec.FingerprintJ {
		c.logger.WithAttempt(rec.AttemptIndex).Error("swap left snapshots inconsistent; manual repair needed",
			"replica_id_i", ri.ID, "replica_id_j", rj.ID)
		return c.fail(swapErr)
	}

	state.SwapHistory = state.SwapHistory[:len(state.SwapHistory)-1]
	state.CurrentAttempt--
	if err := c.store.Save(state); err != nil {
		return apperrors.Join(swapErr, err)
	}
	return c.fail(swapErr)
}

func (c *Coordinator) resubmit(ctx context.Context, state *State, rec *SwapRecord, ladder replica.Ladder) error {
	ctx, span := tracing.Start(ctx, "coordinator.submit", attribute.Int("replicas", len(ladder)))
	defer span.End()

	if err := c.registry.ResetForRerun(ctx, ladder, c.cfg.RunParams); err != nil {
		return c.fail(apperrors.NewStageError(apperrors.StageSubmission, apperrors.ErrSubmission, err).WithAttempt(rec.AttemptIndex))
	}
	if err := c.queue.Submit(ctx, ladder); err != nil {
		return c.fail(apperrors.NewStageError(apperrors.StageSubmission, apperrors.ErrSubmission, err).WithAttempt(rec.AttemptIndex))
	}

	rec.Phase = PhaseSubmitted
	if err := c.store.Save(state); err != nil {
		return err
	}
	c.logger.WithRun(state.RunID).WithAttempt(rec.AttemptIndex).Info("ladder resubmitted", "replicas", len(ladder))
	c.bus.Publish(event.NewResubmittedEvent(state.CurrentAttempt, len(ladder)))
	return nil
}

// fail publishes a fatal error and returns it.
func (c *Coordinator) fail(err error) error {
	stage, attempt := apperrors.StageSwap, -1
	var stageErr *apperrors.StageError
	var swapErr *apperrors.SwapError
	switch {
	case apperrors.As(err, &stageErr):
		stage, attempt = stageErr.Stage, stageErr.Attempt
	case apperrors.As(err, &swapErr):
		attempt = swapErr.Attempt
	}
	c.logger.WithStage(stage).Error("coordinator stage failed", "attempt", attempt, "error", err.Error())
	c.bus.Publish(event.NewStageFailedEvent(stage, attempt, err))
	return err
}

func findReplica(ladder replica.Ladder, id string) (replica.Replica, bool) {
	for _, r := range ladder {
		if r.ID == id {
			return r, true
		}
	}
	return replica.Replica{}, false
}

// replicaByID finds id in ladder. A participant that vanished from the
// ladder is returned with only its ID, which is enough for document
// lookups but not for snapshot access.
func replicaByID(ladder replica.Ladder, id string) replica.Replica {
	if r, ok := findReplica(ladder, id); ok {
		return r
	}
	return replica.Replica{ID: id}
}
