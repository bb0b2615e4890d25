package cmd

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/replex/internal/config"
	"github.com/Iron-Ham/replex/internal/coordinator"
	"github.com/Iron-Ham/replex/internal/jobqueue"
	"github.com/Iron-Ham/replex/internal/logging"
	"github.com/Iron-Ham/replex/internal/replica"
	"github.com/Iron-Ham/replex/internal/snapshot"
	"github.com/Iron-Ham/replex/internal/swap"
	"github.com/Iron-Ham/replex/internal/workspace"
)

// app bundles the components one invocation works with.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	ws       *workspace.Workspace
	registry *replica.Registry
	states   *coordinator.FileStateStore
	queue    jobqueue.JobQueue
	snaps    *snapshot.FileStore
}

// newApp loads the configuration and opens the workspace. withLog selects
// the configured logger; read-only commands pass false and log nothing.
func newApp(withLog bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := logging.NopLogger()
	if withLog {
		dir := ""
		if cfg.Logging.Enabled {
			dir = cfg.ResolvedStateDir()
		}
		logger, err = logging.NewLogger(dir, logging.ParseLevel(cfg.Logging.Level))
		if err != nil {
			return nil, err
		}
	}

	ws, err := workspace.Open(cfg.Workspace)
	if err != nil {
		logger.Close()
		return nil, err
	}
	ws.SetLogger(logger)

	queue, err := jobqueue.New(ws, jobqueue.Options{
		Driver:        cfg.Queue.Driver,
		Mode:          cfg.Mode,
		InitCommand:   cfg.Queue.InitCommand,
		SubmitCommand: cfg.Queue.SubmitCommand,
	}, logger)
	if err != nil {
		logger.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		ws:       ws,
		registry: replica.NewRegistry(ws, cfg.Exchange.Key, logger),
		states:   coordinator.NewFileStateStore(cfg.ResolvedStateDir(), cfg.Exchange.NAttempts),
		queue:    queue,
		snaps:    snapshot.NewFileStore(cfg.Exchange.SnapshotFile),
	}, nil
}

func (a *app) Close() {
	_ = a.logger.Close()
}

// ladderSpec loads the ladder file, which must order the ladder by the
// configured exchange key. path overrides exchange.ladder_file.
func (a *app) ladderSpec(path string) (*workspace.LadderSpec, error) {
	if path == "" {
		path = a.cfg.ResolvedLadderFile(viper.ConfigFileUsed())
	}
	if path == "" {
		return nil, fmt.Errorf("no ladder file configured (set exchange.ladder_file or pass --ladder)")
	}
	spec, err := workspace.LoadLadderSpec(path)
	if err != nil {
		return nil, err
	}
	if spec.ExchangeKey != a.cfg.Exchange.Key {
		return nil, fmt.Errorf("ladder %s is keyed by %q but exchange.key is %q", path, spec.ExchangeKey, a.cfg.Exchange.Key)
	}
	return spec, nil
}

// coordinatorConfig maps the configuration onto the attempt loop.
func (a *app) coordinatorConfig(spec *workspace.LadderSpec) coordinator.Config {
	return coordinator.Config{
		Ladder:      spec,
		MaxAttempts: a.cfg.Exchange.NAttempts,
		FirstWait:   a.cfg.Poll.FirstWait,
		InitWait:    a.cfg.Poll.InitWait,
		ExtraWait:   a.cfg.Poll.ExtraWait,
		MaxTries:    a.cfg.Poll.MaxTries,
		MaxRounds:   a.cfg.Poll.MaxRounds,
		RunParams:   a.cfg.Exchange.RerunParams,
	}
}

// coordinatorDeps returns the production collaborators.
func (a *app) coordinatorDeps() coordinator.Deps {
	return coordinator.Deps{
		Registry: a.registry,
		Queue:    a.queue,
		Swapper:  swap.NewApplicator(a.snaps, a.logger),
		Selector: swap.NewRandomSelector(a.cfg.Exchange.Seed),
		Store:    a.states,
		Logger:   a.logger,
	}
}
