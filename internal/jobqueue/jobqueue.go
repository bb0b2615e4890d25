// Package jobqueue adapts the external scheduler that launches simulation
// processes. Two drivers exist: exec runs configured shell commands, manual
// leaves launching to a scheduler that watches job documents on its own.
package jobqueue

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"text/template"

	"github.com/Iron-Ham/replex/internal/logging"
	"github.com/Iron-Ham/replex/internal/replica"
	"github.com/Iron-Ham/replex/internal/workspace"
)

// Driver names.
const (
	DriverExec   = "exec"
	DriverManual = "manual"
)

// ValidDrivers lists the supported drivers.
var ValidDrivers = []string{DriverExec, DriverManual}

// JobQueue creates and submits replica jobs.
type JobQueue interface {
	// Initialize creates the replica set described by spec.
	Initialize(ctx context.Context, spec *workspace.LadderSpec) error
	// Submit launches (or relaunches) every replica for its next run.
	Submit(ctx context.Context, replicas []replica.Replica) error
}

// CommandRunner runs a shell command line in dir and returns its combined
// output.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) ([]byte, error)
}

// ShellRunner runs commands through sh -c.
type ShellRunner struct{}

// Run implements CommandRunner.
func (ShellRunner) Run(ctx context.Context, dir, command string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// TemplateData is available to init and submit command templates.
type TemplateData struct {
	// Mode names the simulation collaborator being driven.
	Mode string
	// Workspace is the absolute workspace directory.
	Workspace string
	// ExchangeKey is the statepoint key of the ladder.
	ExchangeKey string
	// Replicas is empty for the init command.
	Replicas []replica.Replica
	// IDs holds the replica IDs joined by spaces.
	IDs string
}

// RenderCommand renders a command template with data.
func RenderCommand(tmplStr string, data TemplateData) (string, error) {
	tmpl, err := template.New("command").Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// Options configures a queue.
type Options struct {
	Driver        string
	Mode          string
	InitCommand   string
	SubmitCommand string
	Runner        CommandRunner
}

// New returns the queue for opts.Driver.
func New(ws *workspace.Workspace, opts Options, logger *logging.Logger) (JobQueue, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	switch opts.Driver {
	case DriverExec:
		runner := opts.Runner
		if runner == nil {
			runner = ShellRunner{}
		}
		return &ExecQueue{
			ws:            ws,
			mode:          opts.Mode,
			initCommand:   opts.InitCommand,
			submitCommand: opts.SubmitCommand,
			runner:        runner,
			logger:        logger,
		}, nil
	case DriverManual, "":
		return &ManualQueue{ws: ws, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q (valid: %s)", opts.Driver, strings.Join(ValidDrivers, ", "))
	}
}

// ExecQueue creates jobs in the workspace and launches them with shell
// commands.
type ExecQueue struct {
	ws            *workspace.Workspace
	mode          string
	initCommand   string
	submitCommand string
	runner        CommandRunner
	logger        *logging.Logger
}

// Initialize implements JobQueue.
func (q *ExecQueue) Initialize(ctx context.Context, spec *workspace.LadderSpec) error {
	if _, err := q.ws.InitJobs(ctx, spec); err != nil {
		return err
	}
	if q.initCommand == "" {
		return nil
	}
	return q.run(ctx, "init", q.initCommand, TemplateData{
		Mode:        q.mode,
		Workspace:   q.ws.Root(),
		ExchangeKey: spec.ExchangeKey,
	})
}

// Submit implements JobQueue.
func (q *ExecQueue) Submit(ctx context.Context, replicas []replica.Replica) error {
	if q.submitCommand == "" {
		return fmt.Errorf("exec driver has no submit command")
	}
	ids := make([]string, len(replicas))
	for i, r := range replicas {
		ids[i] = r.ID
	}
	return q.run(ctx, "submit", q.submitCommand, TemplateData{
		Mode:      q.mode,
		Workspace: q.ws.Root(),
		Replicas:  replicas,
		IDs:       strings.Join(ids, " "),
	})
}

func (q *ExecQueue) run(ctx context.Context, name, tmpl string, data TemplateData) error {
	command, err := RenderCommand(tmpl, data)
	if err != nil {
		return fmt.Errorf("render %s command: %w", name, err)
	}

	q.logger.Info("running queue command", "command", name, "replicas", len(data.Replicas))
	output, err := q.runner.Run(ctx, q.ws.Root(), command)
	if err != nil {
		return fmt.Errorf("%s command failed: %w\noutput: %s", name, err, strings.TrimSpace(string(output)))
	}
	q.logger.Debug("queue command finished", "command", name, "output", strings.TrimSpace(string(output)))
	return nil
}

// ManualQueue only creates jobs. An external scheduler notices documents
// with done=false and runs them.
type ManualQueue struct {
	ws     *workspace.Workspace
	logger *logging.Logger
}

// Initialize implements JobQueue.
func (q *ManualQueue) Initialize(ctx context.Context, spec *workspace.LadderSpec) error {
	_, err := q.ws.InitJobs(ctx, spec)
	return err
}

// Submit implements JobQueue.
func (q *ManualQueue) Submit(_ context.Context, replicas []replica.Replica) error {
	q.logger.Info("replicas ready for external scheduler", "replicas", len(replicas))
	return nil
}
