package tui

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/replex/internal/util"
)

// DefaultRefresh is the reload interval when no change signal arrives.
const DefaultRefresh = 2 * time.Second

// statusMsg carries a freshly loaded status
type statusMsg Status

// tickMsg triggers a periodic reload
type tickMsg time.Time

// wakeMsg is sent when the workspace reports a document change
type wakeMsg struct{}

// WatchModel is the bubbletea model behind `replex watch`.
type WatchModel struct {
	ctx      context.Context
	load     Loader
	filter   Filter
	wake     <-chan struct{}
	refresh  time.Duration
	spinner  spinner.Model
	status   Status
	width    int
	loaded   bool
	quitting bool
}

// WatchOption configures a WatchModel.
type WatchOption func(*WatchModel)

// WithFilter limits the rendered replicas.
func WithFilter(f Filter) WatchOption {
	return func(m *WatchModel) { m.filter = f }
}

// WithWake reloads whenever wake fires, in addition to the refresh tick.
func WithWake(wake <-chan struct{}) WatchOption {
	return func(m *WatchModel) { m.wake = wake }
}

// WithRefresh sets the reload interval.
func WithRefresh(d time.Duration) WatchOption {
	return func(m *WatchModel) {
		if d > 0 {
			m.refresh = d
		}
	}
}

// NewWatchModel creates the live view.
func NewWatchModel(ctx context.Context, load Loader, opts ...WatchOption) WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = Title

	m := WatchModel{
		ctx:     ctx,
		load:    load,
		refresh: DefaultRefresh,
		spinner: s,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.loadCmd(), m.waitForWake())
}

func (m WatchModel) loadCmd() tea.Cmd {
	return func() tea.Msg {
		return statusMsg(m.load(m.ctx))
	}
}

func (m WatchModel) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m WatchModel) waitForWake() tea.Cmd {
	if m.wake == nil {
		return nil
	}
	wake := m.wake
	return func() tea.Msg {
		if _, ok := <-wake; !ok {
			return nil
		}
		return wakeMsg{}
	}
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.loadCmd()
		}
		return m, nil

	case statusMsg:
		m.status = Status(msg)
		m.loaded = true
		return m, m.tick()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		return m, m.loadCmd()

	case wakeMsg:
		return m, tea.Batch(m.loadCmd(), m.waitForWake())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m WatchModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.loaded {
		return m.spinner.View() + " loading ladder...\n"
	}

	view := RenderStatus(m.status, m.filter)
	var help string
	if m.status.State != nil && m.status.State.Terminal {
		help = SuccessMsg.Render("finished") + "  " + HelpKey.Render("q") + " quit"
	} else {
		help = m.spinner.View() + " " + Muted.Render("updated "+m.status.LoadedAt.Format(time.TimeOnly)) +
			"  " + HelpKey.Render("r") + " refresh  " + HelpKey.Render("q") + " quit"
	}
	return util.FitLines(view+HelpBar.Render(help)+"\n", m.width)
}

// RunWatch runs the live view until the user quits or ctx ends.
func RunWatch(ctx context.Context, load Loader, opts ...WatchOption) error {
	model := NewWatchModel(ctx, load, opts...)
	_, err := tea.NewProgram(model, tea.WithContext(ctx)).Run()
	if err != nil && (errors.Is(err, tea.ErrProgramKilled) || ctx.Err() != nil) {
		return nil
	}
	return err
}
