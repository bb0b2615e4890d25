// Package tui renders coordinator progress, either once for `replex status`
// or as a live bubbletea view for `replex watch`.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/replex/internal/coordinator"
	"github.com/Iron-Ham/replex/internal/replica"
)

// historyRows is how many recent swap records are rendered.
const historyRows = 5

// Status is everything one frame shows.
type Status struct {
	State    *coordinator.State
	Ladder   replica.Ladder
	Key      string
	LoadedAt time.Time
	// Err is set when the ladder or state could not be read. Whatever was
	// read is still rendered.
	Err error
}

// Loader reads a fresh Status.
type Loader func(ctx context.Context) Status

// Filter selects the replicas to render.
type Filter func(r replica.Replica) bool

// MatchFilter compiles a glob matched against replica IDs and parameter
// values (e.g. "0.5*" or "3f2a*"). An empty pattern matches everything.
func MatchFilter(pattern string) (Filter, error) {
	if pattern == "" {
		return func(replica.Replica) bool { return true }, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid match pattern %q: %w", pattern, err)
	}
	return func(r replica.Replica) bool {
		return g.Match(r.ID) || g.Match(FormatParam(r.Param))
	}, nil
}

// FormatParam renders an exchange-parameter value in its shortest form.
func FormatParam(p float64) string {
	return strconv.FormatFloat(p, 'g', -1, 64)
}

// ShortID abbreviates a job ID for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RenderStatus renders a status frame. filter may be nil.
func RenderStatus(st Status, filter Filter) string {
	var b strings.Builder

	b.WriteString(renderHeader(st))
	b.WriteString("\n")

	if st.Err != nil {
		b.WriteString(ErrorMsg.Render("error: " + st.Err.Error()))
		b.WriteString("\n")
	}

	b.WriteString(renderLadder(st, filter))
	b.WriteString(renderHistory(st.State))

	return b.String()
}

func renderHeader(st Status) string {
	s := st.State
	if s == nil {
		return Header.Render("replex")
	}

	parts := []string{Title.Render("replex")}
	if s.RunID != "" {
		parts = append(parts, Muted.Render("run "+ShortID(s.RunID)))
	}

	statusText := string(s.Status)
	switch s.Status {
	case coordinator.StatusTerminal:
		statusText = SuccessMsg.Render(statusText)
	case coordinator.StatusRunning:
		statusText = Running.Render(statusText)
	default:
		statusText = Muted.Render(statusText)
	}
	parts = append(parts,
		statusText,
		fmt.Sprintf("attempt %d/%d", s.CurrentAttempt, s.MaxAttempts),
		fmt.Sprintf("swaps %d", s.CompletedSwaps()),
	)
	return Header.Render(strings.Join(parts, "  "))
}

func renderLadder(st Status, filter Filter) string {
	var b strings.Builder

	key := st.Key
	if key == "" {
		key = "param"
	}
	b.WriteString(SectionTitle.Render(fmt.Sprintf("Ladder (%d replicas)", len(st.Ladder))))
	b.WriteString("\n")
	b.WriteString(ColumnHeader.Render(fmt.Sprintf("%-4s %-12s %-10s %-8s %-5s", "#", key, "job", "done", "swap")))
	b.WriteString("\n")

	shown := 0
	for i, r := range st.Ladder {
		if filter != nil && !filter(r) {
			continue
		}
		shown++

		done := Running.Render(fmt.Sprintf("%-8s", "running"))
		if r.Done {
			done = Done.Render(fmt.Sprintf("%-8s", "done"))
		}
		swapFlag := Muted.Render("-")
		if r.SwapPending {
			swapFlag = SwapPending.Render("*")
		}
		fmt.Fprintf(&b, "%-4d %-12s %-10s %s %s\n", i, FormatParam(r.Param), ShortID(r.ID), done, swapFlag)
	}
	if shown == 0 {
		b.WriteString(Muted.Render("no replicas"))
		b.WriteString("\n")
	}
	return b.String()
}

func renderHistory(s *coordinator.State) string {
	if s == nil || len(s.SwapHistory) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(SectionTitle.Render("Recent swaps"))
	b.WriteString("\n")

	start := max(0, len(s.SwapHistory)-historyRows)
	for k := len(s.SwapHistory) - 1; k >= start; k-- {
		b.WriteString(FormatRecord(s.SwapHistory[k]))
		b.WriteString("\n")
	}
	return b.String()
}

// FormatRecord renders one swap record on a single line.
func FormatRecord(r coordinator.SwapRecord) string {
	verdict := "accepted"
	if !r.Accepted {
		verdict = "rejected"
	}
	state := Running.Render(string(r.Phase))
	if r.Completed {
		state = Done.Render("completed")
	}
	return fmt.Sprintf("#%-3d %d<->%d  %s <-> %s  %-8s %s",
		r.AttemptIndex, r.I, r.J, FormatParam(r.ParamI), FormatParam(r.ParamJ), verdict, state)
}

// LadderLister lists the current ladder.
type LadderLister interface {
	ListReplicas(ctx context.Context) (replica.Ladder, error)
	Key() string
}

// NewLoader builds a Loader over the persisted state and the live ladder.
func NewLoader(states coordinator.StateStore, lister LadderLister) Loader {
	return func(ctx context.Context) Status {
		st := Status{Key: lister.Key(), LoadedAt: time.Now()}

		state, err := states.Load()
		if err != nil {
			st.Err = err
		}
		st.State = state

		ladder, err := lister.ListReplicas(ctx)
		if err != nil {
			st.Err = errors.Join(st.Err, err)
		}
		st.Ladder = ladder
		return st
	}
}
