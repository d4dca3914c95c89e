package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kilimcininkoroglu/kapi/internal/download"
)

// Runner drives a board from an event channel.
type Runner struct {
	canceller Canceller
	expected  int
	opts      []tea.ProgramOption
}

// NewRunner creates a runner for expected tasks.
func NewRunner(c Canceller, expected int, opts ...tea.ProgramOption) *Runner {
	if len(opts) == 0 {
		opts = []tea.ProgramOption{tea.WithAltScreen()}
	}
	return &Runner{canceller: c, expected: expected, opts: opts}
}

// Run shows the board until every expected task finishes, the user quits or
// ctx is cancelled. It returns the final model.
func (r *Runner) Run(ctx context.Context, events <-chan download.Event) (Model, error) {
	opts := append([]tea.ProgramOption{tea.WithContext(ctx)}, r.opts...)
	program := tea.NewProgram(NewModel(r.canceller, r.expected), opts...)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				program.Send(EventMsg{Event: e})
			case <-stop:
				return
			}
		}
	}()

	final, err := program.Run()
	m, _ := final.(Model)
	return m, err
}
