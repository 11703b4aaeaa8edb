package ui

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// Lines is a plain-text Surface for --no-ui runs, pipes and tests.
// Output goes to w as is; input is read from a Reader by Run.
type Lines struct {
	// Prompt, when set, is written each time input becomes enabled.
	Prompt string

	mu      sync.Mutex
	w       io.Writer
	enabled bool
	open    chan struct{} // closed while input is enabled
}

// NewLines returns a Lines surface with input disabled.
func NewLines(w io.Writer) *Lines {
	return &Lines{w: w, open: make(chan struct{})}
}

// Append writes text.
func (l *Lines) Append(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.w, text) //nolint:errcheck
}

// SetInputEnabled opens or closes the input gate.
func (l *Lines) SetInputEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if enabled == l.enabled {
		return
	}
	l.enabled = enabled
	if enabled {
		close(l.open)
		if l.Prompt != "" {
			io.WriteString(l.w, l.Prompt) //nolint:errcheck
		}
		return
	}
	l.open = make(chan struct{})
}

// InputEnabled reports the gate.
func (l *Lines) InputEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

func (l *Lines) gate() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// WaitEnabled blocks until input is enabled or ctx is done.
func (l *Lines) WaitEnabled(ctx context.Context) error {
	select {
	case <-l.gate():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run feeds r to submit one line at a time, holding each line until
// the gate is open, the way a person waits for a reply before typing
// again.  At end of input it waits for the gate once more so the last
// reply is shown, then returns nil.
func (l *Lines) Run(ctx context.Context, r io.Reader, submit func(string) bool) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				var err error
				select {
				case err = <-readErr:
				default:
				}
				if err != nil {
					return err
				}
				return l.WaitEnabled(ctx)
			}
			if err := l.WaitEnabled(ctx); err != nil {
				return err
			}
			// Close the gate before submitting so the next line cannot
			// slip in ahead of the renderer's own disable.
			l.SetInputEnabled(false)
			if !submit(line) {
				l.SetInputEnabled(true)
			}
		}
	}
}
