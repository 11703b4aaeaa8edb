package ui

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jroimartin/gocui"
)

const (
	messagesView = "messages"
	statusView   = "status"
	inputView    = "input"
)

// TUI is a full-screen gocui Surface: a scrolling message pane, a
// one-line status bar and an editable input box.
type TUI struct {
	gui    *gocui.Gui
	title  string
	status string

	mu      sync.Mutex
	enabled bool
	submit  func(string) bool

	quit     chan struct{}
	quitOnce sync.Once
}

// NewTUI takes over the terminal.  title labels the message pane and
// status is shown in the status bar.
func NewTUI(title, status string) (*TUI, error) {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return nil, fmt.Errorf("terminal UI: %w", err)
	}
	g.Cursor = true

	t := &TUI{gui: g, title: title, status: status, quit: make(chan struct{})}
	g.SetManagerFunc(t.layout)
	return t, nil
}

// Append adds text to the message pane.
func (t *TUI) Append(text string) {
	t.update(func(g *gocui.Gui) error {
		v, err := t.view(g, messagesView)
		if err != nil {
			return err
		}
		fmt.Fprint(v, text)
		return nil
	})
}

// SetInputEnabled makes the input box editable or read-only and says so
// in the status bar.
func (t *TUI) SetInputEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()

	t.update(func(g *gocui.Gui) error {
		in, err := t.view(g, inputView)
		if err != nil {
			return err
		}
		in.Editable = enabled
		return t.drawStatus(g)
	})
}

// Run installs the key bindings and blocks in the gocui main loop until
// the user quits or Stop is called.  Enter hands the input line to
// submit.  The terminal is restored before Run returns.
func (t *TUI) Run(submit func(string) bool) error {
	t.mu.Lock()
	t.submit = submit
	t.mu.Unlock()

	defer t.gui.Close()
	defer t.quitOnce.Do(func() { close(t.quit) })

	if err := t.keybindings(); err != nil {
		return err
	}
	if err := t.gui.MainLoop(); err != nil && !errors.Is(err, gocui.ErrQuit) {
		return err
	}
	return nil
}

// Stop makes Run return.  Safe to call from any goroutine.
func (t *TUI) Stop() {
	select {
	case <-t.quit:
		return
	default:
	}
	t.gui.Update(func(*gocui.Gui) error { return gocui.ErrQuit })
}

// Done is closed once the main loop has exited.
func (t *TUI) Done() <-chan struct{} { return t.quit }

// update runs fn on the gocui goroutine and waits for it.  gocui runs
// each Update on its own goroutine, so without the wait two calls could
// reach the event loop out of order.
func (t *TUI) update(fn func(*gocui.Gui) error) {
	done := make(chan struct{})
	t.gui.Update(func(g *gocui.Gui) error {
		defer close(done)
		return fn(g)
	})
	select {
	case <-done:
	case <-t.quit:
	}
}

// view returns a view by name, laying the screen out first so that
// updates queued before the first frame still find their view.
func (t *TUI) view(g *gocui.Gui, name string) (*gocui.View, error) {
	if err := t.layout(g); err != nil {
		return nil, err
	}
	return g.View(name)
}

func (t *TUI) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()
	if maxX < 10 || maxY < 8 {
		maxX, maxY = 80, 24
	}
	msgBottom := maxY - 6

	if v, err := g.SetView(messagesView, 0, 0, maxX-1, msgBottom); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = t.title
		v.Wrap = true
		v.Autoscroll = true
	}

	if v, err := g.SetView(statusView, 0, msgBottom+1, maxX-1, msgBottom+3); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = "Status"
		t.writeStatus(v)
	}

	if v, err := g.SetView(inputView, 0, msgBottom+3, maxX-1, maxY-1); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = "Message"
		v.Wrap = true
		t.mu.Lock()
		v.Editable = t.enabled
		t.mu.Unlock()
		if _, err := g.SetCurrentView(inputView); err != nil {
			return err
		}
	}
	return nil
}

func (t *TUI) drawStatus(g *gocui.Gui) error {
	v, err := g.View(statusView)
	if err != nil {
		return err
	}
	v.Clear()
	t.writeStatus(v)
	return nil
}

func (t *TUI) writeStatus(v *gocui.View) {
	t.mu.Lock()
	enabled := t.enabled
	t.mu.Unlock()

	state := "Dennis is thinking..."
	if enabled {
		state = "Ready"
	}
	fmt.Fprintf(v, "%s | %s | Enter: send | Ctrl-C: quit", t.status, state)
}

func (t *TUI) keybindings() error {
	if err := t.gui.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone,
		func(*gocui.Gui, *gocui.View) error { return gocui.ErrQuit }); err != nil {
		return err
	}
	return t.gui.SetKeybinding(inputView, gocui.KeyEnter, gocui.ModNone, t.handleEnter)
}

func (t *TUI) handleEnter(_ *gocui.Gui, v *gocui.View) error {
	t.mu.Lock()
	enabled, submit := t.enabled, t.submit
	t.mu.Unlock()

	if !enabled {
		return nil
	}
	text := strings.TrimSpace(v.Buffer())
	v.Clear()
	v.SetCursor(0, 0) //nolint:errcheck
	v.SetOrigin(0, 0) //nolint:errcheck

	if text == "" || submit == nil {
		return nil
	}

	// Lock the box now; the renderer's disable arrives a moment later
	// and a second Enter must not race it.
	t.mu.Lock()
	t.enabled = false
	t.mu.Unlock()
	v.Editable = false

	if !submit(text) {
		t.mu.Lock()
		t.enabled = true
		t.mu.Unlock()
		v.Editable = true
	}
	return nil
}
