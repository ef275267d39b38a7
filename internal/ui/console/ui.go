// Package console is a terminal chat UI in the style of an IRC client: an
// output pane, the room roster on the right and an input line at the bottom.
package console

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-tui/internal/core"
)

type tag int

const (
	tagMessage tag = iota
	tagServerEvent
	tagClientInfo
	tagUnhandled
)

var tagSymbols = map[tag]string{
	tagMessage:     "",
	tagServerEvent: "*",
	tagClientInfo:  "!",
	tagUnhandled:   "?",
}

// line is one entry of the output pane.
type line struct {
	at     time.Time
	tag    tag
	prefix string
	// slot is the palette slot of prefix, -1 when it is not a participant.
	slot int
	text string
}

// Options configures a UI.
type Options struct {
	// Input and Output default to the process stdin and stdout.
	Input  io.Reader
	Output io.Writer
	// AltScreen runs the UI in the terminal's alternate screen buffer.
	AltScreen bool
	Logger    *zerolog.Logger
	Now       func() time.Time
}

// UI implements core.Presenter on top of a bubbletea program. Draw calls
// only append to the output buffer and schedule a repaint, so they never
// block the caller.
type UI struct {
	input core.InputHandler
	dir   *core.Directory
	help  core.HelpSource
	opts  Options
	log   *zerolog.Logger

	mu      sync.Mutex
	lines   []line
	colors  *colorMap
	program *tea.Program
	stopped bool

	redraw   chan struct{}
	stopOnce sync.Once
}

var _ core.Presenter = (*UI)(nil)

// New creates a UI reading from dir and sending submitted lines to input.
func New(input core.InputHandler, dir *core.Directory, help core.HelpSource, opts Options) *UI {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	u := &UI{
		input:  input,
		dir:    dir,
		help:   help,
		opts:   opts,
		log:    logger,
		colors: newColorMap(),
		redraw: make(chan struct{}, 1),
	}
	u.colors.sync(dir.Entries())
	return u
}

// DrawMessage draws a chat message prefixed with its sender.
func (u *UI) DrawMessage(p *core.Participant, text string) {
	u.drawParticipant(tagMessage, p, text)
}

// DrawServerEvent draws a room event concerning p.
func (u *UI) DrawServerEvent(p *core.Participant, text string) {
	u.drawParticipant(tagServerEvent, p, text)
}

// DrawClientInfo draws a notice generated by the client itself.
func (u *UI) DrawClientInfo(text string) {
	u.append(line{tag: tagClientInfo, slot: -1, text: text})
}

// DrawUnhandled draws a server event the client has no reaction for.
func (u *UI) DrawUnhandled(text string) {
	u.append(line{tag: tagUnhandled, slot: -1, text: text})
}

// DrawHelp draws the usage of one command, or of all of them.
func (u *UI) DrawHelp(kind core.CommandKind) {
	u.DrawClientInfo(u.help.Help(kind))
}

// RefreshRoster recomputes roster colours and repaints.
func (u *UI) RefreshRoster() {
	entries := u.dir.Entries()
	u.mu.Lock()
	u.colors.sync(entries)
	u.mu.Unlock()
	u.requestRedraw()
}

func (u *UI) drawParticipant(t tag, p *core.Participant, text string) {
	// Rendered before taking u.mu: String locks the directory.
	name := p.String()
	u.mu.Lock()
	slot := u.colors.slot(p.ID())
	u.mu.Unlock()
	u.append(line{tag: t, prefix: name, slot: slot, text: text})
}

func (u *UI) append(l line) {
	l.at = u.opts.Now()
	u.mu.Lock()
	u.lines = append(u.lines, l)
	u.mu.Unlock()
	u.requestRedraw()
}

func (u *UI) requestRedraw() {
	select {
	case u.redraw <- struct{}{}:
	default:
	}
}

func (u *UI) snapshot() ([]line, map[string]int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	lines := make([]line, len(u.lines))
	copy(lines, u.lines)
	colors := make(map[string]int, len(u.colors.byID))
	for id, slot := range u.colors.byID {
		colors[id] = slot
	}
	return lines, colors
}

type redrawMsg struct{}

// Run shows the UI and blocks until the user quits, Stop is called or ctx
// is done.
func (u *UI) Run(ctx context.Context) error {
	opts := []tea.ProgramOption{
		tea.WithContext(ctx),
		tea.WithoutSignalHandler(),
	}
	if u.opts.Input != nil {
		opts = append(opts, tea.WithInput(u.opts.Input))
	}
	out := u.opts.Output
	if out == nil {
		out = os.Stdout
	}
	opts = append(opts, tea.WithOutput(out))
	if u.opts.AltScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	program := tea.NewProgram(newModel(u), opts...)

	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return nil
	}
	u.program = program
	u.mu.Unlock()

	done := make(chan struct{})
	go u.forwardRedraws(program, done)
	defer close(done)

	u.log.Debug().Msg("console ui started")
	_, err := program.Run()
	u.log.Debug().Err(err).Msg("console ui stopped")

	if err != nil && (ctx.Err() != nil || errors.Is(err, tea.ErrProgramKilled)) {
		return nil
	}
	return err
}

func (u *UI) forwardRedraws(program *tea.Program, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-u.redraw:
			program.Send(redrawMsg{})
		}
	}
}

// Stop makes Run return. It is safe to call from any goroutine, more than
// once, and before Run.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.mu.Lock()
		u.stopped = true
		program := u.program
		u.mu.Unlock()
		if program != nil {
			program.Quit()
		}
	})
}
