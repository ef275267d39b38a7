package core

// Presenter is the drawing surface the core talks to. Implementations must
// accept calls from any goroutine and must not block on user input.
type Presenter interface {
	DrawMessage(p *Participant, text string)
	DrawServerEvent(p *Participant, text string)
	DrawClientInfo(text string)
	DrawUnhandled(text string)

	// DrawHelp shows help for one command, or all commands for CommandNone.
	DrawHelp(kind CommandKind)

	// RefreshRoster redraws the participant list.
	RefreshRoster()
}

// InputHandler receives submitted input lines from the presentation layer.
type InputHandler interface {
	HandleInput(line string)
}

// HelpSource renders command help text.
type HelpSource interface {
	Help(kind CommandKind) string
}
