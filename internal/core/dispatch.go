package core

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Server event texts drawn next to the acting participant.
const (
	textJoined      = "joined the room"
	textLeft        = "left the room"
	textInvited     = "invited %s"
	textChangedNick = "changed nick to %s"
)

type reaction func(e Event) error

// Dispatcher classifies incoming events and runs the reaction for their
// category. Dispatch calls are serialized so that each event is fully
// classified and handled before the next one starts.
type Dispatcher struct {
	mu        sync.Mutex
	directory *Directory
	presenter Presenter
	debug     bool
	log       *zerolog.Logger
	reactions map[Category]reaction
}

// NewDispatcher wires a dispatcher to the directory and presenter. With
// debug set, unhandled events are drawn instead of dropped.
func NewDispatcher(directory *Directory, presenter Presenter, debug bool, logger *zerolog.Logger) *Dispatcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	d := &Dispatcher{
		directory: directory,
		presenter: presenter,
		debug:     debug,
		log:       logger,
	}
	d.reactions = map[Category]reaction{
		CategoryMessage:       d.onMessage,
		CategoryJoin:          d.onJoin,
		CategoryLeave:         d.onLeave,
		CategoryInvite:        d.onInvite,
		CategoryProfileChange: d.onProfileChange,
		CategoryUnhandled:     d.onUnhandled,
	}
	return d
}

// Dispatch handles one event and returns the category it was classified as.
func (d *Dispatcher) Dispatch(e Event) Category {
	d.mu.Lock()
	defer d.mu.Unlock()

	category := Classify(e)
	d.log.Debug().
		Str("event_id", e.ID).
		Str("type", e.Type).
		Str("sender", e.Sender).
		Stringer("category", category).
		Msg("received event")

	if err := d.reactions[category](e); err != nil {
		d.log.Warn().Err(err).Str("event_id", e.ID).Stringer("category", category).Msg("dropped event")
	}
	return category
}

func (d *Dispatcher) onMessage(e Event) error {
	body, ok := e.ContentString("body")
	if !ok {
		return fmt.Errorf("%w: message without body", ErrMalformedEvent)
	}
	sender := d.directory.Get(e.Sender, "")
	d.presenter.DrawMessage(sender, body)
	return nil
}

func (d *Dispatcher) onJoin(e Event) error {
	nick, _ := e.ContentString("displayname")
	p := d.directory.Add(e.Subject(), nick)
	d.presenter.DrawServerEvent(p, textJoined)
	return nil
}

func (d *Dispatcher) onLeave(e Event) error {
	subject := e.Subject()
	p, ok := d.directory.Remove(subject)
	if !ok {
		// A leave can show up in history without the matching join.
		p = d.directory.Get(subject, "")
	}
	d.presenter.DrawServerEvent(p, textLeft)
	return nil
}

func (d *Dispatcher) onInvite(e Event) error {
	if e.StateKey == nil || *e.StateKey == "" {
		return fmt.Errorf("%w: invite without invitee", ErrMalformedEvent)
	}
	nick, _ := e.ContentString("displayname")
	sender := d.directory.Get(e.Sender, "")
	invitee := d.directory.Get(*e.StateKey, nick)
	d.presenter.DrawServerEvent(sender, fmt.Sprintf(textInvited, invitee))
	return nil
}

func (d *Dispatcher) onProfileChange(e Event) error {
	// An absent or null displayname means the name was cleared.
	nick, _ := e.ContentString("displayname")
	p := d.directory.Get(e.Subject(), "")
	if p.Nick() == nick {
		// avatar or other profile edits
		return nil
	}

	shown := nick
	if shown == "" {
		shown = p.ID()
	}
	// Draw first so the line shows the previous nick.
	d.presenter.DrawServerEvent(p, fmt.Sprintf(textChangedNick, shown))
	d.directory.ChangeNick(p, nick)
	return nil
}

func (d *Dispatcher) onUnhandled(e Event) error {
	if !d.debug {
		return nil
	}
	raw, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encode unhandled event: %w", err)
	}
	d.presenter.DrawUnhandled("UNHANDLED EVENT: " + string(raw))
	return nil
}
