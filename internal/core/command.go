package core

import (
	"fmt"
	"strings"
)

// CommandPrefix marks an input line as a command.
const CommandPrefix = "/"

// CommandKind identifies a user command.
type CommandKind int

const (
	// CommandNone means "no particular command"; DrawHelp renders all of them.
	CommandNone CommandKind = iota
	// CommandHelp shows the help of every command.
	CommandHelp
	// CommandConnect (re)connects to the server.
	CommandConnect
	// CommandInvite invites a user to the room.
	CommandInvite
	// CommandChangeNick changes the own display name.
	CommandChangeNick
	// CommandLeave leaves the room and exits.
	CommandLeave
	// CommandQuit exits without leaving the room.
	CommandQuit
)

func (k CommandKind) String() string {
	if aliases := Aliases(k); len(aliases) > 0 {
		return aliases[0]
	}
	return "none"
}

var commandAliases = map[CommandKind][]string{
	CommandHelp:       {"help"},
	CommandConnect:    {"connect", "reconnect"},
	CommandInvite:     {"invite"},
	CommandChangeNick: {"nick", "name"},
	CommandLeave:      {"leave", "part"},
	CommandQuit:       {"quit", "close", "exit"},
}

// Aliases returns the input aliases of a command kind, primary alias first.
func Aliases(kind CommandKind) []string {
	return commandAliases[kind]
}

// Command binds a command kind to the operation it runs.
type Command struct {
	Kind CommandKind
	Help string
	Op   *Operation
}

// Usage renders "/alias [param] ...", with underscores in parameter names
// shown as spaces.
func (c Command) Usage() string {
	var b strings.Builder
	b.WriteString(CommandPrefix)
	b.WriteString(c.Kind.String())
	for _, param := range c.Op.Params {
		fmt.Fprintf(&b, " [%s]", strings.ReplaceAll(param, "_", " "))
	}
	return b.String()
}

// Enqueuer accepts operations for deferred execution.
type Enqueuer interface {
	Enqueue(op *Operation, args ...string)
}

// Registry maps command kinds and aliases to their operations. Invocations
// with the wrong number of arguments show the command's help instead of
// running it.
type Registry struct {
	queue     Enqueuer
	presenter Presenter
	order     []*Command
	byKind    map[CommandKind]*Command
	byAlias   map[string]*Command
}

// NewRegistry builds a registry from a static list of bindings.
func NewRegistry(queue Enqueuer, presenter Presenter, commands ...Command) (*Registry, error) {
	r := &Registry{
		queue:     queue,
		presenter: presenter,
		byKind:    make(map[CommandKind]*Command, len(commands)),
		byAlias:   make(map[string]*Command),
	}
	for i := range commands {
		cmd := commands[i]
		if cmd.Op == nil || cmd.Op.Fn == nil {
			return nil, fmt.Errorf("command %s: no operation bound", cmd.Kind)
		}
		aliases := Aliases(cmd.Kind)
		if len(aliases) == 0 {
			return nil, fmt.Errorf("command kind %d has no aliases", cmd.Kind)
		}
		if _, dup := r.byKind[cmd.Kind]; dup {
			return nil, fmt.Errorf("command %s bound twice", cmd.Kind)
		}
		r.byKind[cmd.Kind] = &cmd
		r.order = append(r.order, &cmd)
		for _, alias := range aliases {
			r.byAlias[alias] = &cmd
		}
	}
	return r, nil
}

// Lookup resolves an alias to its command kind.
func (r *Registry) Lookup(alias string) (CommandKind, bool) {
	cmd, ok := r.byAlias[strings.ToLower(alias)]
	if !ok {
		return CommandNone, false
	}
	return cmd.Kind, true
}

// Invoke enqueues the command's operation with args. It reports false, and
// shows the command's help, when the argument count does not fit.
func (r *Registry) Invoke(kind CommandKind, args ...string) bool {
	cmd, ok := r.byKind[kind]
	if !ok {
		return false
	}
	if !cmd.Op.Accepts(len(args)) {
		r.presenter.DrawHelp(kind)
		return false
	}
	r.queue.Enqueue(cmd.Op, args...)
	return true
}

// Execute runs a parsed command line. Unknown aliases are reported to the
// presenter.
func (r *Registry) Execute(alias string, args []string) bool {
	kind, ok := r.Lookup(alias)
	if !ok {
		r.presenter.DrawClientInfo(fmt.Sprintf("Unknown command: %s\nSee %shelp", alias, CommandPrefix))
		return false
	}
	return r.Invoke(kind, args...)
}

// Help renders "/alias [param] ...\n<help>" for one command, or for every
// registered command in kind order when kind is CommandNone.
func (r *Registry) Help(kind CommandKind) string {
	if kind != CommandNone {
		cmd, ok := r.byKind[kind]
		if !ok {
			return ""
		}
		return cmd.Usage() + "\n" + cmd.Help
	}
	return r.HelpAll()
}

// HelpAll renders the help of every registered command.
func (r *Registry) HelpAll() string {
	parts := make([]string, 0, len(r.order))
	for kind := CommandHelp; kind <= CommandQuit; kind++ {
		if cmd, ok := r.byKind[kind]; ok {
			parts = append(parts, cmd.Usage()+"\n"+cmd.Help)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Commands returns the registered commands in registration order.
func (r *Registry) Commands() []Command {
	out := make([]Command, 0, len(r.order))
	for _, cmd := range r.order {
		out = append(out, *cmd)
	}
	return out
}

// ParseInput splits a command line into its alias and arguments. ok is
// false for plain text, which is sent as a message.
func ParseInput(line string) (alias string, args []string, ok bool) {
	if !strings.HasPrefix(line, CommandPrefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(line, CommandPrefix))
	if len(fields) == 0 {
		return "", nil, true
	}
	return fields[0], fields[1:], true
}
