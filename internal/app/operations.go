package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/vovakirdan/wirechat-tui/internal/core"
)

// commands returns the static command bindings in help order.
func (c *Client) commands() []core.Command {
	return []core.Command{
		{
			Kind: core.CommandHelp,
			Help: "Show this",
			Op:   &core.Operation{Name: "help", Fn: c.showHelp, Optional: []string{"command"}},
		},
		{
			Kind: core.CommandConnect,
			Help: "Reconnect to the server",
			Op:   &core.Operation{Name: "connect", Fn: c.connect},
		},
		{
			Kind: core.CommandInvite,
			Help: "Invite a user to the room (user_id syntax: @[mxid]:[server])",
			Op:   &core.Operation{Name: "invite", Fn: c.invite, RequireConnection: true, Params: []string{"user_id"}},
		},
		{
			Kind: core.CommandChangeNick,
			Help: "Change nick",
			Op:   &core.Operation{Name: "nick", Fn: c.changeNick, RequireConnection: true, Params: []string{"nick"}},
		},
		{
			Kind: core.CommandLeave,
			Help: "Leave the room",
			Op:   &core.Operation{Name: "leave", Fn: c.leave},
		},
		{
			Kind: core.CommandQuit,
			Help: "Exit the client",
			Op:   &core.Operation{Name: "quit", Fn: c.quit},
		},
	}
}

// connect fills the roster, replays recent history and starts the push
// stream.
func (c *Client) connect(ctx context.Context, _ []string) error {
	if c.session.Connected() {
		c.ui.DrawClientInfo(textAlreadyConnected)
		return nil
	}

	members, err := c.session.Members(ctx)
	if err != nil {
		return err
	}
	c.directory.Repopulate(members)

	events, err := c.session.Backfill(ctx, c.opts.HistoryLimit)
	if err != nil {
		return err
	}
	for _, ev := range events {
		c.dispatcher.Dispatch(ev)
	}
	if len(events) > 0 {
		// Replayed joins and leaves describe the past; the roster must
		// match the current membership.
		c.directory.Repopulate(members)
	}

	if err := c.session.StartPushStream(c.onEvent, c.handleError); err != nil {
		return err
	}
	c.log.Info().Int("members", len(members)).Int("history", len(events)).Msg("connected")
	c.ui.DrawClientInfo(textConnected)
	return nil
}

func (c *Client) sendMessage(ctx context.Context, args []string) error {
	return c.session.SendText(ctx, args[0])
}

func (c *Client) invite(ctx context.Context, args []string) error {
	err := c.session.InviteUser(ctx, args[0])
	if protoErr, ok := core.AsProtocolError(err); ok {
		c.ui.DrawClientInfo(fmt.Sprintf(textInviteError, protoErr.Message))
		return nil
	}
	return err
}

func (c *Client) changeNick(ctx context.Context, args []string) error {
	err := c.session.SetDisplayName(ctx, args[0])
	if protoErr, ok := core.AsProtocolError(err); ok && protoErr.Code == core.ErrCodeUnsupported {
		c.ui.DrawClientInfo(protoErr.Message)
		return nil
	}
	return err
}

// leave stops listening first: once the room is left the server refuses
// further interaction with it.
func (c *Client) leave(ctx context.Context, _ []string) error {
	c.session.StopPushStream()
	if err := c.session.LeaveRoom(ctx); err != nil {
		return err
	}
	c.ui.Stop()
	return nil
}

func (c *Client) quit(context.Context, []string) error {
	c.ui.Stop()
	return nil
}

func (c *Client) showHelp(_ context.Context, args []string) error {
	if len(args) == 0 {
		c.ui.DrawHelp(core.CommandNone)
		return nil
	}

	alias := strings.TrimPrefix(args[0], core.CommandPrefix)
	kind, ok := c.registry.Lookup(alias)
	if !ok {
		c.ui.DrawClientInfo(fmt.Sprintf("Unknown command: %s\nSee %shelp", alias, core.CommandPrefix))
		return nil
	}
	c.ui.DrawHelp(kind)
	return nil
}
