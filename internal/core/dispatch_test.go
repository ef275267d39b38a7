package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDispatcher(debug bool) (*Dispatcher, *Directory, *recordingPresenter) {
	dir := NewDirectory()
	presenter := newRecordingPresenter()
	dir.SetOnChange(presenter.RefreshRoster)
	return NewDispatcher(dir, presenter, debug, nil), dir, presenter
}

func TestDispatchMessageFromUnknownSender(t *testing.T) {
	d, dir, presenter := newTestDispatcher(false)

	cat := d.Dispatch(textEvent("@x:hs", "hello"))
	require.Equal(t, CategoryMessage, cat)
	require.False(t, dir.Contains("@x:hs"))
	require.Equal(t, []drawCall{{Method: "message", Who: "@x:hs", Text: "hello"}}, presenter.Calls())
}

func TestDispatchMessageUsesRosterNick(t *testing.T) {
	d, dir, presenter := newTestDispatcher(false)
	dir.Add("@a:hs", "alice")

	d.Dispatch(textEvent("@a:hs", "hi"))

	calls := presenter.Calls()
	require.Equal(t, drawCall{Method: "message", Who: "alice", Text: "hi"}, calls[len(calls)-1])
}

func TestDispatchJoinAddsAndDraws(t *testing.T) {
	d, dir, presenter := newTestDispatcher(false)

	d.Dispatch(memberEvent("@a:hs", "@a:hs", MembershipJoin, "alice"))

	require.True(t, dir.Contains("@a:hs"))
	require.Equal(t, []drawCall{
		{Method: "refresh"},
		{Method: "server", Who: "alice", Text: "joined the room"},
	}, presenter.Calls())
}

func TestDispatchLeaveRemovesAndDraws(t *testing.T) {
	d, dir, presenter := newTestDispatcher(false)
	dir.Add("@a:hs", "alice")
	dir.Add("@a2:hs", "alice")

	d.Dispatch(memberEvent("@a:hs", "@a:hs", MembershipLeave, ""))

	require.False(t, dir.Contains("@a:hs"))
	calls := presenter.Calls()
	last := calls[len(calls)-1]
	require.Equal(t, "server", last.Method)
	require.Equal(t, "left the room", last.Text)
	// The leaver is rendered detached and still collides with the remaining holder.
	require.Equal(t, "alice (@a:hs)", last.Who)
	require.Equal(t, "alice", dir.Get("@a2:hs", "").String())
}

func TestDispatchLeaveOfUnknownUserStillDraws(t *testing.T) {
	d, _, presenter := newTestDispatcher(false)

	d.Dispatch(memberEvent("@x:hs", "@x:hs", MembershipLeave, ""))

	require.Equal(t, []drawCall{{Method: "server", Who: "@x:hs", Text: "left the room"}}, presenter.Calls())
}

func TestDispatchKickUsesStateKey(t *testing.T) {
	d, dir, _ := newTestDispatcher(false)
	dir.Add("@mod:hs", "mod")
	dir.Add("@a:hs", "alice")

	d.Dispatch(memberEvent("@mod:hs", "@a:hs", MembershipLeave, ""))

	require.True(t, dir.Contains("@mod:hs"))
	require.False(t, dir.Contains("@a:hs"))
}

func TestDispatchInvite(t *testing.T) {
	d, dir, presenter := newTestDispatcher(false)
	dir.Add("@a:hs", "alice")

	d.Dispatch(memberEvent("@a:hs", "@b:hs", MembershipInvite, "bob"))

	require.False(t, dir.Contains("@b:hs"))
	calls := presenter.Calls()
	require.Equal(t, drawCall{Method: "server", Who: "alice", Text: "invited bob"}, calls[len(calls)-1])
}

func TestDispatchProfileChangeDrawsBeforeMutation(t *testing.T) {
	d, dir, presenter := newTestDispatcher(false)
	alice := dir.Add("@a:hs", "alice")

	ev := memberEvent("@a:hs", "@a:hs", MembershipJoin, "al")
	ev.Unsigned = map[string]any{"prev_content": map[string]any{"membership": "join"}}

	require.Equal(t, CategoryProfileChange, d.Dispatch(ev))
	require.Equal(t, "al", alice.Nick())

	calls := presenter.Calls()
	require.Equal(t, []drawCall{
		{Method: "refresh"},
		{Method: "server", Who: "alice", Text: "changed nick to al"},
		{Method: "refresh"},
	}, calls)
}

func TestDispatchProfileChangeSameNickSuppressed(t *testing.T) {
	d, dir, presenter := newTestDispatcher(false)
	dir.Add("@a:hs", "alice")

	ev := memberEvent("@a:hs", "@a:hs", MembershipJoin, "alice")
	ev.Unsigned = map[string]any{"prev_content": map[string]any{"membership": "join"}}
	d.Dispatch(ev)

	require.Equal(t, 1, len(presenter.Calls()))
	require.Zero(t, presenter.count("server"))
}

func TestDispatchProfileChangeClearedName(t *testing.T) {
	d, dir, presenter := newTestDispatcher(false)
	alice := dir.Add("@a:hs", "alice")
	other := dir.Add("@b:hs", "alice")
	require.Equal(t, "alice (@b:hs)", other.String())

	ev := memberEvent("@a:hs", "@a:hs", MembershipJoin, "")
	ev.Unsigned = map[string]any{"prev_content": map[string]any{"membership": "join", "displayname": "alice"}}

	require.Equal(t, CategoryProfileChange, d.Dispatch(ev))
	require.Empty(t, alice.Nick())
	require.Equal(t, []string{"@b:hs"}, dir.NickHolders("alice"))
	require.Equal(t, "alice", other.String())
	require.Equal(t, "@a:hs", alice.String())

	calls := presenter.Calls()
	require.Equal(t, []drawCall{
		{Method: "refresh"},
		{Method: "refresh"},
		{Method: "server", Who: "alice (@a:hs)", Text: "changed nick to @a:hs"},
		{Method: "refresh"},
	}, calls)
}

func TestDispatchUnhandledOnlyInDebug(t *testing.T) {
	topic := Event{ID: "$t", Type: "m.room.topic", Sender: "@a:hs", Content: map[string]any{"topic": "x"}}

	quiet, _, quietPresenter := newTestDispatcher(false)
	require.Equal(t, CategoryUnhandled, quiet.Dispatch(topic))
	require.Empty(t, quietPresenter.Calls())

	loud, _, loudPresenter := newTestDispatcher(true)
	loud.Dispatch(topic)
	calls := loudPresenter.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "unhandled", calls[0].Method)
	require.True(t, strings.HasPrefix(calls[0].Text, "UNHANDLED EVENT: "))
	require.Contains(t, calls[0].Text, "m.room.topic")
}

func TestDispatchMalformedMessageDropped(t *testing.T) {
	d, _, presenter := newTestDispatcher(true)

	ev := Event{Type: EventTypeMessage, Sender: "@a:hs", Content: map[string]any{"msgtype": MsgTypeText}}
	require.Equal(t, CategoryMessage, d.Dispatch(ev))
	require.Empty(t, presenter.Calls())
}
