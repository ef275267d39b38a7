package app

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vovakirdan/wirechat-tui/internal/core"
	"github.com/vovakirdan/wirechat-tui/internal/store"
	"github.com/vovakirdan/wirechat-tui/internal/store/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestClient(t *testing.T, session *fakeSession, opts Options) (*Client, *recordingUI) {
	t.Helper()
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = 50
	}
	opts.PollInterval = 20 * time.Millisecond

	var ui *recordingUI
	c, err := New(session, func(input core.InputHandler, dir *core.Directory, help core.HelpSource) UI {
		ui = newRecordingUI(input, dir, help)
		return ui
	}, opts)
	require.NoError(t, err)
	c.queue.Start()
	t.Cleanup(c.queue.Stop)
	return c, ui
}

func connected(t *testing.T, c *Client, ui *recordingUI) {
	t.Helper()
	c.registry.Invoke(core.CommandConnect)
	waitFor(t, "connect", func() bool { return ui.hasInfo(textConnected) })
}

func TestNewWiresUI(t *testing.T) {
	c, ui := newTestClient(t, newFakeSession(), Options{})
	require.Same(t, c.directory, ui.dir)
	require.Equal(t, c, ui.input)
	require.Equal(t, "/nick [nick]\nChange nick", ui.help.Help(core.CommandChangeNick))

	c.directory.Add("@alice:test", "")
	require.Equal(t, "refresh", ui.Calls()[0].Method)
}

func TestConnectPopulatesRosterAndReplaysHistory(t *testing.T) {
	session := newFakeSession()
	session.members = []core.Member{
		{UserID: "@alice:test", DisplayName: "Alice"},
		{UserID: "@bob:test"},
	}
	session.history = []core.Event{
		textEvent("@bob:test", "hi"),
		memberEvent("@carol:test", core.MembershipJoin),
	}
	c, ui := newTestClient(t, session, Options{})

	connected(t, c, ui)

	require.Equal(t, []string{"Members", "Backfill:50", "Members", "StartPushStream"}, session.Calls())
	require.True(t, c.directory.Contains("@alice:test"))
	require.True(t, c.directory.Contains("@bob:test"))
	require.False(t, c.directory.Contains("@carol:test"), "replayed joins must not outlive the backfill")

	calls := ui.Calls()
	require.Contains(t, calls, drawCall{Method: "message", Who: "@bob:test", Text: "hi"})
	require.Contains(t, calls, drawCall{Method: "server", Who: "@carol:test", Text: "joined the room"})
	require.Equal(t, drawCall{Method: "info", Text: textConnected}, calls[len(calls)-1])

	session.push(textEvent("@alice:test", "yo"))
	require.Contains(t, ui.Calls(), drawCall{Method: "message", Who: "Alice", Text: "yo"})
}

func TestConnectWhenAlreadyConnected(t *testing.T) {
	session := newFakeSession()
	session.setConnected(true)
	c, ui := newTestClient(t, session, Options{})

	c.registry.Invoke(core.CommandConnect)
	waitFor(t, "already connected", func() bool { return ui.hasInfo(textAlreadyConnected) })
	require.False(t, session.called("Members"))
}

func TestConnectFailureGoesToSink(t *testing.T) {
	session := newFakeSession()
	session.failWith("Members", &core.ConnectionError{Op: "members", Err: errors.New("refused")})
	c, ui := newTestClient(t, session, Options{})

	c.registry.Invoke(core.CommandConnect)
	waitFor(t, "connection error", func() bool { return ui.hasInfo(textConnectionError) })
	require.False(t, session.called("StartPushStream"))
	require.False(t, ui.hasInfo(textConnected))
}

func TestSendRequiresConnection(t *testing.T) {
	session := newFakeSession()
	c, ui := newTestClient(t, session, Options{})

	c.HandleInput("hello")
	waitFor(t, "not connected notice", func() bool { return ui.hasInfo("Error: Not connected to server") })
	require.Contains(t, ui.Calls(), drawCall{Method: "help", Kind: core.CommandConnect})
	require.False(t, session.called("SendText:hello"))

	session.setConnected(true)
	c.HandleInput("   ")
	c.HandleInput("hello")
	waitFor(t, "send", func() bool { return session.called("SendText:hello") })
	require.False(t, session.called("SendText:   "))
}

func TestCommandInput(t *testing.T) {
	session := newFakeSession()
	session.setConnected(true)
	c, ui := newTestClient(t, session, Options{})

	c.HandleInput("/nick Al")
	waitFor(t, "nick change", func() bool { return session.called("SetDisplayName:Al") })

	c.HandleInput("/name")
	require.Contains(t, ui.Calls(), drawCall{Method: "help", Kind: core.CommandChangeNick})

	c.HandleInput("/bogus x")
	require.True(t, ui.hasInfo("Unknown command: bogus\nSee /help"))

	c.HandleInput("/help")
	waitFor(t, "help", func() bool {
		for _, call := range ui.Calls() {
			if call.Method == "help" && call.Kind == core.CommandNone {
				return true
			}
		}
		return false
	})

	c.HandleInput("/help /invite")
	waitFor(t, "invite help", func() bool {
		for _, call := range ui.Calls() {
			if call.Method == "help" && call.Kind == core.CommandInvite {
				return true
			}
		}
		return false
	})

	c.HandleInput("/help frobnicate")
	waitFor(t, "unknown help topic", func() bool { return ui.hasInfo("Unknown command: frobnicate\nSee /help") })
}

func TestInviteErrorReportedInline(t *testing.T) {
	session := newFakeSession()
	session.setConnected(true)
	session.failWith("InviteUser", &core.ProtocolError{Code: "M_FORBIDDEN", Message: "You are not invited", Status: 403})
	c, ui := newTestClient(t, session, Options{})

	c.HandleInput("/invite @x:test")
	waitFor(t, "invite error", func() bool { return ui.hasInfo("Invite error: You are not invited") })
	require.False(t, session.called("StopPushStream"))
	require.True(t, session.Connected())
}

func TestUnsupportedNickReportedInline(t *testing.T) {
	session := newFakeSession()
	session.setConnected(true)
	session.failWith("SetDisplayName", core.UnsupportedError("changing the display name"))
	c, ui := newTestClient(t, session, Options{})

	c.HandleInput("/nick Al")
	waitFor(t, "unsupported notice", func() bool {
		return ui.hasInfo("changing the display name is not supported by this server")
	})
	require.True(t, session.Connected())
}

func TestSinkReportsConnectionErrorAndDisconnects(t *testing.T) {
	session := newFakeSession()
	session.setConnected(true)
	session.failWith("SendText", &core.ConnectionError{Op: "send", Err: errors.New("refused")})
	c, ui := newTestClient(t, session, Options{})

	c.HandleInput("hi")
	waitFor(t, "disconnect", func() bool { return session.called("StopPushStream") })
	require.Equal(t, []string{textConnectionError, textDisconnected}, ui.infos())
	require.False(t, session.Connected())
}

func TestSinkReportsProtocolError(t *testing.T) {
	for _, debug := range []bool{false, true} {
		session := newFakeSession()
		session.setConnected(true)
		session.failWith("SendText", &core.ProtocolError{Code: "M_UNKNOWN", Message: "boom", Status: 500})
		c, ui := newTestClient(t, session, Options{Debug: debug})

		c.HandleInput("hi")
		waitFor(t, "disconnect", func() bool { return session.called("StopPushStream") })

		want := []string{"Unexpected server error: send: M_UNKNOWN (500): boom"}
		if !debug {
			want = append(want, textDebugHint)
		}
		want = append(want, textDisconnected)
		require.Equal(t, want, ui.infos(), "debug=%v", debug)
	}
}

func TestStreamFailureReported(t *testing.T) {
	session := newFakeSession()
	c, ui := newTestClient(t, session, Options{})
	connected(t, c, ui)

	session.fail(&core.ConnectionError{Op: "sync", Err: errors.New("reset")})
	require.True(t, ui.hasInfo(textConnectionError))
	require.False(t, ui.hasInfo(textDisconnected))
	require.True(t, session.called("StopPushStream"))
}

func TestLeaveStopsListeningThenLeaves(t *testing.T) {
	session := newFakeSession()
	c, ui := newTestClient(t, session, Options{})
	connected(t, c, ui)

	c.HandleInput("/part")
	waitFor(t, "ui stop", ui.isStopped)

	calls := session.Calls()
	require.Equal(t, []string{"StopPushStream", "LeaveRoom"}, calls[len(calls)-2:])
}

func TestLeaveFailureKeepsUI(t *testing.T) {
	session := newFakeSession()
	session.failWith("LeaveRoom", &core.ProtocolError{Code: "M_FORBIDDEN", Message: "no", Status: 403})
	c, ui := newTestClient(t, session, Options{Debug: true})

	c.HandleInput("/leave")
	waitFor(t, "leave error", func() bool { return len(ui.infos()) > 0 })
	require.Equal(t, "Unexpected server error: leave: M_FORBIDDEN (403): no", ui.infos()[0])
	require.False(t, ui.isStopped())
}

func TestQuitStopsUI(t *testing.T) {
	c, ui := newTestClient(t, newFakeSession(), Options{})

	c.HandleInput("/exit")
	waitFor(t, "ui stop", ui.isStopped)
}

func TestRunAndStop(t *testing.T) {
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer st.Close()

	key := store.CredentialKey{Backend: "matrix", Server: "https://test", User: "alice"}
	ctx := context.Background()
	require.NoError(t, st.SaveCredential(ctx, &store.Credential{CredentialKey: key, UserID: "@alice:test", AccessToken: "t"}))

	session := newFakeSession()
	var out bytes.Buffer
	c, ui := newTestClient(t, session, Options{
		LogoutOnExit:  true,
		Credentials:   st,
		CredentialKey: key,
		Out:           &out,
	})

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	waitFor(t, "connect", func() bool { return ui.hasInfo(textConnected) })
	ui.Stop()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after the UI stopped")
	}

	c.Stop(ctx)
	require.Equal(t, textWaitingForServer+"\n"+textForceStop+"\n", out.String())
	require.True(t, session.called("StopPushStream"))
	require.True(t, session.called("Logout"))
	require.True(t, ui.hasInfo(textDisconnected))

	_, err = st.GetCredential(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Idempotent.
	c.Stop(ctx)
}

func TestStopKeepsCredentialByDefault(t *testing.T) {
	session := newFakeSession()
	c, _ := newTestClient(t, session, Options{})

	c.Stop(context.Background())
	require.False(t, session.called("Logout"))
	require.True(t, session.called("StopPushStream"))
}

func TestRunReturnsOnCancel(t *testing.T) {
	c, ui := newTestClient(t, newFakeSession(), Options{})
	ctx, cancel := context.WithCancel(context.Background())

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	waitFor(t, "connect", func() bool { return ui.hasInfo(textConnected) })

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	// The queue no longer accepts work.
	c.HandleInput("/quit")
	time.Sleep(50 * time.Millisecond)
	require.False(t, ui.isStopped())
}
