package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-tui/internal/core"
)

type drawCall struct {
	Method string
	Who    string
	Text   string
	Kind   core.CommandKind
}

// recordingUI records draw calls and blocks in Run until stopped.
type recordingUI struct {
	mu    sync.Mutex
	calls []drawCall

	stopOnce sync.Once
	stopped  chan struct{}

	input core.InputHandler
	dir   *core.Directory
	help  core.HelpSource
}

func newRecordingUI(input core.InputHandler, dir *core.Directory, help core.HelpSource) *recordingUI {
	return &recordingUI{input: input, dir: dir, help: help, stopped: make(chan struct{})}
}

func (u *recordingUI) record(c drawCall) {
	u.mu.Lock()
	u.calls = append(u.calls, c)
	u.mu.Unlock()
}

func (u *recordingUI) DrawMessage(p *core.Participant, text string) {
	u.record(drawCall{Method: "message", Who: p.String(), Text: text})
}

func (u *recordingUI) DrawServerEvent(p *core.Participant, text string) {
	u.record(drawCall{Method: "server", Who: p.String(), Text: text})
}

func (u *recordingUI) DrawClientInfo(text string) {
	u.record(drawCall{Method: "info", Text: text})
}

func (u *recordingUI) DrawUnhandled(text string) {
	u.record(drawCall{Method: "unhandled", Text: text})
}

func (u *recordingUI) DrawHelp(kind core.CommandKind) {
	u.record(drawCall{Method: "help", Kind: kind})
}

func (u *recordingUI) RefreshRoster() {
	u.record(drawCall{Method: "refresh"})
}

func (u *recordingUI) Run(ctx context.Context) error {
	select {
	case <-u.stopped:
	case <-ctx.Done():
	}
	return nil
}

func (u *recordingUI) Stop() {
	u.stopOnce.Do(func() { close(u.stopped) })
}

func (u *recordingUI) isStopped() bool {
	select {
	case <-u.stopped:
		return true
	default:
		return false
	}
}

func (u *recordingUI) Calls() []drawCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]drawCall, len(u.calls))
	copy(out, u.calls)
	return out
}

func (u *recordingUI) infos() []string {
	var out []string
	for _, c := range u.Calls() {
		if c.Method == "info" {
			out = append(out, c.Text)
		}
	}
	return out
}

func (u *recordingUI) hasInfo(text string) bool {
	for _, info := range u.infos() {
		if info == text {
			return true
		}
	}
	return false
}

// fakeSession is a scripted core.TokenSession.
type fakeSession struct {
	mu        sync.Mutex
	connected bool
	userID    string
	token     string
	members   []core.Member
	history   []core.Event
	errs      map[string]error
	calls     []string
	onEvent   func(core.Event)
	onError   func(error)
}

var _ core.TokenSession = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{errs: make(map[string]error)}
}

func (f *fakeSession) failWith(method string, err error) {
	f.mu.Lock()
	f.errs[method] = err
	f.mu.Unlock()
}

func (f *fakeSession) record(method string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := method
	if len(args) > 0 {
		call += ":" + strings.Join(args, ",")
	}
	f.calls = append(f.calls, call)
	return f.errs[method]
}

func (f *fakeSession) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSession) called(call string) bool {
	for _, c := range f.Calls() {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeSession) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSession) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeSession) UserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID
}

func (f *fakeSession) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeSession) login(user string) {
	f.mu.Lock()
	f.userID = "@" + user + ":test"
	f.token = "token-" + user
	f.mu.Unlock()
}

func (f *fakeSession) Login(_ context.Context, user, password string) error {
	if err := f.record("Login", user, password); err != nil {
		return err
	}
	f.login(user)
	return nil
}

func (f *fakeSession) Register(_ context.Context, user, password string) error {
	if err := f.record("Register", user, password); err != nil {
		return err
	}
	f.login(user)
	return nil
}

func (f *fakeSession) Resume(_ context.Context, userID, token string) error {
	if err := f.record("Resume", userID, token); err != nil {
		return err
	}
	f.mu.Lock()
	f.userID, f.token = userID, token
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Logout(context.Context) error {
	err := f.record("Logout")
	f.mu.Lock()
	f.token = ""
	f.mu.Unlock()
	return err
}

func (f *fakeSession) JoinRoom(_ context.Context, alias string) error {
	return f.record("JoinRoom", alias)
}

func (f *fakeSession) CreateRoom(_ context.Context, alias string) error {
	return f.record("CreateRoom", alias)
}

func (f *fakeSession) LeaveRoom(context.Context) error {
	return f.record("LeaveRoom")
}

func (f *fakeSession) SendText(_ context.Context, text string) error {
	return f.record("SendText", text)
}

func (f *fakeSession) InviteUser(_ context.Context, userID string) error {
	return f.record("InviteUser", userID)
}

func (f *fakeSession) SetDisplayName(_ context.Context, name string) error {
	return f.record("SetDisplayName", name)
}

func (f *fakeSession) Members(context.Context) ([]core.Member, error) {
	if err := f.record("Members"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Member(nil), f.members...), nil
}

func (f *fakeSession) Backfill(_ context.Context, limit int) ([]core.Event, error) {
	if err := f.record("Backfill", fmt.Sprint(limit)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Event(nil), f.history...), nil
}

func (f *fakeSession) StartPushStream(onEvent func(core.Event), onError func(error)) error {
	if err := f.record("StartPushStream"); err != nil {
		return err
	}
	f.mu.Lock()
	f.connected = true
	f.onEvent = onEvent
	f.onError = onError
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) StopPushStream() {
	_ = f.record("StopPushStream")
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

// push delivers an event as the stream goroutine would.
func (f *fakeSession) push(ev core.Event) {
	f.mu.Lock()
	onEvent := f.onEvent
	f.mu.Unlock()
	onEvent(ev)
}

// fail reports a stream failure after the stream has gone down.
func (f *fakeSession) fail(err error) {
	f.mu.Lock()
	f.connected = false
	onError := f.onError
	f.mu.Unlock()
	onError(err)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func strPtr(s string) *string {
	return &s
}

func textEvent(sender, body string) core.Event {
	return core.Event{
		Type:    core.EventTypeMessage,
		Sender:  sender,
		Content: map[string]any{"msgtype": core.MsgTypeText, "body": body},
	}
}

func memberEvent(user, membership string) core.Event {
	return core.Event{
		Type:     core.EventTypeMember,
		Sender:   user,
		StateKey: strPtr(user),
		Content:  map[string]any{"membership": membership},
	}
}
