package core

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// drawCall is one call recorded by recordingPresenter.
type drawCall struct {
	Method string
	Who    string
	Text   string
	Kind   CommandKind
}

type recordingPresenter struct {
	mu       sync.Mutex
	calls    []drawCall
	refreshC chan struct{}
}

func newRecordingPresenter() *recordingPresenter {
	return &recordingPresenter{refreshC: make(chan struct{}, 64)}
}

func (p *recordingPresenter) record(c drawCall) {
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()
}

func (p *recordingPresenter) DrawMessage(who *Participant, text string) {
	p.record(drawCall{Method: "message", Who: who.String(), Text: text})
}

func (p *recordingPresenter) DrawServerEvent(who *Participant, text string) {
	p.record(drawCall{Method: "server", Who: who.String(), Text: text})
}

func (p *recordingPresenter) DrawClientInfo(text string) {
	p.record(drawCall{Method: "info", Text: text})
}

func (p *recordingPresenter) DrawUnhandled(text string) {
	p.record(drawCall{Method: "unhandled", Text: text})
}

func (p *recordingPresenter) DrawHelp(kind CommandKind) {
	p.record(drawCall{Method: "help", Kind: kind})
}

func (p *recordingPresenter) RefreshRoster() {
	p.record(drawCall{Method: "refresh"})
	select {
	case p.refreshC <- struct{}{}:
	default:
	}
}

func (p *recordingPresenter) Calls() []drawCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]drawCall, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *recordingPresenter) count(method string) int {
	n := 0
	for _, c := range p.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

// fakeConn is a settable connectivity flag.
type fakeConn struct {
	mu        sync.Mutex
	connected bool
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) set(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// mustReceive waits for a value on ch, failing the test after two seconds.
func mustReceive[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("expected %s not received", what)
	}
	var zero T
	return zero
}

// waitFor polls cond until it holds, failing the test after two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", what)
}

func strPtr(s string) *string {
	return &s
}

func memberEvent(sender, stateKey, membership, displayName string) Event {
	content := map[string]any{"membership": membership}
	if displayName != "" {
		content["displayname"] = displayName
	}
	return Event{
		ID:       fmt.Sprintf("$%s-%s", membership, stateKey),
		Type:     EventTypeMember,
		Sender:   sender,
		StateKey: strPtr(stateKey),
		Content:  content,
	}
}

func textEvent(sender, body string) Event {
	return Event{
		ID:      "$msg-" + sender,
		Type:    EventTypeMessage,
		Sender:  sender,
		Content: map[string]any{"msgtype": MsgTypeText, "body": body},
	}
}
