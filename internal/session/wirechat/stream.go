package wirechat

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-tui/internal/core"
	"github.com/vovakirdan/wirechat-tui/internal/proto"
)

// streamState tracks the read goroutine.
type streamState struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Connected reports whether the push stream is running.
func (s *Session) Connected() bool {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return s.stream.running
}

// StartPushStream reads room events from the websocket in a new goroutine
// and hands them to onEvent. The connection opened by the last join is
// used; when the stream ends the connection is discarded.
func (s *Session) StartPushStream(onEvent func(core.Event), onError func(error)) error {
	_, conn, err := s.joined()
	if err != nil {
		return err
	}
	if conn == nil {
		return core.ErrNotConnected
	}

	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	if s.stream.running {
		return errors.New("wirechat: push stream already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stream.running = true
	s.stream.cancel = cancel
	s.stream.done = done

	go s.runStream(ctx, conn, done, onEvent, onError)
	return nil
}

func (s *Session) runStream(ctx context.Context, conn *websocket.Conn, done chan struct{}, onEvent func(core.Event), onError func(error)) {
	s.log.Info().Msg("push stream started")

	err := s.readLoop(ctx, conn, onEvent)

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.fresh = false
		s.history = nil
	}
	s.mu.Unlock()
	conn.CloseNow()

	s.stream.mu.Lock()
	if s.stream.done == done {
		s.stream.running = false
		s.stream.cancel = nil
		s.stream.done = nil
	}
	s.stream.mu.Unlock()
	close(done)

	if err == nil || ctx.Err() != nil {
		s.log.Info().Msg("push stream stopped")
		return
	}
	s.log.Warn().Err(err).Msg("push stream failed")
	if onError != nil {
		onError(err)
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, onEvent func(core.Event)) error {
	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &core.ConnectionError{Op: "read", Err: err}
		}

		switch {
		case frame.Type == proto.OutboundTypeError:
			s.log.Warn().Err(frameError(frame.Error)).Msg("server reported error")
			continue
		case frame.Event == proto.EventNameHistory:
			s.log.Debug().Msg("ignoring history outside of a join")
			continue
		}

		events, err := decodeFrame(frame)
		if err != nil {
			s.log.Warn().Err(err).Str("event", frame.Event).Msg("dropped frame")
			continue
		}
		for _, ev := range events {
			if ctx.Err() != nil {
				return nil
			}
			s.track(ev)
			onEvent(ev)
		}
	}
}

// StopPushStream stops the read goroutine and waits for it to exit.
func (s *Session) StopPushStream() {
	s.stream.mu.Lock()
	cancel, done := s.stream.cancel, s.stream.done
	s.stream.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
