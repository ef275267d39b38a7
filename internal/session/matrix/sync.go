package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/vovakirdan/wirechat-tui/internal/core"
)

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []core.Event `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

// streamState tracks the sync goroutine.
type streamState struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Connected reports whether the sync stream is running.
func (s *Session) Connected() bool {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	return s.stream.running
}

func roomFilter(roomID string, limit int) string {
	filter := map[string]any{
		"room": map[string]any{
			"rooms":    []string{roomID},
			"timeline": map[string]any{"limit": limit},
		},
		"presence":     map[string]any{"not_types": []string{"*"}},
		"account_data": map[string]any{"not_types": []string{"*"}},
	}
	encoded, _ := json.Marshal(filter)
	return string(encoded)
}

// sync performs one /sync call for the current room and advances the
// since token.
func (s *Session) sync(ctx context.Context, limit int, timeoutMS int64) ([]core.Event, error) {
	roomID, err := s.room()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	since := s.since
	s.mu.RUnlock()

	query := url.Values{}
	query.Set("filter", roomFilter(roomID, limit))
	query.Set("timeout", strconv.FormatInt(timeoutMS, 10))
	if since != "" {
		query.Set("since", since)
	}

	var resp syncResponse
	if err := s.doJSON(ctx, http.MethodGet, "/sync", nil, &resp, query); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.roomID == roomID {
		s.since = resp.NextBatch
	}
	s.mu.Unlock()

	return resp.Rooms.Join[roomID].Timeline.Events, nil
}

// Backfill returns up to limit of the latest room events, oldest first,
// and positions the stream right after them.
func (s *Session) Backfill(ctx context.Context, limit int) ([]core.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	s.since = ""
	s.mu.Unlock()

	events, err := s.sync(ctx, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("backfill: %w", err)
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	s.log.Debug().Int("events", len(events)).Msg("backfilled history")
	return events, nil
}

// StartPushStream starts long-polling /sync in a new goroutine and hands
// every timeline event of the current room to onEvent.
func (s *Session) StartPushStream(onEvent func(core.Event), onError func(error)) error {
	if _, err := s.room(); err != nil {
		return err
	}

	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	if s.stream.running {
		return errors.New("matrix: push stream already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stream.running = true
	s.stream.cancel = cancel
	s.stream.done = done

	go s.runStream(ctx, done, onEvent, onError)
	return nil
}

func (s *Session) runStream(ctx context.Context, done chan struct{}, onEvent func(core.Event), onError func(error)) {
	timeoutMS := s.syncTimeout.Milliseconds()
	s.log.Info().Int64("timeout_ms", timeoutMS).Msg("sync stream started")

	err := s.streamLoop(ctx, timeoutMS, onEvent)

	s.stream.mu.Lock()
	if s.stream.done == done {
		s.stream.running = false
		s.stream.cancel = nil
		s.stream.done = nil
	}
	s.stream.mu.Unlock()
	close(done)

	if err == nil || ctx.Err() != nil {
		s.log.Info().Msg("sync stream stopped")
		return
	}
	s.log.Warn().Err(err).Msg("sync stream failed")
	if onError != nil {
		onError(err)
	}
}

func (s *Session) streamLoop(ctx context.Context, timeoutMS int64, onEvent func(core.Event)) error {
	s.mu.RLock()
	since := s.since
	s.mu.RUnlock()

	// Without a since token the first sync only returns history; skip it.
	if since == "" {
		if _, err := s.sync(ctx, 1, 0); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.syncTimeout+syncGrace)
		events, err := s.sync(reqCtx, 50, timeoutMS)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = &core.ConnectionError{Op: "sync", Err: err}
			}
			return err
		}

		for _, ev := range events {
			if ctx.Err() != nil {
				return nil
			}
			onEvent(ev)
		}
	}
}

// StopPushStream stops the sync goroutine and waits for it to exit. The
// in-flight long poll is cancelled.
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
