package wirechat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-tui/internal/core"
	"github.com/vovakirdan/wirechat-tui/internal/proto"
)

type createRoomRequest struct {
	Name string `json:"name"`
}

// RoomName maps a room alias to a WireChat room name: "#dev:example.org"
// and "dev" both become "dev".
func RoomName(alias string) string {
	name := strings.TrimPrefix(alias, "#")
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	return name
}

// JoinRoom joins the named room over a fresh websocket connection. The
// history the server answers with is kept for Backfill.
func (s *Session) JoinRoom(ctx context.Context, alias string) error {
	room := RoomName(alias)
	s.log.Info().Str("room", room).Msg("joining room")

	if err := s.dial(ctx, room); err != nil {
		return err
	}

	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
	return nil
}

// CreateRoom creates the room through the REST API and joins it. A room
// that already exists is joined as is.
func (s *Session) CreateRoom(ctx context.Context, alias string) error {
	room := RoomName(alias)
	s.log.Info().Str("room", room).Msg("creating room")

	err := s.doRequest(ctx, http.MethodPost, "/rooms", createRoomRequest{Name: room}, nil)
	if err != nil && protocolStatus(err) != http.StatusConflict {
		return fmt.Errorf("create room %s: %w", room, err)
	}
	return s.JoinRoom(ctx, room)
}

// dial opens a websocket, introduces the user and joins room. It returns
// once the server has answered the join.
func (s *Session) dial(ctx context.Context, room string) error {
	s.mu.RLock()
	user, token := s.username, s.token
	s.mu.RUnlock()
	if token == "" {
		return fmt.Errorf("wirechat: join %s: not logged in", room)
	}

	conn, _, err := websocket.Dial(ctx, s.wsURL, &websocket.DialOptions{HTTPClient: s.http})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &core.ConnectionError{Op: "dial " + s.wsURL, Err: err}
	}
	conn.SetReadLimit(maxResponseSize)

	hello := proto.HelloData{User: user, Token: token, Protocol: proto.ProtocolVersion}
	if err := send(ctx, conn, proto.InboundTypeHello, hello); err != nil {
		conn.CloseNow()
		return err
	}
	if err := send(ctx, conn, proto.InboundTypeJoin, proto.JoinData{Room: room}); err != nil {
		conn.CloseNow()
		return err
	}

	history, members, err := awaitJoin(ctx, conn, room)
	if err != nil {
		conn.CloseNow()
		return err
	}

	memberSet := make(map[string]struct{}, len(members)+1)
	for _, m := range members {
		memberSet[m] = struct{}{}
	}
	memberSet[user] = struct{}{}

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.history = history
	s.fresh = true
	s.members = memberSet
	s.mu.Unlock()

	if old != nil {
		old.CloseNow()
	}
	s.log.Info().Str("room", room).Int("history", len(history)).Msg("room joined")
	return nil
}

// awaitJoin reads frames until the server accepts or rejects the join.
// Events that arrive before the history are appended after it.
func awaitJoin(ctx context.Context, conn *websocket.Conn, room string) ([]core.Event, []string, error) {
	var early []core.Event
	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			return nil, nil, &core.ConnectionError{Op: "join " + room, Err: err}
		}

		if frame.Type == proto.OutboundTypeError {
			return nil, nil, frameError(frame.Error)
		}
		if frame.Event != proto.EventNameHistory {
			if events, err := decodeFrame(frame); err == nil {
				early = append(early, events...)
			}
			continue
		}

		events, err := decodeFrame(frame)
		if err != nil {
			return nil, nil, fmt.Errorf("join %s: %w", room, err)
		}
		return append(events, early...), historyMembers(frame), nil
	}
}

func frameError(e *proto.Error) error {
	if e == nil {
		return &core.ProtocolError{Code: core.ErrCodeUnknown, Message: "unknown error"}
	}
	protoErr := &core.ProtocolError{Code: e.Code, Message: e.Msg}
	if e.Code == proto.ErrCodeRoomNotFound {
		return fmt.Errorf("%w: %w", core.ErrRoomNotFound, protoErr)
	}
	return protoErr
}

func send(ctx context.Context, conn *websocket.Conn, kind string, data any) error {
	inbound, err := proto.NewInbound(kind, data)
	if err != nil {
		return fmt.Errorf("wirechat: encode %s: %w", kind, err)
	}
	if err := wsjson.Write(ctx, conn, inbound); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &core.ConnectionError{Op: "send " + kind, Err: err}
	}
	return nil
}

// dropConn closes the room connection, if any.
func (s *Session) dropConn(reason string) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.fresh = false
	s.history = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, reason)
	}
}

func (s *Session) joined() (string, *websocket.Conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.room == "" {
		return "", nil, core.ErrNoRoom
	}
	return s.room, s.conn, nil
}

// LeaveRoom leaves the current room. Without a live connection the server
// has already dropped the user from the room, so only local state is reset.
func (s *Session) LeaveRoom(ctx context.Context) error {
	room, conn, err := s.joined()
	if err != nil {
		return err
	}

	if conn != nil {
		if err := send(ctx, conn, proto.InboundTypeLeave, proto.JoinData{Room: room}); err != nil {
			s.log.Warn().Err(err).Str("room", room).Msg("leave not delivered")
		}
	}
	s.StopPushStream()
	s.dropConn("leave")

	s.mu.Lock()
	s.room = ""
	s.members = make(map[string]struct{})
	s.mu.Unlock()
	s.log.Info().Str("room", room).Msg("room left")
	return nil
}

// SendText sends a chat message to the current room.
func (s *Session) SendText(ctx context.Context, text string) error {
	room, conn, err := s.joined()
	if err != nil {
		return err
	}
	if conn == nil {
		return core.ErrNotConnected
	}
	if err := send(ctx, conn, proto.InboundTypeMsg, proto.MsgData{Room: room, Text: text}); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// InviteUser is not part of the WireChat protocol.
func (s *Session) InviteUser(context.Context, string) error {
	return core.UnsupportedError("invite")
}

// SetDisplayName is not part of the WireChat protocol.
func (s *Session) SetDisplayName(context.Context, string) error {
	return core.UnsupportedError("changing the display name")
}

// Members returns the users currently in the room, reconnecting first when
// the previous connection was closed.
func (s *Session) Members(ctx context.Context) ([]core.Member, error) {
	room, conn, err := s.joined()
	if err != nil {
		return nil, err
	}
	if conn == nil {
		if err := s.dial(ctx, room); err != nil {
			return nil, fmt.Errorf("members: %w", err)
		}
	}

	s.mu.RLock()
	members := make([]core.Member, 0, len(s.members))
	for name := range s.members {
		members = append(members, core.Member{UserID: name})
	}
	s.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

// Backfill returns up to limit of the latest room events, oldest first. The
// history received with the last join is used when unclaimed; otherwise
// the room is joined again to fetch it.
func (s *Session) Backfill(ctx context.Context, limit int) ([]core.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	room, _, err := s.joined()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	fresh := s.fresh
	s.mu.RUnlock()
	if !fresh {
		if s.Connected() {
			return nil, errors.New("wirechat: backfill while the push stream is running")
		}
		if err := s.dial(ctx, room); err != nil {
			return nil, fmt.Errorf("backfill: %w", err)
		}
	}

	s.mu.Lock()
	events := s.history
	s.history = nil
	s.fresh = false
	s.mu.Unlock()

	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	s.log.Debug().Int("events", len(events)).Msg("backfilled history")
	return events, nil
}

// track keeps the member set in step with membership events.
func (s *Session) track(ev core.Event) {
	if ev.Type != core.EventTypeMember {
		return
	}
	membership, _ := ev.ContentString("membership")
	user := ev.Subject()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch membership {
	case core.MembershipJoin:
		s.members[user] = struct{}{}
	case core.MembershipLeave:
		delete(s.members, user)
	}
}
