package wirechattest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-tui/internal/proto"
)

type peer struct {
	user   string
	room   *room
	conn   *websocket.Conn
	events chan proto.Outbound
}

func event(name string, data any) proto.Outbound {
	return proto.Outbound{Type: proto.OutboundTypeEvent, Event: name, Data: data}
}

func protoError(code, msg string) proto.Outbound {
	return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: code, Msg: msg}}
}

// DropConnections closes every websocket as if the server went away.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.peers))
	for p := range s.peers {
		conns = append(conns, p.conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.CloseNow()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	s.handler.Add(1)
	defer s.handler.Done()
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	user, ok := s.hello(ctx, conn)
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "hello rejected")
		return
	}

	p := &peer{user: user, conn: conn, events: make(chan proto.Outbound, 64)}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer s.disconnect(p)

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.readLoop(ctx, conn, p)
	}()
	go func() {
		errCh <- writeLoop(ctx, conn, p)
	}()

	err = <-errCh
	cancel()
	<-errCh

	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug().Err(err).Str("user", user).Msg("ws connection closed")
	}
	conn.Close(websocket.StatusNormalClosure, "closing")
}

// hello reads the introduction frame and authenticates the token.
func (s *Server) hello(ctx context.Context, conn *websocket.Conn) (string, bool) {
	var inbound proto.Inbound
	if err := wsjson.Read(ctx, conn, &inbound); err != nil {
		return "", false
	}
	if inbound.Type != proto.InboundTypeHello {
		_ = wsjson.Write(ctx, conn, protoError(proto.ErrCodeBadRequest, "hello expected"))
		return "", false
	}

	var hello proto.HelloData
	if err := json.Unmarshal(inbound.Data, &hello); err != nil {
		_ = wsjson.Write(ctx, conn, protoError(proto.ErrCodeBadRequest, "invalid hello"))
		return "", false
	}
	if hello.Protocol > proto.ProtocolVersion {
		_ = wsjson.Write(ctx, conn, protoError(proto.ErrCodeUnsupportedVersion, "unsupported protocol version"))
		return "", false
	}

	claims, err := s.accounts.ValidateToken(hello.Token)
	if err != nil {
		_ = wsjson.Write(ctx, conn, protoError(proto.ErrCodeUnauthorized, "invalid token"))
		return "", false
	}
	return claims.Username, true
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, p *peer) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		switch inbound.Type {
		case proto.InboundTypeJoin:
			var join proto.JoinData
			if err := json.Unmarshal(inbound.Data, &join); err != nil || join.Room == "" {
				s.reply(p, protoError(proto.ErrCodeBadRequest, "room is required"))
				continue
			}
			s.join(p, join.Room)
		case proto.InboundTypeLeave:
			s.leave(p)
		case proto.InboundTypeMsg:
			var msg proto.MsgData
			if err := json.Unmarshal(inbound.Data, &msg); err != nil {
				s.reply(p, protoError(proto.ErrCodeBadRequest, "invalid message"))
				continue
			}
			s.post(p, msg)
		default:
			s.reply(p, protoError(proto.ErrCodeInvalidMessage, "unknown message type"))
		}
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, p *peer) error {
	for {
		select {
		case out := <-p.events:
			if err := wsjson.Write(ctx, conn, out); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) reply(p *peer, out proto.Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverLocked(p, out)
}

func (s *Server) deliverLocked(p *peer, out proto.Outbound) {
	select {
	case p.events <- out:
	default:
		s.log.Warn().Str("user", p.user).Msg("peer queue full, dropping event")
	}
}

func (s *Server) broadcastLocked(r *room, out proto.Outbound) {
	for p := range r.peers {
		s.deliverLocked(p, out)
	}
}

func (s *Server) join(p *peer, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[name]
	switch {
	case !ok:
		s.deliverLocked(p, protoError(proto.ErrCodeRoomNotFound, "room not found"))
		return
	case p.room != nil:
		s.deliverLocked(p, protoError(proto.ErrCodeAlreadyJoined, "already in a room"))
		return
	}

	p.room = r
	r.peers[p] = struct{}{}

	history := r.messages
	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}
	s.deliverLocked(p, event(proto.EventNameHistory, proto.EventHistory{
		Room:     name,
		Members:  r.membersLocked(),
		Messages: append([]proto.EventMessage(nil), history...),
	}))
	s.broadcastLocked(r, event(proto.EventNameUserJoined, proto.EventUserJoined{Room: name, User: p.user}))
}

func (s *Server) post(p *peer, msg proto.MsgData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.room == nil || p.room.name != msg.Room {
		s.deliverLocked(p, protoError(proto.ErrCodeNotInRoom, "not in room"))
		return
	}
	s.postLocked(p.room, p.user, msg.Text)
}

func (s *Server) leave(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(p)
}

func (s *Server) leaveLocked(p *peer) {
	r := p.room
	if r == nil {
		return
	}
	delete(r.peers, p)
	p.room = nil
	if containsUser(r, p.user) {
		return
	}
	s.broadcastLocked(r, event(proto.EventNameUserLeft, proto.EventUserLeft{Room: r.name, User: p.user}))
}

func (s *Server) disconnect(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(p)
	delete(s.peers, p)
}

// containsUser reports whether user is still in the room through another
// connection.
func containsUser(r *room, user string) bool {
	if _, ok := r.virtual[user]; ok {
		return true
	}
	for other := range r.peers {
		if other.user == user {
			return true
		}
	}
	return false
}
