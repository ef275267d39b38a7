package matrix

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/vovakirdan/wirechat-tui/internal/core"
	"github.com/vovakirdan/wirechat-tui/internal/utils"
)

type roomIDResponse struct {
	RoomID string `json:"room_id"`
}

type createRoomRequest struct {
	RoomAliasName string `json:"room_alias_name,omitempty"`
	Name          string `json:"name,omitempty"`
	Visibility    string `json:"visibility"`
	Preset        string `json:"preset,omitempty"`
}

type textContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// JoinRoom joins the room with the given alias or id. An alias with no
// room mapped to it yields core.ErrRoomNotFound.
func (s *Session) JoinRoom(ctx context.Context, alias string) error {
	s.log.Info().Str("room", alias).Msg("joining room")

	var resp roomIDResponse
	err := s.doJSON(ctx, http.MethodPost, "/join/"+url.PathEscape(alias), struct{}{}, &resp, nil)
	if err != nil {
		if protocolStatus(err) == http.StatusNotFound {
			return fmt.Errorf("%w: %w", core.ErrRoomNotFound, err)
		}
		return fmt.Errorf("join %s: %w", alias, err)
	}

	s.setRoom(resp.RoomID)
	return nil
}

// CreateRoom creates a room whose local alias is derived from alias
// (#name:server becomes name) and makes it the current room.
func (s *Session) CreateRoom(ctx context.Context, alias string) error {
	name := AliasLocalpart(alias)
	s.log.Info().Str("room", alias).Str("alias_name", name).Msg("creating room")

	var resp roomIDResponse
	err := s.doJSON(ctx, http.MethodPost, "/createRoom", createRoomRequest{
		RoomAliasName: name,
		Visibility:    "private",
		Preset:        "public_chat",
	}, &resp, nil)
	if err != nil {
		return fmt.Errorf("create room %s: %w", alias, err)
	}

	s.setRoom(resp.RoomID)
	return nil
}

// AliasLocalpart returns the local part of a room alias: "#dev:example.org"
// becomes "dev".
func AliasLocalpart(alias string) string {
	name := strings.TrimPrefix(alias, "#")
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	return name
}

func (s *Session) setRoom(roomID string) {
	s.mu.Lock()
	if s.roomID != roomID {
		s.since = ""
	}
	s.roomID = roomID
	s.mu.Unlock()
	s.log.Info().Str("room_id", roomID).Msg("room selected")
}

// LeaveRoom leaves the current room.
func (s *Session) LeaveRoom(ctx context.Context) error {
	roomID, err := s.room()
	if err != nil {
		return err
	}
	if err := s.doJSON(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/leave", struct{}{}, nil, nil); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}

	s.mu.Lock()
	s.roomID = ""
	s.since = ""
	s.mu.Unlock()
	return nil
}

// SendText sends a plain text message to the current room.
func (s *Session) SendText(ctx context.Context, text string) error {
	roomID, err := s.room()
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/rooms/%s/send/%s/%s", url.PathEscape(roomID), core.EventTypeMessage, utils.NewID())
	content := textContent{MsgType: core.MsgTypeText, Body: text}
	if err := s.doJSON(ctx, http.MethodPut, path, content, nil, nil); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// InviteUser invites userID to the current room.
func (s *Session) InviteUser(ctx context.Context, userID string) error {
	roomID, err := s.room()
	if err != nil {
		return err
	}
	body := map[string]string{"user_id": userID}
	if err := s.doJSON(ctx, http.MethodPost, "/rooms/"+url.PathEscape(roomID)+"/invite", body, nil, nil); err != nil {
		return fmt.Errorf("invite %s: %w", userID, err)
	}
	return nil
}

// SetDisplayName changes the display name of the logged in user.
func (s *Session) SetDisplayName(ctx context.Context, name string) error {
	path := "/profile/" + url.PathEscape(s.UserID()) + "/displayname"
	body := map[string]string{"displayname": name}
	if err := s.doJSON(ctx, http.MethodPut, path, body, nil, nil); err != nil {
		return fmt.Errorf("set display name: %w", err)
	}
	return nil
}

// Members returns the joined members of the current room ordered by id.
func (s *Session) Members(ctx context.Context) ([]core.Member, error) {
	roomID, err := s.room()
	if err != nil {
		return nil, err
	}

	var resp struct {
		Joined map[string]struct {
			DisplayName string `json:"display_name"`
		} `json:"joined"`
	}
	if err := s.doJSON(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/joined_members", nil, &resp, nil); err != nil {
		return nil, fmt.Errorf("joined members: %w", err)
	}

	members := make([]core.Member, 0, len(resp.Joined))
	for id, m := range resp.Joined {
		members = append(members, core.Member{UserID: id, DisplayName: m.DisplayName})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}
