// Package matrixtest runs an in-process fake homeserver implementing the
// subset of the Matrix client-server API used by the matrix session.
package matrixtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vovakirdan/wirechat-tui/internal/core"
	"github.com/vovakirdan/wirechat-tui/internal/utils"
)

// Domain is the server name used in generated ids.
const Domain = "test.local"

type account struct {
	password    string
	displayName string
}

type room struct {
	id      string
	alias   string
	members map[string]bool
}

type timelineEntry struct {
	roomID string
	event  core.Event
}

type failure struct {
	status  int
	errcode string
	message string
}

// Server is a fake homeserver. Create it with New and Close it when done.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	accounts map[string]*account // by user id
	tokens   map[string]string   // access token -> user id
	rooms    map[string]*room    // by room id
	aliases  map[string]string   // alias -> room id
	timeline []timelineEntry
	failures map[string]failure
	captcha  bool
	requests []string
	wake     chan struct{}
}

// New starts a fake homeserver.
func New() *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		accounts: make(map[string]*account),
		tokens:   make(map[string]string),
		rooms:    make(map[string]*room),
		aliases:  make(map[string]string),
		failures: make(map[string]failure),
		wake:     make(chan struct{}),
	}

	r := gin.New()
	r.Use(s.record, s.injectFailure)
	api := r.Group("/_matrix/client/v3")
	api.POST("/login", s.handleLogin)
	api.POST("/register", s.handleRegister)

	authed := api.Group("", s.requireToken)
	authed.GET("/account/whoami", s.handleWhoami)
	authed.POST("/logout", s.handleLogout)
	authed.POST("/join/:room", s.handleJoin)
	authed.POST("/createRoom", s.handleCreateRoom)
	authed.POST("/rooms/:room/leave", s.handleLeave)
	authed.POST("/rooms/:room/invite", s.handleInvite)
	authed.PUT("/rooms/:room/send/:type/:txn", s.handleSend)
	authed.GET("/rooms/:room/joined_members", s.handleJoinedMembers)
	authed.PUT("/profile/:user/displayname", s.handleDisplayName)
	authed.GET("/sync", s.handleSync)

	s.Server = httptest.NewServer(r)
	return s
}

// UserID returns the fully qualified id of a local user name.
func UserID(name string) string {
	return "@" + name + ":" + Domain
}

// AddUser creates an account.
func (s *Server) AddUser(name, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[UserID(name)] = &account{password: password, displayName: name}
}

// AddRoom creates a room reachable through alias and returns its id.
// members join it in order.
func (s *Server) AddRoom(alias string, members ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.newRoomLocked(alias)
	for _, m := range members {
		s.joinLocked(r, m)
	}
	return r.id
}

// RequireCaptcha makes registration answer with a recaptcha challenge.
func (s *Server) RequireCaptcha() {
	s.mu.Lock()
	s.captcha = true
	s.mu.Unlock()
}

// FailNext makes the next request matching route (e.g.
// "POST /_matrix/client/v3/rooms/:room/invite") fail with the given error.
func (s *Server) FailNext(route string, status int, errcode, message string) {
	s.mu.Lock()
	s.failures[route] = failure{status: status, errcode: errcode, message: message}
	s.mu.Unlock()
}

// Push appends an event to a room timeline as if another client sent it.
func (s *Server) Push(roomID string, ev core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(roomID, ev)
}

// SendText pushes an m.text message from sender.
func (s *Server) SendText(roomID, sender, body string) {
	s.Push(roomID, core.Event{
		Type:    core.EventTypeMessage,
		Sender:  sender,
		Content: map[string]any{"msgtype": core.MsgTypeText, "body": body},
	})
}

// Join makes userID join roomID and pushes the membership event.
func (s *Server) Join(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		s.joinLocked(r, userID)
	}
}

// Messages returns the bodies of m.text messages sent to roomID.
func (s *Server) Messages(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, entry := range s.timeline {
		if entry.roomID != roomID || entry.event.Type != core.EventTypeMessage {
			continue
		}
		if body, ok := entry.event.ContentString("body"); ok {
			out = append(out, body)
		}
	}
	return out
}

// Members returns the joined members of roomID, sorted.
func (s *Server) Members(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	var out []string
	for id, joined := range r.members {
		if joined {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// RoomByAlias returns the id of the room mapped to alias.
func (s *Server) RoomByAlias(alias string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.aliases[alias]
	return id, ok
}

// TokenValid reports whether token is a live access token.
func (s *Server) TokenValid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[token]
	return ok
}

// Requests returns "METHOD route" for every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) newRoomLocked(alias string) *room {
	r := &room{
		id:      "!" + utils.NewID()[:12] + ":" + Domain,
		alias:   alias,
		members: make(map[string]bool),
	}
	s.rooms[r.id] = r
	if alias != "" {
		s.aliases[alias] = r.id
	}
	return r
}

func (s *Server) joinLocked(r *room, userID string) {
	if r.members[userID] {
		return
	}
	r.members[userID] = true
	name := userID
	if acc, ok := s.accounts[userID]; ok {
		name = acc.displayName
	}
	stateKey := userID
	s.appendLocked(r.id, core.Event{
		Type:     core.EventTypeMember,
		Sender:   userID,
		StateKey: &stateKey,
		Content:  map[string]any{"membership": core.MembershipJoin, "displayname": name},
	})
}

func (s *Server) appendLocked(roomID string, ev core.Event) {
	if ev.ID == "" {
		ev.ID = "$" + utils.NewID()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	s.timeline = append(s.timeline, timelineEntry{roomID: roomID, event: ev})
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Server) record(c *gin.Context) {
	c.Next()
	s.mu.Lock()
	s.requests = append(s.requests, c.Request.Method+" "+c.FullPath())
	s.mu.Unlock()
}

func (s *Server) injectFailure(c *gin.Context) {
	route := c.Request.Method + " " + c.FullPath()
	s.mu.Lock()
	f, ok := s.failures[route]
	if ok {
		delete(s.failures, route)
	}
	s.mu.Unlock()

	if ok {
		c.AbortWithStatusJSON(f.status, gin.H{"errcode": f.errcode, "error": f.message})
	}
}

func (s *Server) requireToken(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	s.mu.Lock()
	userID, ok := s.tokens[token]
	s.mu.Unlock()
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"errcode": "M_UNKNOWN_TOKEN", "error": "Unrecognised access token"})
		return
	}
	c.Set("user_id", userID)
	c.Set("token", token)
	c.Next()
}

func (s *Server) issueTokenLocked(userID string) gin.H {
	token := "syt_" + utils.NewID()
	s.tokens[token] = userID
	return gin.H{"user_id": userID, "access_token": token, "device_id": strings.ToUpper(utils.NewID()[:10])}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Identifier struct {
			User string `json:"user"`
		} `json:"identifier"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errcode": "M_BAD_JSON", "error": err.Error()})
		return
	}

	userID := UserID(req.Identifier.User)
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[userID]
	if !ok || acc.password != req.Password {
		c.JSON(http.StatusForbidden, gin.H{"errcode": "M_FORBIDDEN", "error": "Invalid username or password"})
		return
	}
	c.JSON(http.StatusOK, s.issueTokenLocked(userID))
}

func (s *Server) handleRegister(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errcode": "M_BAD_JSON", "error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captcha {
		c.JSON(http.StatusUnauthorized, gin.H{
			"session": "uia-" + utils.NewID()[:6],
			"flows":   []gin.H{{"stages": []string{"m.login.recaptcha"}}},
		})
		return
	}
	if req.Username == "" || strings.ContainsAny(req.Username, " :@") {
		c.JSON(http.StatusBadRequest, gin.H{"errcode": "M_INVALID_USERNAME", "error": "User ID can only contain characters a-z, 0-9, or '=_-./'"})
		return
	}
	userID := UserID(req.Username)
	if _, taken := s.accounts[userID]; taken {
		c.JSON(http.StatusBadRequest, gin.H{"errcode": "M_USER_IN_USE", "error": "User ID already taken."})
		return
	}
	s.accounts[userID] = &account{password: req.Password, displayName: req.Username}
	c.JSON(http.StatusOK, s.issueTokenLocked(userID))
}

func (s *Server) handleWhoami(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id"), "device_id": "RESUMED"})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.mu.Lock()
	delete(s.tokens, c.GetString("token"))
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleJoin(c *gin.Context) {
	target := c.Param("room")
	userID := c.GetString("user_id")

	s.mu.Lock()
	defer s.mu.Unlock()
	roomID := target
	if strings.HasPrefix(target, "#") {
		id, ok := s.aliases[target]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"errcode": "M_NOT_FOUND", "error": fmt.Sprintf("Room alias %s not found", target)})
			return
		}
		roomID = id
	}
	r, ok := s.rooms[roomID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"errcode": "M_NOT_FOUND", "error": "No known servers"})
		return
	}
	s.joinLocked(r, userID)
	c.JSON(http.StatusOK, gin.H{"room_id": r.id})
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var req struct {
		RoomAliasName string `json:"room_alias_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errcode": "M_BAD_JSON", "error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	alias := ""
	if req.RoomAliasName != "" {
		alias = "#" + req.RoomAliasName + ":" + Domain
		if _, taken := s.aliases[alias]; taken {
			c.JSON(http.StatusBadRequest, gin.H{"errcode": "M_ROOM_IN_USE", "error": "Room alias already taken"})
			return
		}
	}
	r := s.newRoomLocked(alias)
	s.joinLocked(r, c.GetString("user_id"))
	c.JSON(http.StatusOK, gin.H{"room_id": r.id})
}

func (s *Server) handleLeave(c *gin.Context) {
	userID := c.GetString("user_id")
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[c.Param("room")]
	if !ok || !r.members[userID] {
		c.JSON(http.StatusForbidden, gin.H{"errcode": "M_FORBIDDEN", "error": "You are not in this room"})
		return
	}
	delete(r.members, userID)
	stateKey := userID
	s.appendLocked(r.id, core.Event{
		Type:     core.EventTypeMember,
		Sender:   userID,
		StateKey: &stateKey,
		Content:  map[string]any{"membership": core.MembershipLeave},
	})
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleInvite(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errcode": "M_BAD_JSON", "error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[c.Param("room")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"errcode": "M_NOT_FOUND", "error": "Unknown room"})
		return
	}
	if _, known := s.accounts[req.UserID]; !known {
		c.JSON(http.StatusNotFound, gin.H{"errcode": "M_NOT_FOUND", "error": "Unknown user " + req.UserID})
		return
	}
	stateKey := req.UserID
	s.appendLocked(r.id, core.Event{
		Type:     core.EventTypeMember,
		Sender:   c.GetString("user_id"),
		StateKey: &stateKey,
		Content:  map[string]any{"membership": core.MembershipInvite},
	})
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleSend(c *gin.Context) {
	var content map[string]any
	if err := c.ShouldBindJSON(&content); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errcode": "M_BAD_JSON", "error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	roomID := c.Param("room")
	if _, ok := s.rooms[roomID]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"errcode": "M_NOT_FOUND", "error": "Unknown room"})
		return
	}
	id := "$" + utils.NewID()
	s.appendLocked(roomID, core.Event{
		ID:      id,
		Type:    c.Param("type"),
		Sender:  c.GetString("user_id"),
		Content: content,
	})
	c.JSON(http.StatusOK, gin.H{"event_id": id})
}

func (s *Server) handleJoinedMembers(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[c.Param("room")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"errcode": "M_NOT_FOUND", "error": "Unknown room"})
		return
	}
	joined := gin.H{}
	for id, in := range r.members {
		if !in {
			continue
		}
		name := ""
		if acc, ok := s.accounts[id]; ok {
			name = acc.displayName
		}
		joined[id] = gin.H{"display_name": name}
	}
	c.JSON(http.StatusOK, gin.H{"joined": joined})
}

func (s *Server) handleDisplayName(c *gin.Context) {
	var req struct {
		DisplayName string `json:"displayname"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errcode": "M_BAD_JSON", "error": err.Error()})
		return
	}
	userID := c.GetString("user_id")
	if c.Param("user") != userID {
		c.JSON(http.StatusForbidden, gin.H{"errcode": "M_FORBIDDEN", "error": "Cannot set another user's displayname"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[userID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"errcode": "M_NOT_FOUND", "error": "Unknown user"})
		return
	}
	prev := acc.displayName
	acc.displayName = req.DisplayName

	stateKey := userID
	for _, r := range s.rooms {
		if !r.members[userID] {
			continue
		}
		s.appendLocked(r.id, core.Event{
			Type:     core.EventTypeMember,
			Sender:   userID,
			StateKey: &stateKey,
			Content:  map[string]any{"membership": core.MembershipJoin, "displayname": req.DisplayName},
			Unsigned: map[string]any{"prev_content": map[string]any{"membership": core.MembershipJoin, "displayname": prev}},
		})
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleSync(c *gin.Context) {
	userID := c.GetString("user_id")
	since := 0
	if raw := c.Query("since"); raw != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(raw, "s"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errcode": "M_INVALID_PARAM", "error": "bad since token"})
			return
		}
		since = n
	}
	timeout, _ := strconv.Atoi(c.DefaultQuery("timeout", "0"))
	rooms, limit := parseFilter(c.Query("filter"))

	deadline := time.NewTimer(time.Duration(timeout) * time.Millisecond)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		events, next := s.collectLocked(userID, rooms, since)
		wake := s.wake
		s.mu.Unlock()

		if len(events) > 0 || timeout == 0 || c.Query("since") == "" {
			c.JSON(http.StatusOK, syncBody(next, events, limit))
			return
		}
		select {
		case <-wake:
		case <-deadline.C:
			c.JSON(http.StatusOK, syncBody(next, nil, limit))
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) collectLocked(userID string, rooms map[string]bool, since int) (map[string][]core.Event, int) {
	out := make(map[string][]core.Event)
	if since > len(s.timeline) {
		since = len(s.timeline)
	}
	for _, entry := range s.timeline[since:] {
		if len(rooms) > 0 && !rooms[entry.roomID] {
			continue
		}
		r, ok := s.rooms[entry.roomID]
		if !ok || !(r.members[userID] || leftWith(entry, userID)) {
			continue
		}
		out[entry.roomID] = append(out[entry.roomID], entry.event)
	}
	return out, len(s.timeline)
}

// leftWith reports whether entry is userID's own leave, which is still
// delivered to the leaver.
func leftWith(entry timelineEntry, userID string) bool {
	membership, _ := entry.event.ContentString("membership")
	return entry.event.Type == core.EventTypeMember && membership == core.MembershipLeave && entry.event.Subject() == userID
}

func syncBody(next int, events map[string][]core.Event, limit int) gin.H {
	join := gin.H{}
	for roomID, evs := range events {
		if limit > 0 && len(evs) > limit {
			evs = evs[len(evs)-limit:]
		}
		join[roomID] = gin.H{"timeline": gin.H{"events": evs}}
	}
	return gin.H{"next_batch": "s" + strconv.Itoa(next), "rooms": gin.H{"join": join}}
}

func parseFilter(raw string) (map[string]bool, int) {
	var filter struct {
		Room struct {
			Rooms    []string `json:"rooms"`
			Timeline struct {
				Limit int `json:"limit"`
			} `json:"timeline"`
		} `json:"room"`
	}
	if raw == "" || json.Unmarshal([]byte(raw), &filter) != nil {
		return nil, 0
	}
	rooms := make(map[string]bool, len(filter.Room.Rooms))
	for _, id := range filter.Room.Rooms {
		rooms[id] = true
	}
	return rooms, filter.Room.Timeline.Limit
}
