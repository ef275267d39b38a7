// Package wirechattest runs an in-process WireChat server implementing the
// REST and websocket protocol used by the wirechat session.
package wirechattest

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/vovakirdan/wirechat-tui/internal/auth"
	"github.com/vovakirdan/wirechat-tui/internal/proto"
)

const (
	// HistoryLimit is the number of messages sent with a join.
	HistoryLimit = 50

	contextKeyUsername = "username"
)

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=32"`
	Password string `json:"password" binding:"required,min=6"`
}

// LoginRequest represents the login request body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// CreateRoomRequest represents the room creation request body.
type CreateRoomRequest struct {
	Name string `json:"name" binding:"required"`
}

// AuthResponse represents the authentication response body.
type AuthResponse struct {
	Token string `json:"token"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

type room struct {
	name     string
	peers    map[*peer]struct{}
	virtual  map[string]struct{}
	messages []proto.EventMessage
}

// Server is a fake WireChat server. Create it with New and Close it when
// done.
type Server struct {
	*httptest.Server

	accounts *auth.Accounts
	log      *zerolog.Logger

	mu      sync.Mutex
	rooms   map[string]*room
	peers   map[*peer]struct{}
	nextID  int64
	handler sync.WaitGroup
}

// Options configures Start.
type Options struct {
	// Addr is the listen address. Empty picks a free loopback port.
	Addr   string
	Secret []byte
	Logger *zerolog.Logger
}

// New starts a server with no users and no rooms on a free loopback port.
func New() *Server {
	s, err := Start(Options{})
	if err != nil {
		panic(fmt.Sprintf("wirechattest: %v", err))
	}
	return s
}

// Start starts a server with no users and no rooms.
func Start(opts Options) (*Server, error) {
	gin.SetMode(gin.TestMode)

	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	secret := opts.Secret
	if len(secret) == 0 {
		secret = []byte("wirechattest-secret")
	}

	s := &Server{
		accounts: auth.NewAccounts(&auth.JWTConfig{
			Secret:   secret,
			Issuer:   "wirechattest",
			Audience: "wirechat",
			TTL:      time.Hour,
		}, bcrypt.MinCost),
		log:   logger,
		rooms: make(map[string]*room),
		peers: make(map[*peer]struct{}),
	}

	r := gin.New()
	api := r.Group("/api")
	api.POST("/register", s.handleRegister)
	api.POST("/login", s.handleLogin)
	protected := api.Group("", s.authMiddleware)
	protected.GET("/rooms", s.handleListRooms)
	protected.POST("/rooms", s.handleCreateRoom)
	r.GET("/ws", func(c *gin.Context) { s.serveWS(c.Writer, c.Request) })

	if opts.Addr == "" {
		s.Server = httptest.NewServer(r)
		return s, nil
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", opts.Addr, err)
	}
	s.Server = httptest.NewUnstartedServer(r)
	_ = s.Server.Listener.Close()
	s.Server.Listener = ln
	s.Server.Start()
	return s, nil
}

// Close drops every websocket, waits for their handlers and stops the
// server.
func (s *Server) Close() {
	s.DropConnections()
	s.handler.Wait()
	s.Server.Close()
}

// AddUser registers an account.
func (s *Server) AddUser(name, password string) error {
	_, err := s.accounts.Register(name, password)
	return err
}

// Token logs name in and returns a fresh token.
func (s *Server) Token(name, password string) (string, error) {
	return s.accounts.Login(name, password)
}

// AddRoom creates a room. members join it without a connection.
func (s *Server) AddRoom(name string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(name)
	for _, m := range members {
		r.virtual[m] = struct{}{}
	}
}

// HasRoom reports whether a room exists.
func (s *Server) HasRoom(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[name]
	return ok
}

// Join adds user to the room without a connection and notifies members.
func (s *Server) Join(name, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(name)
	r.virtual[user] = struct{}{}
	s.broadcastLocked(r, event(proto.EventNameUserJoined, proto.EventUserJoined{Room: name, User: user}))
}

// Leave removes a connectionless member and notifies the room.
func (s *Server) Leave(name, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		return
	}
	delete(r.virtual, user)
	s.broadcastLocked(r, event(proto.EventNameUserLeft, proto.EventUserLeft{Room: name, User: user}))
}

// SendText posts a message to the room as user.
func (s *Server) SendText(name, user, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[name]; ok {
		s.postLocked(r, user, text)
	}
}

// Messages returns "user: text" lines of the room, oldest first.
func (s *Server) Messages(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		return nil
	}
	lines := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		lines = append(lines, m.User+": "+m.Text)
	}
	return lines
}

// Members returns the sorted member names of the room.
func (s *Server) Members(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[name]
	if !ok {
		return nil
	}
	return r.membersLocked()
}

// Connections returns the number of open websockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) roomLocked(name string) *room {
	r, ok := s.rooms[name]
	if !ok {
		r = &room{
			name:    name,
			peers:   make(map[*peer]struct{}),
			virtual: make(map[string]struct{}),
		}
		s.rooms[name] = r
	}
	return r
}

func (r *room) membersLocked() []string {
	seen := make(map[string]struct{}, len(r.peers)+len(r.virtual))
	for p := range r.peers {
		seen[p.user] = struct{}{}
	}
	for name := range r.virtual {
		seen[name] = struct{}{}
	}
	members := make([]string, 0, len(seen))
	for name := range seen {
		members = append(members, name)
	}
	sort.Strings(members)
	return members
}

func (s *Server) postLocked(r *room, user, text string) {
	s.nextID++
	msg := proto.EventMessage{
		ID:   s.nextID,
		Room: r.name,
		User: user,
		Text: text,
		TS:   time.Now().Unix(),
	}
	r.messages = append(r.messages, msg)
	s.broadcastLocked(r, event(proto.EventNameMessage, msg))
}

func (s *Server) authMiddleware(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "missing authorization header"})
		c.Abort()
		return
	}

	claims, err := s.accounts.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid token"})
		c.Abort()
		return
	}
	c.Set(contextKeyUsername, claims.Username)
	c.Next()
}

// POST /api/register
func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := s.accounts.Register(req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "user already exists"})
		case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrInvalidPassword):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}
	c.JSON(http.StatusCreated, AuthResponse{Token: token})
}

// POST /api/login
func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	token, err := s.accounts.Login(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, AuthResponse{Token: token})
}

// GET /api/rooms
func (s *Server) handleListRooms(c *gin.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	rooms := make([]gin.H, 0, len(names))
	for _, name := range names {
		rooms = append(rooms, gin.H{"name": name})
	}
	c.JSON(http.StatusOK, rooms)
}

// POST /api/rooms
func (s *Server) handleCreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rooms[req.Name]; exists {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "room with this name already exists"})
		return
	}
	s.roomLocked(req.Name)
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "owner": c.GetString(contextKeyUsername)})
}
