package wirechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-tui/internal/core"
)

const (
	apiPrefix = "/api"
	wsPath    = "/ws"

	maxResponseSize = 1 << 20
)

// Error codes derived from HTTP statuses of the REST API.
const (
	ErrCodeConflict = "conflict"
	ErrCodeNotFound = "not_found"
)

// Config configures a Session.
type Config struct {
	// ServerURL is the server base URL, e.g. http://localhost:8080.
	ServerURL string
	// HTTPClient overrides http.DefaultClient for REST and websocket dials.
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Session is a core.Session speaking the WireChat REST and websocket
// protocol.
type Session struct {
	baseURL string
	wsURL   string
	http    *http.Client
	log     *zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	username string
	token    string
	room     string
	conn     *websocket.Conn
	// history holds the events received with the last join until Backfill
	// takes them. fresh is set while they are unclaimed.
	history []core.Event
	fresh   bool
	members map[string]struct{}

	stream streamState
}

var _ core.TokenSession = (*Session)(nil)

// New creates a logged out session for cfg.ServerURL.
func New(cfg Config) (*Session, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("wirechat: invalid server url %q", cfg.ServerURL)
	}

	ws := *u
	switch u.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, fmt.Errorf("wirechat: invalid server url %q", cfg.ServerURL)
	}
	ws.Path = strings.TrimRight(u.Path, "/") + wsPath

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Session{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		wsURL:   ws.String(),
		http:    client,
		log:     logger,
		now:     time.Now,
		members: make(map[string]struct{}),
	}, nil
}

// UserID returns the username of the logged in user.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// AccessToken returns the current JWT.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Room returns the name of the joined room, empty before a join.
func (s *Session) Room() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// doRequest sends a JSON request to the REST API. Transport failures are
// returned as *core.ConnectionError, non-2xx responses as
// *core.ProtocolError.
func (s *Session) doRequest(ctx context.Context, method, path string, requestBody, out any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("wirechat: encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+apiPrefix+path, bodyReader)
	if err != nil {
		return fmt.Errorf("wirechat: create request: %w", err)
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := s.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &core.ConnectionError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &core.ConnectionError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		if jsonErr := json.Unmarshal(body, &payload); jsonErr != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(body))
		}
		s.log.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("wirechat request rejected")
		return &core.ProtocolError{Code: statusCode(resp.StatusCode), Message: payload.Error, Status: resp.StatusCode}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("wirechat: decode %s response: %w", path, err)
	}
	return nil
}

func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return core.ErrCodeBadRequest
	case http.StatusUnauthorized:
		return core.ErrCodeUnauthorized
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusConflict:
		return ErrCodeConflict
	default:
		return core.ErrCodeUnknown
	}
}

func protocolStatus(err error) int {
	if protoErr, ok := core.AsProtocolError(err); ok {
		return protoErr.Status
	}
	return 0
}
