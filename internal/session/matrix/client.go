package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-tui/internal/core"
)

const (
	apiPrefix = "/_matrix/client/v3"

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 16 << 20

	// syncGrace is added to the long-poll timeout so the server answers
	// before the request context gives up.
	syncGrace = 10 * time.Second
)

// Matrix error codes the session reacts to.
const (
	ErrCodeForbidden       = "M_FORBIDDEN"
	ErrCodeNotFound        = "M_NOT_FOUND"
	ErrCodeUnknown         = "M_UNKNOWN"
	ErrCodeUnknownToken    = "M_UNKNOWN_TOKEN"
	ErrCodeUserInUse       = "M_USER_IN_USE"
	ErrCodeExclusive       = "M_EXCLUSIVE"
	ErrCodeInvalidUsername = "M_INVALID_USERNAME"
)

// Config configures a Session.
type Config struct {
	// ServerURL is the homeserver base URL, e.g. https://matrix.org.
	ServerURL string
	// SyncTimeout is the long-poll timeout passed to /sync.
	SyncTimeout time.Duration
	// DeviceName is shown in the user's device list for fresh logins.
	DeviceName string
	// HTTPClient overrides http.DefaultClient.
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Session is a core.Session speaking the Matrix client-server API.
type Session struct {
	baseURL     string
	http        *http.Client
	syncTimeout time.Duration
	deviceName  string
	log         *zerolog.Logger

	mu       sync.RWMutex
	userID   string
	token    string
	deviceID string
	roomID   string
	since    string

	stream streamState
}

var _ core.TokenSession = (*Session)(nil)

// New creates a logged out session for cfg.ServerURL.
func New(cfg Config) (*Session, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("matrix: invalid server url %q", cfg.ServerURL)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := cfg.SyncTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Session{
		baseURL:     strings.TrimRight(cfg.ServerURL, "/"),
		http:        client,
		syncTimeout: timeout,
		deviceName:  cfg.DeviceName,
		log:         logger,
	}, nil
}

// UserID returns the fully qualified id of the logged in user.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// AccessToken returns the current access token.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// DeviceID returns the device id assigned at login.
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// RoomID returns the id of the joined room, empty before a join.
func (s *Session) RoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

func (s *Session) credentials() (token, roomID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.roomID
}

func (s *Session) room() (string, error) {
	_, roomID := s.credentials()
	if roomID == "" {
		return "", core.ErrNoRoom
	}
	return roomID, nil
}

// doRequest sends a JSON request and returns the response body. Transport
// failures are returned as *core.ConnectionError, non-2xx responses as
// *core.ProtocolError together with the raw body.
func (s *Session) doRequest(ctx context.Context, method, path string, requestBody any, query url.Values) ([]byte, error) {
	requestURL := s.baseURL + apiPrefix + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("matrix: encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("matrix: create request: %w", err)
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, _ := s.credentials(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &core.ConnectionError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &core.ConnectionError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	var payload struct {
		Code    string `json:"errcode"`
		Message string `json:"error"`
	}
	if jsonErr := json.Unmarshal(body, &payload); jsonErr != nil || payload.Code == "" {
		payload.Code = core.ErrCodeUnknown
		if payload.Message == "" {
			payload.Message = strings.TrimSpace(string(body))
		}
	}
	s.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Str("errcode", payload.Code).
		Msg("matrix request rejected")

	return body, &core.ProtocolError{Code: payload.Code, Message: payload.Message, Status: resp.StatusCode}
}

func (s *Session) doJSON(ctx context.Context, method, path string, requestBody, out any, query url.Values) error {
	body, err := s.doRequest(ctx, method, path, requestBody, query)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("matrix: decode %s response: %w", path, err)
	}
	return nil
}

func protocolStatus(err error) int {
	var protoErr *core.ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Status
	}
	return 0
}
