package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vovakirdan/wirechat-tui/internal/core"
)

type userIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginRequest struct {
	Type                     string         `json:"type"`
	Identifier               userIdentifier `json:"identifier"`
	Password                 string         `json:"password"`
	InitialDeviceDisplayName string         `json:"initial_device_display_name,omitempty"`
}

type registerAuth struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
}

type registerRequest struct {
	Username                 string        `json:"username"`
	Password                 string        `json:"password"`
	Auth                     *registerAuth `json:"auth,omitempty"`
	InitialDeviceDisplayName string        `json:"initial_device_display_name,omitempty"`
}

type authResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// uiaResponse is the body of a 401 user-interactive auth challenge.
type uiaResponse struct {
	Session string `json:"session"`
	Flows   []struct {
		Stages []string `json:"stages"`
	} `json:"flows"`
}

const stageRecaptcha = "m.login.recaptcha"

// Login authenticates with a password. Rejected credentials yield
// core.ErrLoginFailed.
func (s *Session) Login(ctx context.Context, user, password string) error {
	s.log.Info().Str("username", user).Msg("logging in")

	var resp authResponse
	err := s.doJSON(ctx, http.MethodPost, "/login", loginRequest{
		Type:                     "m.login.password",
		Identifier:               userIdentifier{Type: "m.id.user", User: user},
		Password:                 password,
		InitialDeviceDisplayName: s.deviceName,
	}, &resp, nil)
	if err != nil {
		if protocolStatus(err) == http.StatusForbidden {
			return fmt.Errorf("%w: %w", core.ErrLoginFailed, err)
		}
		return fmt.Errorf("login: %w", err)
	}

	s.adopt(resp)
	return nil
}

// Register creates an account and logs it in.
func (s *Session) Register(ctx context.Context, user, password string) error {
	s.log.Info().Str("username", user).Msg("registering new user")

	req := registerRequest{
		Username:                 user,
		Password:                 password,
		Auth:                     &registerAuth{Type: "m.login.dummy"},
		InitialDeviceDisplayName: s.deviceName,
	}
	body, err := s.doRequest(ctx, http.MethodPost, "/register", req, nil)
	if err != nil && protocolStatus(err) == http.StatusUnauthorized && !requiresCaptcha(body) {
		// Some servers only accept the dummy stage inside the session they
		// handed out with the challenge.
		if session := uiaSession(body); session != "" {
			req.Auth.Session = session
			body, err = s.doRequest(ctx, http.MethodPost, "/register", req, nil)
		}
	}
	if err != nil {
		return registerError(err, body)
	}

	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("register: decode response: %w", err)
	}

	s.adopt(resp)
	return nil
}

func registerError(err error, body []byte) error {
	var protoErr *core.ProtocolError
	if !errors.As(err, &protoErr) {
		return fmt.Errorf("register: %w", err)
	}

	switch {
	case protoErr.Code == ErrCodeUserInUse || protoErr.Code == ErrCodeExclusive:
		return fmt.Errorf("%w: %w", core.ErrUsernameTaken, err)
	case protoErr.Code == ErrCodeInvalidUsername:
		return fmt.Errorf("%w: %s", core.ErrUsernameInvalid, protoErr.Message)
	case strings.Contains(strings.ToLower(protoErr.Message), "captcha"):
		return fmt.Errorf("%w: %w", core.ErrCaptchaRequired, err)
	case protoErr.Status == http.StatusUnauthorized && requiresCaptcha(body):
		return core.ErrCaptchaRequired
	}
	return fmt.Errorf("register: %w", err)
}

func requiresCaptcha(body []byte) bool {
	var uia uiaResponse
	if err := json.Unmarshal(body, &uia); err != nil {
		return false
	}
	for _, flow := range uia.Flows {
		for _, stage := range flow.Stages {
			if stage == stageRecaptcha {
				return true
			}
		}
	}
	return false
}

func uiaSession(body []byte) string {
	var uia uiaResponse
	if err := json.Unmarshal(body, &uia); err != nil {
		return ""
	}
	return uia.Session
}

func (s *Session) adopt(resp authResponse) {
	s.mu.Lock()
	s.userID = resp.UserID
	s.token = resp.AccessToken
	s.deviceID = resp.DeviceID
	s.mu.Unlock()
	s.log.Info().Str("user_id", resp.UserID).Str("device_id", resp.DeviceID).Msg("logged in")
}

// Resume adopts a cached access token after checking it with the server.
func (s *Session) Resume(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	var whoami struct {
		UserID   string `json:"user_id"`
		DeviceID string `json:"device_id"`
	}
	err := s.doJSON(ctx, http.MethodGet, "/account/whoami", nil, &whoami, nil)
	if err == nil && whoami.UserID != userID {
		err = fmt.Errorf("token belongs to %s, not %s", whoami.UserID, userID)
	}
	if err != nil {
		s.mu.Lock()
		s.token = ""
		s.mu.Unlock()
		return fmt.Errorf("resume session: %w", err)
	}

	s.adopt(authResponse{UserID: whoami.UserID, AccessToken: token, DeviceID: whoami.DeviceID})
	return nil
}

// Logout invalidates the access token. The local token is dropped even when
// the server could not be reached.
func (s *Session) Logout(ctx context.Context) error {
	if s.AccessToken() == "" {
		return nil
	}
	err := s.doJSON(ctx, http.MethodPost, "/logout", struct{}{}, nil, nil)

	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	s.log.Info().Msg("logged out")
	return nil
}
