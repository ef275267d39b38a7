package wirechat

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vovakirdan/wirechat-tui/internal/auth"
	"github.com/vovakirdan/wirechat-tui/internal/core"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Login authenticates with a password. Rejected credentials yield
// core.ErrLoginFailed.
func (s *Session) Login(ctx context.Context, user, password string) error {
	s.log.Info().Str("username", user).Msg("logging in")

	var resp authResponse
	err := s.doRequest(ctx, http.MethodPost, "/login", credentialsRequest{Username: user, Password: password}, &resp)
	if err != nil {
		if protocolStatus(err) == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", core.ErrLoginFailed, err)
		}
		return fmt.Errorf("login: %w", err)
	}
	return s.adopt(user, resp.Token)
}

// Register creates an account and logs it in.
func (s *Session) Register(ctx context.Context, user, password string) error {
	s.log.Info().Str("username", user).Msg("registering new user")

	var resp authResponse
	err := s.doRequest(ctx, http.MethodPost, "/register", credentialsRequest{Username: user, Password: password}, &resp)
	if err != nil {
		protoErr, ok := core.AsProtocolError(err)
		switch {
		case ok && protoErr.Status == http.StatusConflict:
			return fmt.Errorf("%w: %w", core.ErrUsernameTaken, err)
		case ok && protoErr.Status == http.StatusBadRequest:
			return fmt.Errorf("%w: %s", core.ErrUsernameInvalid, protoErr.Message)
		}
		return fmt.Errorf("register: %w", err)
	}
	return s.adopt(user, resp.Token)
}

func (s *Session) adopt(user, token string) error {
	claims, err := auth.ParseUnverified(token, s.now())
	if err != nil {
		return fmt.Errorf("wirechat: server issued unusable token: %w", err)
	}
	if claims.Username != user {
		s.log.Debug().Str("username", user).Str("claimed", claims.Username).Msg("server normalized username")
	}

	s.mu.Lock()
	s.username = claims.Username
	s.token = token
	s.mu.Unlock()
	s.log.Info().Str("user_id", claims.Username).Msg("logged in")
	return nil
}

// Resume adopts a cached token. The token must belong to userID, must not
// have expired and must still be accepted by the server.
func (s *Session) Resume(ctx context.Context, userID, token string) error {
	claims, err := auth.ParseUnverified(token, s.now())
	if err == nil && claims.Username != userID {
		err = fmt.Errorf("token belongs to %s, not %s", claims.Username, userID)
	}
	if err != nil {
		return fmt.Errorf("resume session: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	if err := s.doRequest(ctx, http.MethodGet, "/rooms", nil, nil); err != nil {
		s.mu.Lock()
		s.token = ""
		s.mu.Unlock()
		return fmt.Errorf("resume session: %w", err)
	}

	return s.adopt(userID, token)
}

// Logout forgets the token and closes the room connection. Tokens are
// stateless on the server, so nothing is sent.
func (s *Session) Logout(_ context.Context) error {
	s.StopPushStream()
	s.dropConn("logout")

	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	s.log.Info().Msg("logged out")
	return nil
}
