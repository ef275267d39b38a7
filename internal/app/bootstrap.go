package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-tui/internal/core"
	"github.com/vovakirdan/wirechat-tui/internal/store"
)

// StartupError is a login or join failure carrying the text shown to the
// user before the client exits.
type StartupError struct {
	Msg string
	Err error
}

func (e *StartupError) Error() string {
	return e.Msg
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Bootstrap logs a session in and joins its room before the UI starts.
// Progress notices are printed to Out.
type Bootstrap struct {
	Session core.Session
	// Credentials caches access tokens of token based sessions. Optional.
	Credentials store.CredentialStore
	Key         store.CredentialKey
	Out         io.Writer
	Logger      *zerolog.Logger
}

func (b *Bootstrap) logger() *zerolog.Logger {
	if b.Logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return b.Logger
}

func (b *Bootstrap) println(text string) {
	if b.Out != nil {
		fmt.Fprintln(b.Out, text)
	}
}

// Login resumes a cached login when possible, otherwise logs in with the
// password returned by password. Rejected credentials fall back to
// registering the user.
func (b *Bootstrap) Login(ctx context.Context, password func() (string, error)) error {
	if b.resume(ctx) {
		return nil
	}

	pass, err := password()
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	err = b.Session.Login(ctx, b.Key.User, pass)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrLoginFailed):
		b.println("Error while logging in: Login failed")
		b.println("Trying to register a new user")
		if err := b.Session.Register(ctx, b.Key.User, pass); err != nil {
			return b.registrationError(err)
		}
	case core.IsConnectionError(err):
		return err
	default:
		return &StartupError{Msg: "Error while logging in: " + unknownError(err), Err: err}
	}

	b.remember(ctx)
	return nil
}

func (b *Bootstrap) registrationError(err error) error {
	const prefix = "Error while registering new user: "
	switch {
	case errors.Is(err, core.ErrUsernameTaken):
		return &StartupError{Msg: fmt.Sprintf(prefix+"Username '%s' taken. Try a different one.", b.Key.User), Err: err}
	case errors.Is(err, core.ErrUsernameInvalid):
		return &StartupError{Msg: prefix + err.Error(), Err: err}
	case errors.Is(err, core.ErrCaptchaRequired):
		return &StartupError{Msg: prefix + "Captcha required for registration. Please register with a web client for now.", Err: err}
	case core.IsConnectionError(err):
		return err
	}

	msg := unknownError(err)
	if protoErr, ok := core.AsProtocolError(err); ok && protoErr.Status == http.StatusInternalServerError {
		msg += " [hint] Might be caused by uncommon characters in username or password."
	}
	return &StartupError{Msg: prefix + msg, Err: err}
}

// Join joins alias, creating the room when it does not exist.
func (b *Bootstrap) Join(ctx context.Context, alias string) error {
	err := b.Session.JoinRoom(ctx, alias)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrRoomNotFound):
		b.println("Error while joining room: Room not found")
		b.println("Trying to create a new room")
		if err := b.Session.CreateRoom(ctx, alias); err != nil {
			if core.IsConnectionError(err) {
				return err
			}
			return &StartupError{Msg: "Error while creating room: " + unknownError(err), Err: err}
		}
		return nil
	case core.IsConnectionError(err):
		return err
	}

	msg := unknownError(err)
	if protoErr, ok := core.AsProtocolError(err); ok && protoErr.Status == http.StatusForbidden {
		msg = protoErr.Message
	}
	return &StartupError{Msg: "Error while joining room: " + msg, Err: err}
}

func unknownError(err error) string {
	msg := "Unknown error, check debug log"
	if protoErr, ok := core.AsProtocolError(err); ok && protoErr.Status != 0 {
		msg += fmt.Sprintf(" (code: %d)", protoErr.Status)
	}
	return msg
}

// resume adopts a cached token. Stale tokens are forgotten.
func (b *Bootstrap) resume(ctx context.Context) bool {
	ts, ok := b.Session.(core.TokenSession)
	if !ok || b.Credentials == nil {
		return false
	}
	log := b.logger()

	cred, err := b.Credentials.GetCredential(ctx, b.Key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Msg("read cached credential")
		}
		return false
	}

	if err := ts.Resume(ctx, cred.UserID, cred.AccessToken); err != nil {
		log.Info().Err(err).Str("user_id", cred.UserID).Msg("cached login rejected")
		if core.IsConnectionError(err) {
			return false
		}
		if err := b.Credentials.DeleteCredential(ctx, b.Key); err != nil {
			log.Warn().Err(err).Msg("forget cached credential")
		}
		return false
	}

	log.Info().Str("user_id", cred.UserID).Msg("resumed cached login")
	return true
}

// remember caches the token of a fresh login.
func (b *Bootstrap) remember(ctx context.Context) {
	ts, ok := b.Session.(core.TokenSession)
	if !ok || b.Credentials == nil {
		return
	}

	cred := &store.Credential{
		CredentialKey: b.Key,
		UserID:        ts.UserID(),
		AccessToken:   ts.AccessToken(),
		UpdatedAt:     time.Now(),
	}
	if d, ok := b.Session.(interface{ DeviceID() string }); ok {
		cred.DeviceID = d.DeviceID()
	}
	if err := b.Credentials.SaveCredential(ctx, cred); err != nil {
		b.logger().Warn().Err(err).Msg("cache credential")
	}
}
