package core

import "context"

// Member is a joined room member as reported by the server.
type Member struct {
	UserID      string
	DisplayName string
}

// Connectivity reports whether the push stream is live.
type Connectivity interface {
	Connected() bool
}

// Session is the remote chat capability consumed by the client.
// Every method except Connected and UserID may block on the network and is
// only called from the operation queue worker or the bootstrap script.
type Session interface {
	Connectivity

	// UserID returns the protocol address of the logged in user.
	UserID() string

	Login(ctx context.Context, user, password string) error
	Register(ctx context.Context, user, password string) error
	Logout(ctx context.Context) error

	// JoinRoom joins the room by alias. Returns ErrRoomNotFound when the
	// alias is not mapped to any room.
	JoinRoom(ctx context.Context, alias string) error
	CreateRoom(ctx context.Context, alias string) error
	LeaveRoom(ctx context.Context) error

	SendText(ctx context.Context, text string) error
	InviteUser(ctx context.Context, userID string) error
	SetDisplayName(ctx context.Context, name string) error

	// Members returns the currently joined members of the room.
	Members(ctx context.Context) ([]Member, error)

	// Backfill returns up to limit prior room events, oldest first.
	Backfill(ctx context.Context, limit int) ([]Event, error)

	// StartPushStream starts delivering room events to onEvent from a
	// session-owned goroutine. A stream failure is reported once to
	// onError after the stream has stopped.
	StartPushStream(onEvent func(Event), onError func(error)) error

	// StopPushStream stops the stream and blocks until its goroutine has
	// exited. Safe to call when no stream is running.
	StopPushStream()
}

// TokenSession is implemented by sessions whose login can be cached and
// resumed with an access token.
type TokenSession interface {
	Session

	// AccessToken returns the current access token, empty when logged out.
	AccessToken() string

	// Resume validates a cached token and adopts it.
	Resume(ctx context.Context, userID, token string) error
}
