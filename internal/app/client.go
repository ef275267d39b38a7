package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirechat-tui/internal/core"
	"github.com/vovakirdan/wirechat-tui/internal/store"
)

// DebugEnv is the environment variable that turns on debug mode.
const DebugEnv = "WIRECHAT_DEBUG"

// Texts drawn as client info.
const (
	textAlreadyConnected = "Already connected"
	textConnected        = "Connected to server"
	textDisconnected     = "Disconnected"
	textConnectionError  = "Server connection error"
	textUnexpectedError  = "Unexpected server error: %v"
	textDebugHint        = "For more details enable debug mode, reproduce the issue and check the logs. " +
		"Debug mode is enabled by setting the " + DebugEnv + " environment variable"
	textInviteError = "Invite error: %s"

	textWaitingForServer = "Waiting for server connection to close"
	textForceStop        = "Press ctrl+c to force stop"
)

// UI is the presentation layer driven by the client.
type UI interface {
	core.Presenter

	// Run blocks until the user quits, Stop is called or ctx is done.
	Run(ctx context.Context) error
	Stop()
}

// UIFactory builds the UI once the client has created the pieces it reads
// from.
type UIFactory func(input core.InputHandler, directory *core.Directory, help core.HelpSource) UI

// Options configures a Client.
type Options struct {
	// HistoryLimit is the number of past events replayed on connect.
	HistoryLimit int
	Debug        bool
	PollInterval time.Duration
	// LogoutOnExit invalidates the session and forgets the cached
	// credential on Stop.
	LogoutOnExit bool

	Credentials   store.CredentialStore
	CredentialKey store.CredentialKey

	// Out receives shutdown notices printed after the UI has stopped.
	Out    io.Writer
	Logger *zerolog.Logger
}

// Client owns the roster, the operation queue, the command registry and the
// dispatcher, and binds them to a session and a UI.
type Client struct {
	session    core.Session
	opts       Options
	log        *zerolog.Logger
	directory  *core.Directory
	dispatcher *core.Dispatcher
	queue      *core.Queue
	registry   *core.Registry
	ui         UI

	send *core.Operation

	stopOnce sync.Once
}

// New wires a client around a logged in session that has joined its room.
func New(session core.Session, newUI UIFactory, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	c := &Client{
		session:   session,
		opts:      opts,
		log:       logger,
		directory: core.NewDirectory(),
	}
	c.ui = newUI(c, c.directory, c)
	c.directory.SetOnChange(c.ui.RefreshRoster)
	c.dispatcher = core.NewDispatcher(c.directory, c.ui, opts.Debug, logger)
	c.queue = core.NewQueue(session, c.ui, c.handleError,
		core.WithPollInterval(opts.PollInterval),
		core.WithQueueLogger(logger),
	)

	c.send = &core.Operation{Name: "send", Fn: c.sendMessage, RequireConnection: true, Params: []string{"message"}}
	registry, err := core.NewRegistry(c.queue, c.ui, c.commands()...)
	if err != nil {
		return nil, fmt.Errorf("build command registry: %w", err)
	}
	c.registry = registry
	return c, nil
}

// Directory returns the participant roster.
func (c *Client) Directory() *core.Directory {
	return c.directory
}

// HandleInput routes a submitted line: commands go to the registry, other
// non-empty text is sent to the room.
func (c *Client) HandleInput(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if alias, args, ok := core.ParseInput(line); ok {
		c.registry.Execute(alias, args)
		return
	}
	c.queue.Enqueue(c.send, line)
}

// Help renders command help for the UI.
func (c *Client) Help(kind core.CommandKind) string {
	return c.registry.Help(kind)
}

// Run starts the queue, connects and runs the UI until it exits. The queue
// stops accepting work as soon as the UI is gone.
func (c *Client) Run(ctx context.Context) error {
	c.queue.Start()
	c.registry.Invoke(core.CommandConnect)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return c.ui.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		c.queue.Stop()
		return nil
	})
	return g.Wait()
}

// Stop shuts the client down: the UI and the queue stop, then the push
// stream is closed. Waiting for the stream is abandoned when ctx is done.
func (c *Client) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		c.ui.Stop()
		c.queue.Stop()

		if c.session.Connected() {
			fmt.Fprintln(c.opts.Out, textWaitingForServer)
			fmt.Fprintln(c.opts.Out, textForceStop)
		}

		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			c.disconnect()
			if c.opts.LogoutOnExit {
				c.logout(ctx)
			}
		}()

		select {
		case <-stopped:
		case <-ctx.Done():
			c.log.Warn().Msg("shutdown interrupted, not waiting for the server")
		}
	})
}

// handleError is the single sink for operation and stream failures. It
// reports the error and drops the connection.
func (c *Client) handleError(err error) {
	c.log.Error().Err(err).Msg("server error")

	if core.IsConnectionError(err) {
		c.ui.DrawClientInfo(textConnectionError)
	} else {
		c.ui.DrawClientInfo(fmt.Sprintf(textUnexpectedError, err))
		if !c.opts.Debug {
			c.ui.DrawClientInfo(textDebugHint)
		}
	}

	c.disconnect()
}

// disconnect stops the push stream and waits for it to exit.
func (c *Client) disconnect() {
	if c.session.Connected() {
		c.ui.DrawClientInfo(textDisconnected)
	}
	c.session.StopPushStream()
}

func (c *Client) logout(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := c.session.Logout(ctx); err != nil && !core.IsConnectionError(err) {
		c.log.Warn().Err(err).Msg("logout failed")
	}
	if c.opts.Credentials != nil {
		if err := c.opts.Credentials.DeleteCredential(ctx, c.opts.CredentialKey); err != nil {
			c.log.Warn().Err(err).Msg("forget cached credential")
		}
	}
}

func (c *Client) onEvent(ev core.Event) {
	c.dispatcher.Dispatch(ev)
}
