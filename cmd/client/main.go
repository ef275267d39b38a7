package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-tui/internal/app"
	"github.com/vovakirdan/wirechat-tui/internal/config"
	"github.com/vovakirdan/wirechat-tui/internal/core"
	applog "github.com/vovakirdan/wirechat-tui/internal/log"
	"github.com/vovakirdan/wirechat-tui/internal/session/matrix"
	"github.com/vovakirdan/wirechat-tui/internal/session/wirechat"
	"github.com/vovakirdan/wirechat-tui/internal/store"
	"github.com/vovakirdan/wirechat-tui/internal/store/sqlite"
	"github.com/vovakirdan/wirechat-tui/internal/ui/console"
)

const deviceName = "wirechat-tui"

// errReported marks a failure whose message has already been printed.
var errReported = errors.New("reported")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	overrides  config.Config
}

func newRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "wirechat-tui",
		Short: "Terminal group chat client for Matrix and WireChat servers",
		Example: `
wirechat-tui --server https://matrix.org --user alice --room '#dev:matrix.org'
wirechat-tui --backend wirechat --server http://localhost:8080 --user alice --room general
`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := &client{opts: opts, prompt: newPrompter(in, out), out: out}
			return c.run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file path")
	flags.StringVar(&opts.overrides.Backend, "backend", "", "server backend: matrix or wirechat")
	flags.StringVarP(&opts.overrides.ServerURL, "server", "s", "", "server URL, e.g. https://matrix.org")
	flags.StringVarP(&opts.overrides.Username, "user", "u", "", "username")
	flags.StringVarP(&opts.overrides.Room, "room", "r", "", "room alias, e.g. #matrix:matrix.org")
	flags.BoolVar(&opts.overrides.Debug, "debug", false, "enable debug logging")
	flags.StringVar(&opts.overrides.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.overrides.LogFile, "log-file", "", "log file path")
	flags.IntVar(&opts.overrides.HistoryLimit, "history", 0, "number of past events shown on connect")
	flags.BoolVar(&opts.overrides.LogoutOnExit, "logout", false, "log out and forget the cached login on exit")

	return cmd
}

type client struct {
	opts   *rootOptions
	prompt *prompter
	out    io.Writer

	cfg config.Config
	log *zerolog.Logger
}

func (c *client) run(ctx context.Context) error {
	cfg, path, err := config.Load(applog.New("warn", os.Stderr), c.opts.configPath)
	if err != nil {
		return err
	}
	cfg.UpdateFrom(c.opts.overrides)
	c.cfg = cfg

	if err := c.complete(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	if u, err := url.Parse(c.cfg.ServerURL); err != nil || u.Scheme == "" {
		fmt.Fprintln(c.out, "The server URL needs a valid schema. Did you forget to add 'https://'?")
		return errReported
	}
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logFile, err := applog.OpenFile(c.cfg.LogFile)
	if err != nil {
		return err
	}
	defer logFile.Close()
	c.log = applog.New(c.cfg.EffectiveLogLevel(), logFile)
	c.log.Info().
		Str("config", path).
		Str("backend", c.cfg.Backend).
		Str("server", c.cfg.ServerURL).
		Str("user", c.cfg.Username).
		Str("room", c.cfg.Room).
		Msg("starting client")

	session, err := c.newSession()
	if err != nil {
		return err
	}

	credentials, err := sqlite.New(c.cfg.StorePath)
	if err != nil {
		return err
	}
	defer credentials.Close()

	key := store.CredentialKey{Backend: c.cfg.Backend, Server: c.cfg.ServerURL, User: c.cfg.Username}
	err = c.start(ctx, session, credentials, key)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	c.log.Error().Err(err).Msg("client failed")
	c.report(err)
	return errReported
}

// complete asks for the settings that are still missing.
func (c *client) complete(ctx context.Context) error {
	var err error
	if c.cfg.ServerURL == "" {
		if c.cfg.ServerURL, err = c.prompt.ask(ctx, "Server URL", c.example("https://matrix.org", "http://localhost:8080")); err != nil {
			return err
		}
	}
	if c.cfg.Username == "" {
		if c.cfg.Username, err = c.prompt.ask(ctx, "Username", ""); err != nil {
			return err
		}
	}
	if c.cfg.Room == "" {
		if c.cfg.Room, err = c.prompt.ask(ctx, "Room", c.example("#matrix:matrix.org", "general")); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) example(matrixExample, wirechatExample string) string {
	if c.cfg.Backend == config.BackendWirechat {
		return wirechatExample
	}
	return matrixExample
}

func (c *client) newSession() (core.Session, error) {
	switch c.cfg.Backend {
	case config.BackendWirechat:
		return wirechat.New(wirechat.Config{ServerURL: c.cfg.ServerURL, Logger: c.log})
	default:
		return matrix.New(matrix.Config{
			ServerURL:   c.cfg.ServerURL,
			SyncTimeout: c.cfg.ServerTimeout,
			DeviceName:  deviceName,
			Logger:      c.log,
		})
	}
}

func (c *client) start(ctx context.Context, session core.Session, credentials store.CredentialStore, key store.CredentialKey) error {
	boot := &app.Bootstrap{
		Session:     session,
		Credentials: credentials,
		Key:         key,
		Out:         c.out,
		Logger:      c.log,
	}
	password := func() (string, error) {
		if c.cfg.Password != "" {
			return c.cfg.Password, nil
		}
		return c.prompt.password(ctx, "Password")
	}
	if err := boot.Login(ctx, password); err != nil {
		return err
	}
	if err := boot.Join(ctx, c.cfg.Room); err != nil {
		return err
	}

	newUI := func(input core.InputHandler, dir *core.Directory, help core.HelpSource) app.UI {
		return console.New(input, dir, help, console.Options{AltScreen: true, Logger: c.log})
	}
	chat, err := app.New(session, newUI, app.Options{
		HistoryLimit:  c.cfg.HistoryLimit,
		Debug:         c.cfg.Debug,
		PollInterval:  c.cfg.QueuePollInterval,
		LogoutOnExit:  c.cfg.LogoutOnExit,
		Credentials:   credentials,
		CredentialKey: key,
		Out:           c.out,
		Logger:        c.log,
	})
	if err != nil {
		return err
	}

	runErr := chat.Run(ctx)

	// A second interrupt abandons waiting for the server.
	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	stopCtx, cancel := context.WithTimeout(stopCtx, 2*c.cfg.ServerTimeout+5*time.Second)
	defer cancel()
	chat.Stop(stopCtx)

	return runErr
}

// report prints the message for a startup or server failure.
func (c *client) report(err error) {
	var startupErr *app.StartupError
	switch {
	case errors.As(err, &startupErr):
		fmt.Fprintln(c.out, startupErr.Msg)
	case core.IsConnectionError(err):
		fmt.Fprintln(c.out, "Server connection error")
	default:
		if _, ok := core.AsProtocolError(err); !ok {
			fmt.Fprintln(c.out, err)
			return
		}
		if c.cfg.Backend == config.BackendWirechat {
			fmt.Fprintln(c.out, "WireChat server error")
		} else {
			fmt.Fprintln(c.out, "Matrix server error")
		}
		if c.cfg.Debug {
			fmt.Fprintln(c.out, "Check the debug log")
		} else {
			fmt.Fprintf(c.out, "Enable debug mode and check the log. (Use %s=1)\n", app.DebugEnv)
		}
	}
}
