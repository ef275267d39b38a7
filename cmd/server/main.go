// Command server runs an in-memory WireChat server for trying the client
// locally. Accounts and rooms live only as long as the process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	applog "github.com/vovakirdan/wirechat-tui/internal/log"
	"github.com/vovakirdan/wirechat-tui/internal/session/wirechat/wirechattest"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "HTTP listen address")
	rooms := flag.String("rooms", "general", "comma separated rooms to create at startup")
	users := flag.String("users", "", "comma separated user:password accounts to create at startup")
	level := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := applog.New(*level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := wirechattest.Start(wirechattest.Options{Addr: *addr, Logger: logger})
	if err != nil {
		logger.Fatal().Err(err).Msg("start server")
	}

	for _, account := range splitList(*users) {
		name, password, _ := strings.Cut(account, ":")
		if err := srv.AddUser(name, password); err != nil {
			logger.Warn().Err(err).Str("user", name).Msg("skip account")
		}
	}
	for _, name := range splitList(*rooms) {
		srv.AddRoom(name)
	}

	logger.Info().Str("url", srv.URL).Strs("rooms", splitList(*rooms)).Msg("starting wirechat dev server")
	<-ctx.Done()

	srv.Close()
	logger.Info().Msg("server stopped")
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
