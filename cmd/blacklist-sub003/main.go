// Command blacklist-sub003 is the process entrypoint for both the api and
// worker modes (and the one-shot migrate mode), selected by BLACKLIST_MODE
// or the -mode flag.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jclee-lab/blacklist-sub003/internal/app"
	"github.com/jclee-lab/blacklist-sub003/internal/config"
)

// Exit codes per spec §6: 0 success, 1 config error, 2 init failure,
// 3 unrecoverable runtime failure.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitInitError    = 2
	exitRuntimeError = 3
)

func main() {
	mode := flag.String("mode", "", "run mode: api, worker, or migrate (overrides BLACKLIST_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(exitConfigError)
	}

	if *mode != "" {
		cfg.Mode = *mode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(exitCodeFor(err))
	}

	os.Exit(exitOK)
}

func exitCodeFor(err error) int {
	var cfgErr *app.ConfigError
	var initErr *app.InitError
	switch {
	case errors.As(err, &cfgErr):
		return exitConfigError
	case errors.As(err, &initErr):
		return exitInitError
	default:
		return exitRuntimeError
	}
}
