// fsctl is the operator shell of the feature store. It opens the data
// directory directly, so it must not run while featurestored owns it.
//
// With arguments it runs them as a single command and exits 0 on success,
// 75 when the failure is retriable and 1 otherwise. Without arguments it
// starts an interactive prompt on a terminal, or reads one command per line
// from standard input and exits 1 if any command failed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/xtxerr/featurestore/internal/config"
	"github.com/xtxerr/featurestore/internal/featurestore"
	"github.com/xtxerr/featurestore/internal/logging"
	"github.com/xtxerr/featurestore/internal/shell"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "warn", "log level")
	timeout := flag.Duration("timeout", 0, "per-command timeout, 0 for none")
	flag.Parse()

	logging.Init(logging.Options{Level: *logLevel, Output: os.Stderr})

	cfg, _, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fsctl: %v\n", err)
		return 1
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	cfg.Registry.DSN = cfg.RegistryPath()
	cfg.Compaction.Enabled = false

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	store, err := featurestore.Open(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fsctl: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "fsctl: close: %v\n", err)
		}
	}()

	sh := shell.New(store, os.Stdout, *timeout)

	if flag.NArg() > 0 {
		err := sh.Execute(ctx, strings.Join(flag.Args(), " "))
		if err == io.EOF {
			return 0
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, shell.FormatError(err))
		}
		return shell.ExitCode(err)
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		sh.RunInteractive(ctx)
		return 0
	}

	failures, err := sh.Run(ctx, os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fsctl: %v\n", err)
		return 1
	}
	if failures > 0 {
		return 1
	}
	return 0
}
