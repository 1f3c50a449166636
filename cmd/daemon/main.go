// SPDX-License-Identifier: MIT

// Command daemon runs the GPU task scheduler: HTTP API, scheduler loop,
// worker pool, callbacks and alerting in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mofsim/gpusched/internal/config"
	"github.com/mofsim/gpusched/internal/daemon"
	"github.com/mofsim/gpusched/internal/log"
	"github.com/mofsim/gpusched/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gpusched %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	log.Configure(log.Config{Service: "gpusched"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	d, err := daemon.New(cfg, daemon.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("daemon construction failed")
	}
	if err := d.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
}
