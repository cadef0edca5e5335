// Command deployer orchestrates lifecycle commands across the units of a deployment.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/deployer/cmd/deployer/commands"
	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/policy"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Exit codes beyond the generic failure.
const (
	exitFailure   = 1
	exitDenied    = 3
	exitTransient = 75
	exitCancelled = 130
)

func main() {
	setupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first signal stops scheduling; running units finish. A second one exits.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Warn().Msg("Received interrupt signal, finishing running units...")
		cancel()
		<-sigChan
		os.Exit(exitCancelled)
	}()

	err := commands.Execute(ctx, commands.BuildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate})
	if err != nil {
		log.Error().
			Err(err).
			Str("class", string(engine.ClassOf(err))).
			Str("code", engine.CodeOf(err)).
			Msg("Command execution failed")
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var denied *policy.DeniedError
	switch {
	case errors.As(err, &denied):
		return exitDenied
	case engine.ClassOf(err) == engine.ErrorClassCancelled:
		return exitCancelled
	case engine.IsTransient(err):
		return exitTransient
	default:
		return exitFailure
	}
}

// setupLogging configures zerolog for messages outside of a command's telemetry.
func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
