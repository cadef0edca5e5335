// Command deploy-agent runs unit commands on a remote host for the deployer. It
// speaks the agent protocol on stdin and stdout, logs to stderr and removes its own
// binary on exit.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/openfroyo/deployer/pkg/agent"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "deploy-agent").Logger()
	if os.Getenv("DEPLOY_AGENT_DEBUG") == "" {
		logger = logger.Level(zerolog.WarnLevel)
	}

	opts := []agent.Option{agent.WithLogger(logger)}
	if os.Getenv("DEPLOY_AGENT_KEEP") == "" {
		if path, err := os.Executable(); err == nil {
			opts = append(opts, agent.WithSelfDelete(path))
		} else {
			logger.Warn().Err(err).Msg("Cannot resolve executable path, self-delete disabled")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP, os.Interrupt)
	code := agent.NewRunner(os.Stdin, os.Stdout, opts...).Serve(ctx)
	stop()
	os.Exit(code)
}
