package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/plansession/cmd/planctl/commands"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(bootstrapLevel(os.Getenv("PLANCTL_LOG_LEVEL")))

	// The first signal cancels the command context, which cancels the run or
	// apply in flight. A second signal kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stop()
			log.Info().Msg("Interrupted, cancelling plan operation")
		case <-done:
		}
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	close(done)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("planctl failed")
		os.Exit(1)
	}
}

// bootstrapLevel is the level of the global logger used before the config
// file has been loaded.
func bootstrapLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
