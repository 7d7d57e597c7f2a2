package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
)

func main() {
	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "pixelchat-messaging",
		Usage: "Direct and group messaging backend with profile sync",
		Commands: []*cli.Command{
			serveCommand(),
			publishCommand(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// setupLogging applies the configured level and format to the default logger.
func setupLogging(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.SetReportTimestamp(true)
	if format == "json" {
		log.SetFormatter(log.JSONFormatter)
	}
	return nil
}
