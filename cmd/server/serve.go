package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/infrastructure/config"
	"github.com/GriffinCanCode/tsingtao/internal/infrastructure/server"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the preview service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "port", Usage: "server port (overrides PORT)"},
			&cli.StringFlag{Name: "host", Usage: "listen host (overrides HOST)"},
			&cli.StringFlag{Name: "seed-dir", Usage: "sample directory new sessions start from"},
			&cli.BoolFlag{Name: "dev", Usage: "development mode: colored debug logs"},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	applyServeFlags(c, cfg)

	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		srv.Logger().Error("Server error", zap.Error(runErr))
	}
	return errors.Join(runErr, srv.Close())
}

// applyServeFlags lets flags that were set override the environment
func applyServeFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("port") {
		cfg.Server.Port = c.String("port")
	}
	if c.IsSet("host") {
		cfg.Server.Host = c.String("host")
	}
	if c.IsSet("seed-dir") {
		cfg.Server.SeedDir = c.String("seed-dir")
	}
	if c.Bool("dev") {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}
}
