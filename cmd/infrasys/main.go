package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/aashnasheth/bottlerocket/cmd/infrasys/commands"
	"github.com/aashnasheth/bottlerocket/internal/di"
)

func main() {
	logger := di.ProvideLogger()
	ctx := logger.WithContext(context.Background())

	app := &cli.App{
		Name:  "infrasys",
		Usage: "Bootstrap infrastructure for a custom TUF repository",
		Description: `Automates setting up the infrastructure backing a TUF repository.

This tool provides commands for:
  - Provisioning a private S3 bucket stack and scoping read access to a VPC endpoint
  - Assembling and signing root.json via tuftool with KMS-backed keys
  - Recording the resolved infrastructure state in Infra.lock`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "infra-config-path",
				Usage:    "Path to the Infra.yaml configuration file",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			commands.CreateInfraCommand(&logger),
			commands.CheckInfraLockCommand(&logger),
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
