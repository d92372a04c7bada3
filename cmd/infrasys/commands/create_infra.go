package commands

import (
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/aashnasheth/bottlerocket/internal/config"
	"github.com/aashnasheth/bottlerocket/internal/keys"
	"github.com/aashnasheth/bottlerocket/internal/orchestrator"
	"github.com/aashnasheth/bottlerocket/internal/provision"
	"github.com/aashnasheth/bottlerocket/internal/signer"
)

// CreateInfraCommand returns the create-infra command, which runs the full
// provisioning pipeline for every repository entry in the configuration.
func CreateInfraCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "create-infra",
		Usage: "Provision the bucket stack, verify keys, and create a signed root role",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "root-role-path",
				Usage:    "Where root.json will be created (must not exist yet)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "tools-dir",
				Usage:    "Directory holding the CloudFormation templates",
				EnvVars:  []string{"BUILDSYS_TOOLS_DIR"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "region",
				Usage:   "Default AWS region for tuftool invocations",
				Value:   "us-east-1",
				EnvVars: []string{"AWS_REGION"},
			},
			&cli.StringFlag{
				Name:  "expiration",
				Usage: "Root role expiration passed to tuftool, e.g. 'in 52 weeks'",
				Value: orchestrator.DefaultExpiration,
			},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context

			configPath := c.String("infra-config-path")
			logger.Info().Str("path", configPath).Msg("Parsing infra config")
			infraCfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			tool := signer.New(signer.ExecRunner{}, c.String("region"))
			o := orchestrator.New(
				provision.New(c.String("tools-dir")),
				keys.NewManager(tool),
				tool,
				c.String("expiration"),
			)

			if err := o.CreateInfra(ctx, infraCfg, configPath, c.String("root-role-path")); err != nil {
				return err
			}

			logger.Info().Msg("Complete!")
			return nil
		},
	}
}
