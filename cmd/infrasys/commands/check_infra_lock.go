package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/aashnasheth/bottlerocket/internal/config"
)

// CheckInfraLockCommand returns the check-infra-lock command, which verifies
// that a lock file exists next to the configuration and reports what it
// recorded.
func CheckInfraLockCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "check-infra-lock",
		Usage: "Verify Infra.lock exists and summarize its recorded state",
		Action: func(c *cli.Context) error {
			lockPath := config.LockPath(c.String("infra-config-path"))
			if _, err := os.Stat(lockPath); err != nil {
				return fmt.Errorf("no lock file at %s, run create-infra first: %w", lockPath, err)
			}

			lock, err := config.LoadLock(lockPath)
			if err != nil {
				return err
			}

			for name, repo := range lock.Repo {
				logger.Info().
					Str("repo", name).
					Str("metadata_base_url", repo.MetadataBaseURL).
					Str("targets_url", repo.TargetsURL).
					Str("root_role_url", repo.RootRoleURL).
					Str("root_role_sha512", repo.RootRoleSHA512).
					Msg("Locked repository")
			}
			if lock.AWS != nil {
				for name, s3Cfg := range lock.AWS.S3 {
					logger.Info().
						Str("config", name).
						Str("stack_arn", s3Cfg.StackARN).
						Str("bucket_name", s3Cfg.BucketName).
						Msg("Locked bucket stack")
				}
			}

			logger.Info().Str("lock", lockPath).Msg("Lock file is valid")
			return nil
		},
	}
}
