// Package orchestrator sequences the provisioning pipeline for each
// configured repository: validate, provision, police, key, sign, upload,
// lock. Steps run strictly in order and the first error aborts the run;
// already-provisioned cloud resources are not rolled back.
package orchestrator

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aashnasheth/bottlerocket/internal/config"
	"github.com/aashnasheth/bottlerocket/internal/errors"
	"github.com/aashnasheth/bottlerocket/internal/keys"
	"github.com/aashnasheth/bottlerocket/internal/provision"
)

// DefaultExpiration is how long a freshly initialized root.json stays valid.
const DefaultExpiration = "in 52 weeks"

// Provisioner creates the bucket stack and manages its policy and uploads.
type Provisioner interface {
	Provision(ctx context.Context, region, stackName string, params map[string]string) (provision.Stack, error)
	ApplyPolicy(ctx context.Context, region, bucket, prefix, vpcEndpointID string) error
	Upload(ctx context.Context, region, bucket, prefix, localPath string) error
}

// KeyManager validates key configs and applies thresholds and key bindings.
type KeyManager interface {
	Validate(cfg *config.SigningKeyConfig) error
	EnsureKeys(ctx context.Context, cfg *config.SigningKeyConfig) error
	Assign(cfg *config.SigningKeyConfig, role keys.Role, threshold, rootPath string) error
	SignRoot(cfg *config.SigningKeyConfig, rootPath string) error
}

// RootInitializer is the slice of the tuftool adapter used to create the
// trust document before keys are assigned.
type RootInitializer interface {
	RootInit(path string) error
	RootExpire(path, expiration string) error
}

// Orchestrator owns the InfraConfig for the duration of a run and is its
// sole mutator.
type Orchestrator struct {
	provisioner Provisioner
	keys        KeyManager
	tool        RootInitializer
	expiration  string
}

// New assembles an orchestrator. An empty expiration selects
// DefaultExpiration.
func New(p Provisioner, k KeyManager, tool RootInitializer, expiration string) *Orchestrator {
	if expiration == "" {
		expiration = DefaultExpiration
	}
	return &Orchestrator{provisioner: p, keys: k, tool: tool, expiration: expiration}
}

// CreateInfra runs the full pipeline for every repository entry and writes
// the lock file once all of them complete. The lock is never written on a
// partial run.
func (o *Orchestrator) CreateInfra(ctx context.Context, cfg *config.InfraConfig, configPath, rootRolePath string) error {
	logger := zerolog.Ctx(ctx)

	if len(cfg.Repo) == 0 {
		return fmt.Errorf("%w: repo", errors.ErrMissingConfig)
	}

	for _, repoName := range sortedNames(cfg.Repo) {
		logger.Info().Str("repo", repoName).Msg("Creating infrastructure")
		if err := o.createRepoInfra(ctx, cfg, repoName, rootRolePath); err != nil {
			return fmt.Errorf("repo %s: %w", repoName, err)
		}
	}

	logger.Info().Str("lock", config.LockPath(configPath)).Msg("Writing lock file")
	return config.WriteLock(cfg, configPath)
}

func (o *Orchestrator) createRepoInfra(ctx context.Context, cfg *config.InfraConfig, repoName, rootRolePath string) error {
	logger := zerolog.Ctx(ctx)
	repoCfg := cfg.Repo[repoName]

	// Resolve every required field up front so misconfiguration surfaces
	// before any cloud call.
	stackName := repoCfg.FileHostingConfigName
	if stackName == "" {
		return fmt.Errorf("%w: file_hosting_config_name", errors.ErrMissingConfig)
	}
	if cfg.AWS == nil || cfg.AWS.S3 == nil {
		return fmt.Errorf("%w: aws.s3", errors.ErrMissingConfig)
	}
	s3Cfg, ok := cfg.AWS.S3[stackName]
	if !ok || s3Cfg == nil {
		return fmt.Errorf("%w: aws.s3 config with name %s", errors.ErrMissingConfig, stackName)
	}
	if s3Cfg.Region == "" {
		return fmt.Errorf("%w: region for %q s3 config", errors.ErrMissingConfig, stackName)
	}
	if s3Cfg.VPCEndpointID == "" {
		return fmt.Errorf("%w: vpc_endpoint_id for %q s3 config", errors.ErrMissingConfig, stackName)
	}
	if repoCfg.SigningKeys == nil {
		return fmt.Errorf("%w: signing_keys", errors.ErrMissingConfig)
	}
	if repoCfg.RootKeys == nil {
		return fmt.Errorf("%w: root_keys", errors.ErrMissingConfig)
	}
	if repoCfg.PubKeyThreshold == "" {
		return fmt.Errorf("%w: pub_key_threshold", errors.ErrMissingConfig)
	}
	if repoCfg.RootKeyThreshold == "" {
		return fmt.Errorf("%w: root_key_threshold", errors.ErrMissingConfig)
	}
	prefix := provision.FormatPrefix(s3Cfg.S3Prefix)

	if err := o.keys.Validate(repoCfg.SigningKeys); err != nil {
		return fmt.Errorf("invalid signing_keys: %w", err)
	}
	if err := o.keys.Validate(repoCfg.RootKeys); err != nil {
		return fmt.Errorf("invalid root_keys: %w", err)
	}

	// Refuse to clobber an existing trust document.
	if err := checkRootRole(rootRolePath); err != nil {
		return err
	}

	logger.Info().Str("stack_name", stackName).Str("region", s3Cfg.Region).Msg("Creating S3 bucket")
	stack, err := o.provisioner.Provision(ctx, s3Cfg.Region, stackName, nil)
	if err != nil {
		return err
	}
	// Stack outputs are write-once; a re-run over a completed entry keeps
	// the recorded values.
	if s3Cfg.StackARN == "" {
		s3Cfg.StackARN = stack.ARN
	}
	if s3Cfg.BucketName == "" {
		s3Cfg.BucketName = stack.BucketName
	}

	if err := o.provisioner.ApplyPolicy(ctx, s3Cfg.Region, stack.BucketName, prefix, s3Cfg.VPCEndpointID); err != nil {
		return err
	}

	logger.Info().Msg("Verifying KMS keys")
	if err := o.keys.EnsureKeys(ctx, repoCfg.SigningKeys); err != nil {
		return err
	}
	if err := o.keys.EnsureKeys(ctx, repoCfg.RootKeys); err != nil {
		return err
	}

	logger.Info().Str("path", rootRolePath).Msg("Creating and signing root role")
	if err := o.createRootRole(rootRolePath); err != nil {
		return err
	}
	if err := o.keys.Assign(repoCfg.SigningKeys, keys.RolePublication, repoCfg.PubKeyThreshold, rootRolePath); err != nil {
		return err
	}
	if err := o.keys.Assign(repoCfg.RootKeys, keys.RoleRoot, repoCfg.RootKeyThreshold, rootRolePath); err != nil {
		return err
	}
	if err := o.keys.SignRoot(repoCfg.RootKeys, rootRolePath); err != nil {
		return err
	}

	logger.Info().Str("bucket", stack.BucketName).Msg("Uploading root role")
	if err := o.provisioner.Upload(ctx, s3Cfg.Region, stack.BucketName, prefix, rootRolePath); err != nil {
		return err
	}

	return AssignRepoOutputs(repoCfg, stack.BucketURL, prefix, rootRolePath)
}

// createRootRole makes the role directory and initializes root.json with the
// configured expiration.
func (o *Orchestrator) createRootRole(rootRolePath string) error {
	roleDir := filepath.Dir(rootRolePath)
	if err := os.MkdirAll(roleDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", roleDir, err)
	}
	if err := o.tool.RootInit(rootRolePath); err != nil {
		return err
	}
	return o.tool.RootExpire(rootRolePath, o.expiration)
}

// checkRootRole fails when the target path already holds a file, so an
// earlier document is never silently overwritten.
func checkRootRole(rootRolePath string) error {
	info, err := os.Stat(rootRolePath)
	if err == nil && info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", errors.ErrRootRoleExists, rootRolePath)
	}
	return nil
}

// AssignRepoOutputs fills the repo's output URL and digest fields. Fields
// that already hold a value are left untouched, which makes re-runs
// idempotent. The digest is recorded together with the root role URL so the
// two always describe the same upload.
func AssignRepoOutputs(repoCfg *config.RepoConfig, bucketURL, prefix, rootRolePath string) error {
	if repoCfg.MetadataBaseURL == "" {
		u, err := parseURL(fmt.Sprintf("%s%s/metadata/", bucketURL, prefix))
		if err != nil {
			return err
		}
		repoCfg.MetadataBaseURL = u
	}
	if repoCfg.TargetsURL == "" {
		u, err := parseURL(fmt.Sprintf("%s%s/targets/", bucketURL, prefix))
		if err != nil {
			return err
		}
		repoCfg.TargetsURL = u
	}
	if repoCfg.RootRoleURL == "" {
		u, err := parseURL(fmt.Sprintf("%s%s/%s", bucketURL, prefix, provision.RootObjectName))
		if err != nil {
			return err
		}
		repoCfg.RootRoleURL = u

		data, err := os.ReadFile(rootRolePath)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rootRolePath, err)
		}
		digest := sha512.Sum512(data)
		repoCfg.RootRoleSHA512 = hex.EncodeToString(digest[:])
	}
	return nil
}

func parseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL %q: %w", raw, err)
	}
	return u.String(), nil
}

func sortedNames(repos map[string]*config.RepoConfig) []string {
	names := make([]string, 0, len(repos))
	for name := range repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
