// Package keys validates signing key configurations and maps them onto
// root.json roles via tuftool.
package keys

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog"

	"github.com/aashnasheth/bottlerocket/internal/config"
	"github.com/aashnasheth/bottlerocket/internal/errors"
)

// Role is a trust-document responsibility. The snapshot, targets and
// timestamp roles share keys and thresholds, so they are grouped under
// RolePublication.
type Role int

const (
	RoleRoot Role = iota
	RolePublication
)

func (r Role) String() string {
	if r == RoleRoot {
		return "root"
	}
	return "publication"
}

// publicationRoles are the TUF role names covered by RolePublication, in the
// order their thresholds are applied.
var publicationRoles = []string{"snapshot", "targets", "timestamp"}

// RootTool is the slice of the tuftool adapter the key manager needs.
type RootTool interface {
	SetThreshold(path, role, threshold string) error
	AddKMSKey(path, keyID, region string, roles ...string) error
	SignWithKMSKey(path, keyID, region string) error
}

// KMSAPI is the subset of the KMS client used to verify key references.
type KMSAPI interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// Manager owns threshold bookkeeping and key assignment for both roles.
type Manager struct {
	tool         RootTool
	newKMSClient func(ctx context.Context, region string) (KMSAPI, error)
}

// NewManager returns a Manager backed by real KMS clients built per region.
func NewManager(tool RootTool) *Manager {
	return &Manager{
		tool: tool,
		newKMSClient: func(ctx context.Context, region string) (KMSAPI, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				return nil, fmt.Errorf("failed to load AWS config: %w", err)
			}
			return kms.NewFromConfig(cfg), nil
		},
	}
}

// NewManagerWithClients is the test constructor; it accepts a KMS client
// factory in place of the default one.
func NewManagerWithClients(tool RootTool, newKMSClient func(ctx context.Context, region string) (KMSAPI, error)) *Manager {
	return &Manager{tool: tool, newKMSClient: newKMSClient}
}

// Validate checks the structure of a signing key config. The kms variant
// must declare its available keys; file and ssm keys need nothing further.
func (m *Manager) Validate(cfg *config.SigningKeyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Backend() != config.KeyBackendKMS {
		return nil
	}
	if cfg.KMS.Config == nil || len(cfg.KMS.Config.AvailableKeys) == 0 {
		return fmt.Errorf("%w: available_keys for a kms key", errors.ErrMissingConfig)
	}
	return nil
}

// EnsureKeys verifies that every declared KMS key reference resolves in its
// home region and is enabled for use. file and ssm configs are unmanaged, so
// they pass through untouched.
func (m *Manager) EnsureKeys(ctx context.Context, cfg *config.SigningKeyConfig) error {
	if cfg.Backend() != config.KeyBackendKMS {
		return nil
	}
	if cfg.KMS.Config == nil {
		return fmt.Errorf("%w: config field for a kms key", errors.ErrMissingConfig)
	}
	logger := zerolog.Ctx(ctx)

	available := cfg.KMS.Config.AvailableKeys
	clients := map[string]KMSAPI{}
	for _, keyID := range slices.Sorted(maps.Keys(available)) {
		region := available[keyID]
		client, ok := clients[region]
		if !ok {
			var err error
			client, err = m.newKMSClient(ctx, region)
			if err != nil {
				return err
			}
			clients[region] = client
		}

		out, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: &keyID})
		if err != nil {
			return fmt.Errorf("failed to describe KMS key %s in %s: %w", keyID, region, err)
		}
		if out.KeyMetadata == nil || !out.KeyMetadata.Enabled {
			return fmt.Errorf("%w: %s in %s is not enabled", errors.ErrKeyNotUsable, keyID, region)
		}

		logger.Info().
			Str("key_id", keyID).
			Str("region", region).
			Msg("Verified KMS key")
	}
	return nil
}

// Assign applies a role's threshold and registers its keys in root.json.
//
// For the publication role it also records the canonical publication key_id
// when one is not set yet; once recorded the key_id never changes, no matter
// how often Assign runs.
func (m *Manager) Assign(cfg *config.SigningKeyConfig, role Role, threshold, rootPath string) error {
	switch cfg.Backend() {
	case config.KeyBackendFile, config.KeyBackendSSM:
		return nil
	case config.KeyBackendKMS:
		if cfg.KMS.Config == nil {
			return fmt.Errorf("%w: config field for a kms key", errors.ErrMissingConfig)
		}
		return m.assignKMS(cfg.KMS, role, threshold, rootPath)
	default:
		return errors.ErrKeyVariant
	}
}

func (m *Manager) assignKMS(kmsCfg *config.KMSKeyConfig, role Role, threshold, rootPath string) error {
	available := kmsCfg.Config.AvailableKeys

	want, err := strconv.Atoi(threshold)
	if err != nil {
		return fmt.Errorf("failed to parse threshold %q: %w", threshold, err)
	}
	if len(available) < want {
		return fmt.Errorf("%w: %d keys available, threshold %d", errors.ErrInvalidThreshold, len(available), want)
	}

	keyIDs := slices.Sorted(maps.Keys(available))

	switch role {
	case RoleRoot:
		if err := m.tool.SetThreshold(rootPath, "root", threshold); err != nil {
			return err
		}
		for _, keyID := range keyIDs {
			if err := m.tool.AddKMSKey(rootPath, keyID, available[keyID], "root"); err != nil {
				return err
			}
		}

	case RolePublication:
		// snapshot, targets and timestamp always share one threshold.
		for _, name := range publicationRoles {
			if err := m.tool.SetThreshold(rootPath, name, threshold); err != nil {
				return err
			}
		}
		for _, keyID := range keyIDs {
			if err := m.tool.AddKMSKey(rootPath, keyID, available[keyID], publicationRoles...); err != nil {
				return err
			}
		}

		// The publication role is the only place the active key id can be
		// chosen, and only when no earlier run picked one.
		if kmsCfg.KeyID == "" {
			if len(keyIDs) == 0 {
				return fmt.Errorf("%w: no available key to use as publication key_id", errors.ErrMissingConfig)
			}
			kmsCfg.KeyID = keyIDs[0]
		}
	}

	return nil
}

// SignRoot signs root.json with every available key of a root-role config.
func (m *Manager) SignRoot(cfg *config.SigningKeyConfig, rootPath string) error {
	if cfg.Backend() != config.KeyBackendKMS {
		return nil
	}
	if cfg.KMS.Config == nil {
		return fmt.Errorf("%w: config field for a kms key", errors.ErrMissingConfig)
	}

	available := cfg.KMS.Config.AvailableKeys
	for _, keyID := range slices.Sorted(maps.Keys(available)) {
		if err := m.tool.SignWithKMSKey(rootPath, keyID, available[keyID]); err != nil {
			return err
		}
	}
	return nil
}
