package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LockFileName is the name of the state snapshot written next to the input
// configuration after a successful run.
const LockFileName = "Infra.lock"

// InfraConfig is the top-level configuration for repository infrastructure.
// The orchestrator fills output fields in place and the whole structure is
// persisted as the lock file, so input and lock share one model.
type InfraConfig struct {
	Repo map[string]*RepoConfig `yaml:"repo,omitempty"`
	AWS  *AWSConfig             `yaml:"aws,omitempty"`
}

// AWSConfig groups the provider-scoped storage configs.
type AWSConfig struct {
	S3 map[string]*S3Config `yaml:"s3,omitempty"`
}

// S3Config describes one bucket stack. Region, S3Prefix and VPCEndpointID are
// inputs; StackARN and BucketName are write-once outputs recorded by the
// provisioner.
type S3Config struct {
	Region        string `yaml:"region,omitempty"`
	S3Prefix      string `yaml:"s3_prefix,omitempty"`
	VPCEndpointID string `yaml:"vpc_endpoint_id,omitempty"`

	StackARN   string `yaml:"stack_arn,omitempty"`
	BucketName string `yaml:"bucket_name,omitempty"`
}

// RepoConfig describes one TUF repository entry.
type RepoConfig struct {
	FileHostingConfigName string `yaml:"file_hosting_config_name,omitempty"`

	SigningKeys *SigningKeyConfig `yaml:"signing_keys,omitempty"`
	RootKeys    *SigningKeyConfig `yaml:"root_keys,omitempty"`

	// Thresholds stay strings until the key manager parses them, matching
	// the human-edited form.
	PubKeyThreshold  string `yaml:"pub_key_threshold,omitempty"`
	RootKeyThreshold string `yaml:"root_key_threshold,omitempty"`

	// Output fields. Once set they are never overwritten, so re-running
	// over a completed entry is a no-op.
	MetadataBaseURL string `yaml:"metadata_base_url,omitempty"`
	TargetsURL      string `yaml:"targets_url,omitempty"`
	RootRoleURL     string `yaml:"root_role_url,omitempty"`
	RootRoleSHA512  string `yaml:"root_role_sha512,omitempty"`
}

// Load reads and parses an Infra.yaml configuration file.
func Load(path string) (*InfraConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg InfraConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadLock reads a previously written lock file. The lock uses the same
// schema as the input, so this is Load under a clearer name.
func LoadLock(path string) (*InfraConfig, error) {
	return Load(path)
}

// LockPath returns the lock file location for a given input config path.
func LockPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), LockFileName)
}

// WriteLock serializes the full configuration next to the input config file.
func WriteLock(cfg *InfraConfig, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize lock file: %w", err)
	}

	lockPath := LockPath(configPath)
	if err := os.WriteFile(lockPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", lockPath, err)
	}
	return nil
}
