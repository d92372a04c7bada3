package config

import (
	"fmt"

	"github.com/aashnasheth/bottlerocket/internal/errors"
)

// KeyBackend identifies which variant of a SigningKeyConfig is populated.
type KeyBackend int

const (
	KeyBackendNone KeyBackend = iota
	KeyBackendFile
	KeyBackendKMS
	KeyBackendSSM
)

func (b KeyBackend) String() string {
	switch b {
	case KeyBackendFile:
		return "file"
	case KeyBackendKMS:
		return "kms"
	case KeyBackendSSM:
		return "ssm"
	default:
		return "none"
	}
}

// SigningKeyConfig is a closed union over the supported key backends. Exactly
// one variant must be set. Only the kms variant carries managed-key behavior;
// file and ssm keys are handled entirely by tuftool.
type SigningKeyConfig struct {
	File *FileKeyConfig `yaml:"file,omitempty"`
	KMS  *KMSKeyConfig  `yaml:"kms,omitempty"`
	SSM  *SSMKeyConfig  `yaml:"ssm,omitempty"`
}

// FileKeyConfig points at a local key file.
type FileKeyConfig struct {
	Path string `yaml:"path,omitempty"`
}

// KMSKeyConfig holds the managed-key bookkeeping for a role. KeyID is the
// canonical publication key; it is assigned at most once and never changes
// afterwards.
type KMSKeyConfig struct {
	KeyID  string         `yaml:"key_id,omitempty"`
	Config *KMSKeyDetails `yaml:"config,omitempty"`
}

// KMSKeyDetails lists the keys a role may sign with, keyed by KMS key id with
// the key's home region as the value.
type KMSKeyDetails struct {
	AvailableKeys map[string]string `yaml:"available_keys,omitempty"`
}

// SSMKeyConfig references a key held in SSM Parameter Store.
type SSMKeyConfig struct {
	Parameter string `yaml:"parameter,omitempty"`
}

// Backend reports which variant is populated, or KeyBackendNone when the
// config is empty or ambiguous.
func (c *SigningKeyConfig) Backend() KeyBackend {
	var (
		backend KeyBackend
		count   int
	)
	if c.File != nil {
		backend = KeyBackendFile
		count++
	}
	if c.KMS != nil {
		backend = KeyBackendKMS
		count++
	}
	if c.SSM != nil {
		backend = KeyBackendSSM
		count++
	}
	if count != 1 {
		return KeyBackendNone
	}
	return backend
}

// Validate checks that exactly one backend variant is set.
func (c *SigningKeyConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: signing key config is nil", errors.ErrKeyVariant)
	}
	if c.Backend() == KeyBackendNone {
		return errors.ErrKeyVariant
	}
	return nil
}
