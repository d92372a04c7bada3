package orchestrator

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aashnasheth/bottlerocket/internal/config"
	"github.com/aashnasheth/bottlerocket/internal/errors"
	"github.com/aashnasheth/bottlerocket/internal/keys"
	"github.com/aashnasheth/bottlerocket/internal/provision"
)

const fakeRootContent = `{"signed":{"_type":"root"}}`

type policyCall struct {
	region, bucket, prefix, vpce string
}

type uploadCall struct {
	region, bucket, prefix, localPath string
}

type fakeProvisioner struct {
	stack          provision.Stack
	provisionErr   error
	provisionCalls []string
	policyCalls    []policyCall
	uploadCalls    []uploadCall
}

func (f *fakeProvisioner) Provision(ctx context.Context, region, stackName string, params map[string]string) (provision.Stack, error) {
	f.provisionCalls = append(f.provisionCalls, stackName)
	if f.provisionErr != nil {
		return provision.Stack{}, f.provisionErr
	}
	return f.stack, nil
}

func (f *fakeProvisioner) ApplyPolicy(ctx context.Context, region, bucket, prefix, vpce string) error {
	f.policyCalls = append(f.policyCalls, policyCall{region: region, bucket: bucket, prefix: prefix, vpce: vpce})
	return nil
}

func (f *fakeProvisioner) Upload(ctx context.Context, region, bucket, prefix, localPath string) error {
	f.uploadCalls = append(f.uploadCalls, uploadCall{region: region, bucket: bucket, prefix: prefix, localPath: localPath})
	return nil
}

type assignCall struct {
	role      keys.Role
	threshold string
	path      string
}

type fakeKeyManager struct {
	validateErr error
	validated   int
	ensured     int
	assigns     []assignCall
	signed      int
}

func (f *fakeKeyManager) Validate(cfg *config.SigningKeyConfig) error {
	f.validated++
	return f.validateErr
}

func (f *fakeKeyManager) EnsureKeys(ctx context.Context, cfg *config.SigningKeyConfig) error {
	f.ensured++
	return nil
}

func (f *fakeKeyManager) Assign(cfg *config.SigningKeyConfig, role keys.Role, threshold, rootPath string) error {
	f.assigns = append(f.assigns, assignCall{role: role, threshold: threshold, path: rootPath})
	return nil
}

func (f *fakeKeyManager) SignRoot(cfg *config.SigningKeyConfig, rootPath string) error {
	f.signed++
	return nil
}

// fakeRootTool writes a deterministic document on init, standing in for
// tuftool's side effect on disk.
type fakeRootTool struct {
	inits   []string
	expires []string
}

func (f *fakeRootTool) RootInit(path string) error {
	f.inits = append(f.inits, path)
	return os.WriteFile(path, []byte(fakeRootContent), 0o644)
}

func (f *fakeRootTool) RootExpire(path, expiration string) error {
	f.expires = append(f.expires, expiration)
	return nil
}

func testConfig() *config.InfraConfig {
	return &config.InfraConfig{
		Repo: map[string]*config.RepoConfig{
			"my-repo": {
				FileHostingConfigName: "tuf-bucket-stack",
				SigningKeys: &config.SigningKeyConfig{
					KMS: &config.KMSKeyConfig{
						Config: &config.KMSKeyDetails{
							AvailableKeys: map[string]string{"key-a": "us-west-2"},
						},
					},
				},
				RootKeys: &config.SigningKeyConfig{
					KMS: &config.KMSKeyConfig{
						Config: &config.KMSKeyDetails{
							AvailableKeys: map[string]string{"key-b": "us-east-1"},
						},
					},
				},
				PubKeyThreshold:  "1",
				RootKeyThreshold: "1",
			},
		},
		AWS: &config.AWSConfig{
			S3: map[string]*config.S3Config{
				"tuf-bucket-stack": {
					Region:        "us-west-2",
					S3Prefix:      "tuf",
					VPCEndpointID: "vpce-123",
				},
			},
		},
	}
}

func newFixture() (*fakeProvisioner, *fakeKeyManager, *fakeRootTool, *Orchestrator) {
	fp := &fakeProvisioner{
		stack: provision.Stack{
			ARN:        "arn:aws:cloudformation:us-west-2:123456789012:stack/tuf-bucket-stack/abc",
			BucketName: "example-bucket",
			BucketURL:  "https://example-bucket.s3.us-west-2.amazonaws.com",
		},
	}
	fkm := &fakeKeyManager{}
	frt := &fakeRootTool{}
	return fp, fkm, frt, New(fp, fkm, frt, "")
}

func TestCreateInfraEndToEnd(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "Infra.yaml")
	rootRolePath := filepath.Join(dir, "roles", "root.json")

	fp, fkm, frt, o := newFixture()
	cfg := testConfig()

	require.NoError(t, o.CreateInfra(context.Background(), cfg, configPath, rootRolePath))

	// Provisioning outputs are recorded on the storage config.
	s3Cfg := cfg.AWS.S3["tuf-bucket-stack"]
	assert.Equal(t, fp.stack.ARN, s3Cfg.StackARN)
	assert.Equal(t, "example-bucket", s3Cfg.BucketName)

	// Policy scoped to the normalized prefix and the VPC endpoint.
	require.Len(t, fp.policyCalls, 1)
	assert.Equal(t, policyCall{region: "us-west-2", bucket: "example-bucket", prefix: "/tuf", vpce: "vpce-123"}, fp.policyCalls[0])

	// Both key configs validated and verified; root document initialized
	// once with the default expiration.
	assert.Equal(t, 2, fkm.validated)
	assert.Equal(t, 2, fkm.ensured)
	assert.Equal(t, []string{rootRolePath}, frt.inits)
	assert.Equal(t, []string{DefaultExpiration}, frt.expires)

	// Publication keys assigned before root keys, then signed once.
	require.Len(t, fkm.assigns, 2)
	assert.Equal(t, assignCall{role: keys.RolePublication, threshold: "1", path: rootRolePath}, fkm.assigns[0])
	assert.Equal(t, assignCall{role: keys.RoleRoot, threshold: "1", path: rootRolePath}, fkm.assigns[1])
	assert.Equal(t, 1, fkm.signed)

	require.Len(t, fp.uploadCalls, 1)
	assert.Equal(t, uploadCall{region: "us-west-2", bucket: "example-bucket", prefix: "/tuf", localPath: rootRolePath}, fp.uploadCalls[0])

	// Output URLs derive from the bucket URL and prefix.
	repo := cfg.Repo["my-repo"]
	assert.Equal(t, "https://example-bucket.s3.us-west-2.amazonaws.com/tuf/metadata/", repo.MetadataBaseURL)
	assert.Equal(t, "https://example-bucket.s3.us-west-2.amazonaws.com/tuf/targets/", repo.TargetsURL)
	assert.Equal(t, "https://example-bucket.s3.us-west-2.amazonaws.com/tuf/root.json", repo.RootRoleURL)

	digest := sha512.Sum512([]byte(fakeRootContent))
	assert.Equal(t, hex.EncodeToString(digest[:]), repo.RootRoleSHA512)

	// The lock mirrors the mutated configuration exactly.
	lock, err := config.LoadLock(config.LockPath(configPath))
	require.NoError(t, err)
	assert.Equal(t, cfg, lock)
}

func TestCreateInfraKeepsExistingOutputs(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "Infra.yaml")
	rootRolePath := filepath.Join(dir, "roles", "root.json")

	_, _, _, o := newFixture()

	cfg := testConfig()
	cfg.Repo["my-repo"].MetadataBaseURL = "https://already.example.com/metadata/"
	cfg.AWS.S3["tuf-bucket-stack"].StackARN = "arn:aws:cloudformation:us-west-2:123456789012:stack/earlier/xyz"

	require.NoError(t, o.CreateInfra(context.Background(), cfg, configPath, rootRolePath))

	assert.Equal(t, "https://already.example.com/metadata/", cfg.Repo["my-repo"].MetadataBaseURL)
	assert.Equal(t, "arn:aws:cloudformation:us-west-2:123456789012:stack/earlier/xyz", cfg.AWS.S3["tuf-bucket-stack"].StackARN)
	// Fields that were empty are still filled in.
	assert.NotEmpty(t, cfg.Repo["my-repo"].TargetsURL)
}

func TestCreateInfraRefusesExistingRootRole(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "Infra.yaml")
	rootRolePath := filepath.Join(dir, "root.json")
	require.NoError(t, os.WriteFile(rootRolePath, []byte("{}"), 0o644))

	fp, _, _, o := newFixture()
	err := o.CreateInfra(context.Background(), testConfig(), configPath, rootRolePath)

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRootRoleExists)
	// Failed before any cloud call and before the lock was written.
	assert.Empty(t, fp.provisionCalls)
	assert.NoFileExists(t, config.LockPath(configPath))
}

func TestCreateInfraMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.InfraConfig)
	}{
		{
			name:   "no repos",
			mutate: func(cfg *config.InfraConfig) { cfg.Repo = nil },
		},
		{
			name: "no hosting config name",
			mutate: func(cfg *config.InfraConfig) {
				cfg.Repo["my-repo"].FileHostingConfigName = ""
			},
		},
		{
			name:   "no aws section",
			mutate: func(cfg *config.InfraConfig) { cfg.AWS = nil },
		},
		{
			name: "unknown s3 config name",
			mutate: func(cfg *config.InfraConfig) {
				cfg.Repo["my-repo"].FileHostingConfigName = "other-stack"
			},
		},
		{
			name: "no region",
			mutate: func(cfg *config.InfraConfig) {
				cfg.AWS.S3["tuf-bucket-stack"].Region = ""
			},
		},
		{
			name: "no vpc endpoint",
			mutate: func(cfg *config.InfraConfig) {
				cfg.AWS.S3["tuf-bucket-stack"].VPCEndpointID = ""
			},
		},
		{
			name: "no signing keys",
			mutate: func(cfg *config.InfraConfig) {
				cfg.Repo["my-repo"].SigningKeys = nil
			},
		},
		{
			name: "no root keys",
			mutate: func(cfg *config.InfraConfig) {
				cfg.Repo["my-repo"].RootKeys = nil
			},
		},
		{
			name: "no pub threshold",
			mutate: func(cfg *config.InfraConfig) {
				cfg.Repo["my-repo"].PubKeyThreshold = ""
			},
		},
		{
			name: "no root threshold",
			mutate: func(cfg *config.InfraConfig) {
				cfg.Repo["my-repo"].RootKeyThreshold = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			configPath := filepath.Join(dir, "Infra.yaml")

			fp, _, _, o := newFixture()
			cfg := testConfig()
			tt.mutate(cfg)

			err := o.CreateInfra(context.Background(), cfg, configPath, filepath.Join(dir, "root.json"))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrMissingConfig)
			assert.Empty(t, fp.provisionCalls)
			assert.NoFileExists(t, config.LockPath(configPath))
		})
	}
}

func TestCreateInfraAbortsWithoutLockOnProvisionFailure(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "Infra.yaml")

	fp, fkm, _, o := newFixture()
	fp.provisionErr = fmt.Errorf("create stack rejected")

	err := o.CreateInfra(context.Background(), testConfig(), configPath, filepath.Join(dir, "root.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create stack rejected")
	assert.Zero(t, fkm.signed)
	assert.NoFileExists(t, config.LockPath(configPath))
}

func TestAssignRepoOutputsIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	rootRolePath := filepath.Join(dir, "root.json")
	require.NoError(t, os.WriteFile(rootRolePath, []byte(fakeRootContent), 0o644))

	repo := &config.RepoConfig{}
	bucketURL := "https://example-bucket.s3.us-west-2.amazonaws.com"

	require.NoError(t, AssignRepoOutputs(repo, bucketURL, "/tuf", rootRolePath))
	first := *repo

	// A second pass over already-populated outputs changes nothing, even
	// when the underlying file has changed since.
	require.NoError(t, os.WriteFile(rootRolePath, []byte("different"), 0o644))
	require.NoError(t, AssignRepoOutputs(repo, "https://other-bucket.example.com", "/other", rootRolePath))
	assert.Equal(t, first, *repo)
}
