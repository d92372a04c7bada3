// Package provision creates the S3 bucket stack backing a TUF repository and
// manages its access policy and object uploads.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aashnasheth/bottlerocket/internal/errors"
)

// DefaultPollInterval is how long the provisioner waits between stack status
// checks.
const DefaultPollInterval = 20 * time.Second

// templateRelPath locates the bucket template below the tools directory.
const templateRelPath = "infrasys/cloudformation-templates/s3_setup.yml"

// StackAPI is the slice of the CloudFormation client the provisioner uses.
type StackAPI interface {
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

// BucketAPI is the slice of the S3 client used for policy and upload calls.
type BucketAPI interface {
	GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
	PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Stack holds the identifying outputs of a provisioned bucket stack.
type Stack struct {
	ARN        string
	BucketName string
	BucketURL  string
}

// Provisioner creates bucket stacks and waits for them to become ready.
type Provisioner struct {
	templateDir  string
	pollInterval time.Duration
	sleep        func(time.Duration)

	newStackClient  func(ctx context.Context, region string) (StackAPI, error)
	newBucketClient func(ctx context.Context, region string) (BucketAPI, error)
}

// New returns a Provisioner reading templates below templateDir and using
// real per-region AWS clients.
func New(templateDir string) *Provisioner {
	return &Provisioner{
		templateDir:  templateDir,
		pollInterval: DefaultPollInterval,
		sleep:        time.Sleep,
		newStackClient: func(ctx context.Context, region string) (StackAPI, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				return nil, fmt.Errorf("failed to load AWS config: %w", err)
			}
			return cloudformation.NewFromConfig(cfg), nil
		},
		newBucketClient: func(ctx context.Context, region string) (BucketAPI, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				return nil, fmt.Errorf("failed to load AWS config: %w", err)
			}
			return s3.NewFromConfig(cfg), nil
		},
	}
}

// NewWithClients is the test constructor; it swaps the AWS client factories
// and the sleep function for fakes.
func NewWithClients(
	templateDir string,
	newStackClient func(ctx context.Context, region string) (StackAPI, error),
	newBucketClient func(ctx context.Context, region string) (BucketAPI, error),
	sleep func(time.Duration),
) *Provisioner {
	return &Provisioner{
		templateDir:     templateDir,
		pollInterval:    DefaultPollInterval,
		sleep:           sleep,
		newStackClient:  newStackClient,
		newBucketClient: newBucketClient,
	}
}

// Provision submits the bucket template as a CloudFormation stack and blocks
// until the stack is ready. The stack ARN is available as soon as the create
// call is accepted; bucket name and URL come from the first two stack
// outputs once the stack reaches CREATE_COMPLETE.
func (p *Provisioner) Provision(ctx context.Context, region, stackName string, params map[string]string) (Stack, error) {
	logger := zerolog.Ctx(ctx)

	templatePath := filepath.Join(p.templateDir, filepath.FromSlash(templateRelPath))
	templateBody, err := os.ReadFile(templatePath)
	if err != nil {
		return Stack{}, fmt.Errorf("failed to read stack template %s: %w", templatePath, err)
	}

	client, err := p.newStackClient(ctx, region)
	if err != nil {
		return Stack{}, err
	}

	result, err := client.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:    aws.String(stackName),
		TemplateBody: aws.String(string(templateBody)),
		Parameters:   StackParameters(params),
	})
	if err != nil {
		return Stack{}, fmt.Errorf("failed to create stack %s in %s: %w", stackName, region, err)
	}
	arn := aws.ToString(result.StackId)

	logger.Info().
		Str("stack_name", stackName).
		Str("stack_arn", arn).
		Msg("Stack creation submitted")

	outputs, err := p.waitForOutputs(ctx, client, stackName, region)
	if err != nil {
		return Stack{}, err
	}
	if len(outputs) < 2 {
		return Stack{}, fmt.Errorf("%w: stack %s returned %d outputs, want 2", errors.ErrStackOutputMissing, stackName, len(outputs))
	}

	// Outputs are declared bucket-name first, bucket-url second in the
	// template; they are consumed positionally.
	bucketName := aws.ToString(outputs[0].OutputValue)
	bucketURL := aws.ToString(outputs[1].OutputValue)
	if bucketName == "" || bucketURL == "" {
		return Stack{}, fmt.Errorf("%w: stack %s outputs are empty", errors.ErrStackOutputMissing, stackName)
	}

	return Stack{ARN: arn, BucketName: bucketName, BucketURL: bucketURL}, nil
}

// waitForOutputs polls the stack on a fixed interval until it is ready.
// A terminal failure status aborts the wait instead of polling forever.
func (p *Provisioner) waitForOutputs(ctx context.Context, client StackAPI, stackName, region string) ([]cftypes.Output, error) {
	logger := zerolog.Ctx(ctx)

	for {
		result, err := client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
			StackName: aws.String(stackName),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe stack %s in %s: %w", stackName, region, err)
		}
		if len(result.Stacks) == 0 {
			return nil, fmt.Errorf("failed to describe stack %s in %s: no stacks in response", stackName, region)
		}

		stack := result.Stacks[0]
		status := stack.StackStatus
		if status == cftypes.StackStatusCreateComplete {
			return stack.Outputs, nil
		}
		if isTerminalFailure(status) {
			reason := aws.ToString(stack.StackStatusReason)
			return nil, fmt.Errorf("%w: stack %s status %s (%s)", errors.ErrStackCreateFailed, stackName, status, reason)
		}

		logger.Info().
			Str("stack_name", stackName).
			Str("status", string(status)).
			Msg("Waiting for stack resources to be ready")
		p.sleep(p.pollInterval)
	}
}

func isTerminalFailure(status cftypes.StackStatus) bool {
	switch status {
	case cftypes.StackStatusCreateFailed,
		cftypes.StackStatusRollbackInProgress,
		cftypes.StackStatusRollbackFailed,
		cftypes.StackStatusRollbackComplete,
		cftypes.StackStatusDeleteInProgress,
		cftypes.StackStatusDeleteFailed,
		cftypes.StackStatusDeleteComplete:
		return true
	}
	return false
}
