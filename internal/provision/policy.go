package provision

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// policyVersion matches the version S3 reports for buckets without an
// explicit policy document.
const policyVersion = "2008-10-17"

// bucketPolicy keeps existing statements as raw JSON so appending a grant
// never reorders or rewrites what is already there.
type bucketPolicy struct {
	Version   string            `json:"Version"`
	Statement []json.RawMessage `json:"Statement"`
}

// FormatPrefix normalizes a user-supplied object prefix to the "/<folder>"
// form used in policy resources and object keys: a leading slash is added
// and trailing "/" or "/*" is stripped.
func FormatPrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	formatted := prefix
	if !strings.HasPrefix(formatted, "/") {
		formatted = "/" + formatted
	}
	formatted = strings.TrimSuffix(formatted, "/*")
	formatted = strings.TrimSuffix(formatted, "/")
	return formatted
}

// ApplyPolicy appends a single read-access statement to the bucket policy,
// granting s3:GetObject under prefix to requests arriving through the given
// VPC endpoint. Existing statements are preserved unchanged and the full
// policy is written back.
func (p *Provisioner) ApplyPolicy(ctx context.Context, region, bucket, prefix, vpcEndpointID string) error {
	logger := zerolog.Ctx(ctx)

	client, err := p.newBucketClient(ctx, region)
	if err != nil {
		return err
	}

	policy, err := currentPolicy(ctx, client, bucket)
	if err != nil {
		return err
	}

	grant := map[string]any{
		"Effect":    "Allow",
		"Principal": "*",
		"Action":    "s3:GetObject",
		"Resource":  fmt.Sprintf("arn:aws:s3:::%s%s/*", bucket, prefix),
		"Condition": map[string]any{
			"StringEquals": map[string]any{
				"aws:sourceVpce": vpcEndpointID,
			},
		},
	}
	grantJSON, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to serialize bucket policy statement: %w", err)
	}
	policy.Statement = append(policy.Statement, grantJSON)

	policyJSON, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to serialize bucket policy for %s: %w", bucket, err)
	}

	_, err = client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(bucket),
		Policy: aws.String(string(policyJSON)),
	})
	if err != nil {
		return fmt.Errorf("failed to put bucket policy on %s: %w", bucket, err)
	}

	logger.Info().
		Str("bucket", bucket).
		Str("prefix", prefix).
		Str("vpc_endpoint_id", vpcEndpointID).
		Int("statements", len(policy.Statement)).
		Msg("Applied bucket policy")
	return nil
}

// currentPolicy fetches the bucket's policy, starting from an empty
// statement list when the bucket has none yet.
func currentPolicy(ctx context.Context, client BucketAPI, bucket string) (*bucketPolicy, error) {
	result, err := client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		var apiErr smithy.APIError
		if stderrors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchBucketPolicy" {
			return &bucketPolicy{Version: policyVersion, Statement: []json.RawMessage{}}, nil
		}
		return nil, fmt.Errorf("failed to get bucket policy for %s: %w", bucket, err)
	}

	var policy bucketPolicy
	if err := json.Unmarshal([]byte(aws.ToString(result.Policy)), &policy); err != nil {
		return nil, fmt.Errorf("failed to parse bucket policy for %s: %w", bucket, err)
	}
	return &policy, nil
}
