package provision

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// RootObjectName is the fixed object name the signed trust document is
// uploaded under.
const RootObjectName = "root.json"

// Upload reads the local file and puts it as root.json under the bucket
// prefix. The document is small, so the whole body is held in memory.
func (p *Provisioner) Upload(ctx context.Context, region, bucket, prefix, localPath string) error {
	logger := zerolog.Ctx(ctx)

	client, err := p.newBucketClient(ctx, region)
	if err != nil {
		return err
	}

	body, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}

	key := path.Join(strings.TrimPrefix(prefix, "/"), RootObjectName)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", key, bucket, err)
	}

	logger.Info().
		Str("bucket", bucket).
		Str("key", key).
		Int("bytes", len(body)).
		Msg("Uploaded root role")
	return nil
}
