//go:build integration
// +build integration

package s3

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/ext4bridge/pkg/blockdev"
	devtesting "github.com/marmos91/ext4bridge/pkg/blockdev/testing"
	"github.com/stretchr/testify/require"
)

// TestS3Device_Integration runs the complete Device test suite against a
// real S3-compatible service (Localstack).
//
// Prerequisites:
//   - Localstack running on localhost:4566
//   - Run with: go test -tags=integration ./pkg/blockdev/s3/...
//
// To start Localstack:
//
//	docker run --rm -p 4566:4566 localstack/localstack
func TestS3Device_Integration(t *testing.T) {
	ctx := context.Background()

	// ========================================================================
	// Setup: Create S3 client connected to Localstack
	// ========================================================================

	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion("us-east-1"),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err, "Failed to load AWS config")

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true // Required for Localstack
	})

	// ========================================================================
	// Create test bucket
	// ========================================================================

	bucketName := fmt.Sprintf("ext4bridge-test-%d", time.Now().UnixNano())
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucketName)})
	require.NoError(t, err, "Failed to create test bucket")

	// ========================================================================
	// Run suite: every device gets its own prefix
	// ========================================================================

	seq := 0
	suite := &devtesting.DeviceTestSuite{
		NewDevice: func(t *testing.T, numBlocks uint64) blockdev.Device {
			seq++
			dev, err := NewS3Device(ctx, S3DeviceConfig{
				Client:      client,
				Bucket:      bucketName,
				KeyPrefix:   fmt.Sprintf("dev-%d/", seq),
				NumBlocks:   numBlocks,
				ChunkBlocks: 64,
			})
			require.NoError(t, err)
			return dev
		},
		Reopen: func(t *testing.T, dev blockdev.Device) blockdev.Device {
			prefix := dev.(*S3Device).keyPrefix
			require.NoError(t, dev.Close())

			reopened, err := NewS3Device(ctx, S3DeviceConfig{
				Client:    client,
				Bucket:    bucketName,
				KeyPrefix: prefix,
			})
			require.NoError(t, err)
			return reopened
		},
	}

	suite.Run(t)
}
