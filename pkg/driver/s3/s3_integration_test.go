//go:build integration
// +build integration

package s3

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsS3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/grieco/vdisk/pkg/block"
)

// TestS3Driver_Integration exercises the driver against a real S3-compatible
// service (Localstack).
//
// Prerequisites:
//   - Localstack running on localhost:4566
//   - Run with: go test -tags=integration ./pkg/driver/s3/...
//
// To start Localstack:
//
//	docker run --rm -p 4566:4566 localstack/localstack
func TestS3Driver_Integration(t *testing.T) {
	ctx := context.Background()

	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion("us-east-1"),
		awsConfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			"test", "test", "",
		)),
	)
	if err != nil {
		t.Fatalf("Failed to load AWS config: %v", err)
	}
	client := awsS3.NewFromConfig(cfg, func(o *awsS3.Options) {
		o.UsePathStyle = true // Required for Localstack
	})

	bucketName := "vdisk-test-bucket"
	if _, err := client.CreateBucket(ctx, &awsS3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	}); err != nil {
		t.Fatalf("Failed to create test bucket: %v", err)
	}
	defer func() {
		out, err := client.ListObjectsV2(ctx, &awsS3.ListObjectsV2Input{
			Bucket: aws.String(bucketName),
		})
		if err == nil {
			for _, obj := range out.Contents {
				_, _ = client.DeleteObject(ctx, &awsS3.DeleteObjectInput{
					Bucket: aws.String(bucketName),
					Key:    obj.Key,
				})
			}
		}
		_, _ = client.DeleteBucket(ctx, &awsS3.DeleteBucketInput{
			Bucket: aws.String(bucketName),
		})
	}()

	opts := block.NewOptions()
	opts.Set("bucket", bucketName)
	opts.Set("region", "us-east-1")
	opts.Set("endpoint", endpoint)
	opts.Set("access-key-id", "test")
	opts.Set("secret-access-key", "test")
	opts.Set("key-prefix", "vol0/")
	opts.Set("size", "1048576")
	opts.Set("page-size", "65536")

	n, err := block.Open(ctx, "s3", "", opts, nil, 0)
	if err != nil {
		t.Fatalf("open s3 node: %v", err)
	}
	defer n.Close()

	t.Run("RoundTrip", func(t *testing.T) {
		payload := bytes.Repeat([]byte{0x42}, 100_000) // spans two pages
		if _, err := n.WriteAt(ctx, 30_000, block.NewIOVector(payload)); err != nil {
			t.Fatalf("write: %v", err)
		}
		got := make([]byte, len(payload))
		if _, err := n.ReadAt(ctx, 30_000, block.NewIOVector(got)); err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Error("read back does not match what was written")
		}
	})

	t.Run("SparseReadsZero", func(t *testing.T) {
		buf := bytes.Repeat([]byte{0xff}, 4096)
		if _, err := n.ReadAt(ctx, 900_000, block.NewIOVector(buf)); err != nil {
			t.Fatalf("read: %v", err)
		}
		for i, b := range buf {
			if b != 0 {
				t.Fatalf("sparse byte %d = %#x", i, b)
			}
		}
	})

	t.Run("DiscardDeletesPages", func(t *testing.T) {
		if _, err := n.WriteAt(ctx, 0, block.NewIOVector(bytes.Repeat([]byte{1}, 65536))); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := n.Discard(ctx, 0, 65536); err != nil {
			t.Fatalf("discard: %v", err)
		}
		st, err := n.BlockStatus(ctx, 0, 65536)
		if err != nil {
			t.Fatalf("block-status: %v", err)
		}
		if st.Allocated {
			t.Errorf("status after discard = %+v, want unallocated", st)
		}
	})

	t.Run("AllocatedFileSize", func(t *testing.T) {
		alloc, err := n.AllocatedFileSize(ctx)
		if err != nil {
			t.Fatalf("allocated-file-size: %v", err)
		}
		if alloc <= 0 {
			t.Errorf("AllocatedFileSize = %d, want > 0 after writes", alloc)
		}
	})
}
