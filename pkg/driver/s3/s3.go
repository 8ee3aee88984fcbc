// Package s3 implements the "s3" protocol driver: device pages stored as
// objects in an S3 or S3-compatible bucket. Each page maps to one object
// under a configurable key prefix, so sparse images only pay for the pages
// they have written.
//
// The driver works against Amazon S3 as well as MinIO and Localstack via a
// custom endpoint with path-style addressing.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsS3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/grieco/vdisk/pkg/block"
)

const defaultPageSize = 1 << 20 // 1 MiB objects keep request counts sane

// Driver is the S3-backed protocol driver.
type Driver struct{}

type state struct {
	mu        sync.RWMutex
	client    *awsS3.Client
	bucket    string
	keyPrefix string
	pageSize  int64
	size      int64
}

func init() {
	block.MustRegister(&Driver{})
}

// Info returns the driver's capability descriptor.
func (d *Driver) Info() block.DriverInfo {
	return block.DriverInfo{
		FormatName:   "s3",
		ProtocolName: "s3",
		OptionKeys: []string{
			"bucket", "region", "endpoint",
			"access-key-id", "secret-access-key",
			"key-prefix", "size", "page-size",
		},
	}
}

// newClient builds the S3 client from the open options. A custom endpoint
// switches on path-style addressing for MinIO and Localstack compatibility.
func newClient(ctx context.Context, opts *block.Options) (*awsS3.Client, error) {
	var configOptions []func(*awsConfig.LoadOptions) error

	if region := opts.GetDefault("region", ""); region != "" {
		configOptions = append(configOptions, awsConfig.WithRegion(region))
	}

	endpoint := opts.GetDefault("endpoint", "")
	if endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
				return aws.Endpoint{
					URL:               endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	accessKey := opts.GetDefault("access-key-id", "")
	secretKey := opts.GetDefault("secret-access-key", "")
	if accessKey != "" && secretKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return awsS3.NewFromConfig(cfg, func(o *awsS3.Options) {
		if endpoint != "" {
			o.UsePathStyle = true
		}
	}), nil
}

// Open builds the client, verifies bucket access and sizes the device.
func (d *Driver) Open(ctx context.Context, n *block.Node, opts *block.Options, flags block.OpenFlag) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bucket, ok := opts.Get("bucket")
	if !ok || bucket == "" {
		return fmt.Errorf("s3 driver requires a bucket: %w", block.ErrInvalidOption)
	}
	size, err := opts.GetInt64("size", 0)
	if err != nil {
		return err
	}
	if size <= 0 {
		return fmt.Errorf("s3 driver requires a positive size: %w", block.ErrInvalidOption)
	}
	pageSize, err := opts.GetInt64("page-size", defaultPageSize)
	if err != nil {
		return err
	}
	if pageSize <= 0 {
		return fmt.Errorf("page-size must be positive: %w", block.ErrInvalidOption)
	}

	client, err := newClient(ctx, opts)
	if err != nil {
		return err
	}

	if _, err := client.HeadBucket(ctx, &awsS3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("failed to access bucket %q: %w", bucket, err)
	}

	n.SetDriverState(&state{
		client:    client,
		bucket:    bucket,
		keyPrefix: opts.GetDefault("key-prefix", ""),
		pageSize:  pageSize,
		size:      size,
	})
	return nil
}

// Close has nothing to release; the SDK client holds no persistent
// connections that outlive its requests.
func (d *Driver) Close(n *block.Node) {}

func (s *state) pageKey(idx int64) string {
	return fmt.Sprintf("%s%016x", s.keyPrefix, idx)
}

func (s *state) checkRange(op string, off, count int64) error {
	if off < 0 || count < 0 || off+count > s.size {
		return block.NewIOError(op, block.EINVAL,
			fmt.Errorf("range [%d, %d) outside device of size %d", off, off+count, s.size))
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

// getPage downloads one page; a missing object reads as all zeroes.
func (s *state) getPage(ctx context.Context, idx int64) ([]byte, bool, error) {
	result, err := s.client.GetObject(ctx, &awsS3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.pageKey(idx)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	page := make([]byte, s.pageSize)
	if _, err := io.ReadFull(result.Body, page); err != nil && err != io.ErrUnexpectedEOF {
		return nil, false, fmt.Errorf("failed to read object body: %w", err)
	}
	return page, true, nil
}

func (s *state) putPage(ctx context.Context, idx int64, page []byte) error {
	_, err := s.client.PutObject(ctx, &awsS3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.pageKey(idx)),
		Body:   bytes.NewReader(page),
	})
	if err != nil {
		return fmt.Errorf("failed to write object to S3: %w", err)
	}
	return nil
}

func (s *state) deletePage(ctx context.Context, idx int64) error {
	_, err := s.client.DeleteObject(ctx, &awsS3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.pageKey(idx)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

func (s *state) pageExists(ctx context.Context, idx int64) (bool, error) {
	_, err := s.client.HeadObject(ctx, &awsS3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.pageKey(idx)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

func (d *Driver) ReadAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := qiov.Size()
	if err := s.checkRange("read", off, count); err != nil {
		return 0, err
	}

	buf := make([]byte, count)
	for pos := int64(0); pos < count; {
		idx := (off + pos) / s.pageSize
		inPage := (off + pos) % s.pageSize
		step := min64(s.pageSize-inPage, count-pos)

		page, ok, err := s.getPage(ctx, idx)
		if err != nil {
			return 0, block.NewIOError("read", block.EIO, err)
		}
		if ok {
			copy(buf[pos:pos+step], page[inPage:inPage+step])
		}
		pos += step
	}
	qiov.CopyFrom(buf)
	return count, nil
}

func (d *Driver) WriteAt(ctx context.Context, n *block.Node, off int64, qiov *block.IOVector) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	count := qiov.Size()
	if err := s.checkRange("write", off, count); err != nil {
		return 0, err
	}

	buf := qiov.Flatten()
	for pos := int64(0); pos < count; {
		idx := (off + pos) / s.pageSize
		inPage := (off + pos) % s.pageSize
		step := min64(s.pageSize-inPage, count-pos)

		var page []byte
		if step == s.pageSize {
			// Full-page overwrite needs no read-modify-write round trip.
			page = buf[pos : pos+step]
		} else {
			existing, _, err := s.getPage(ctx, idx)
			if err != nil {
				return 0, block.NewIOError("write", block.EIO, err)
			}
			if existing == nil {
				existing = make([]byte, s.pageSize)
			}
			copy(existing[inPage:inPage+step], buf[pos:pos+step])
			page = existing
		}
		if err := s.putPage(ctx, idx, page); err != nil {
			return 0, block.NewIOError("write", block.EIO, err)
		}
		pos += step
	}
	return count, nil
}

// Discard deletes fully covered page objects and zeroes partial ones.
func (d *Driver) Discard(ctx context.Context, n *block.Node, off, count int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := n.DriverState().(*state)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRange("discard", off, count); err != nil {
		return err
	}

	for pos := int64(0); pos < count; {
		idx := (off + pos) / s.pageSize
		inPage := (off + pos) % s.pageSize
		step := min64(s.pageSize-inPage, count-pos)

		if step == s.pageSize {
			if err := s.deletePage(ctx, idx); err != nil {
				return block.NewIOError("discard", block.EIO, err)
			}
		} else {
			page, ok, err := s.getPage(ctx, idx)
			if err != nil {
				return block.NewIOError("discard", block.EIO, err)
			}
			if ok {
				for i := inPage; i < inPage+step; i++ {
					page[i] = 0
				}
				if err := s.putPage(ctx, idx, page); err != nil {
					return block.NewIOError("discard", block.EIO, err)
				}
			}
		}
		pos += step
	}
	return nil
}

func (d *Driver) Length(ctx context.Context, n *block.Node) (int64, error) {
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size, nil
}

func (d *Driver) AllocatedFileSize(ctx context.Context, n *block.Node) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	paginator := awsS3.NewListObjectsV2Paginator(s.client, &awsS3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, block.NewIOError("allocated-file-size", block.EIO,
				fmt.Errorf("failed to list objects: %w", err))
		}
		for _, obj := range page.Contents {
			if obj.Size != nil {
				total += *obj.Size
			}
		}
	}
	return total, nil
}

func (d *Driver) BlockStatus(ctx context.Context, n *block.Node, off, count int64) (block.AllocStatus, error) {
	if err := ctx.Err(); err != nil {
		return block.AllocStatus{}, err
	}
	s := n.DriverState().(*state)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkRange("get-block-status", off, count); err != nil {
		return block.AllocStatus{}, err
	}

	first := off / s.pageSize
	allocated, err := s.pageExists(ctx, first)
	if err != nil {
		return block.AllocStatus{}, block.NewIOError("get-block-status", block.EIO, err)
	}
	length := s.pageSize - off%s.pageSize
	for next := first + 1; length < count; next++ {
		ok, err := s.pageExists(ctx, next)
		if err != nil {
			return block.AllocStatus{}, block.NewIOError("get-block-status", block.EIO, err)
		}
		if ok != allocated {
			break
		}
		length += s.pageSize
	}
	return block.AllocStatus{
		Allocated: allocated,
		Zero:      !allocated,
		Length:    min64(length, count),
		Node:      n,
	}, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
