package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/spounge-ai/polysecret/pkg/patterns/circuitbreaker"
)

const (
	s3BreakerFailures = 3
	s3BreakerReset    = time.Minute
)

// S3API is the part of the S3 client the archive uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3ArchiveStorage stores retired audit segments as objects under a prefix.
// Segments are write-once: an existing object is never replaced.
type S3ArchiveStorage struct {
	client     S3API
	bucketName string
	prefix     string
	logger     *slog.Logger
	breaker    *circuitbreaker.Breaker[bool]
}

func NewS3ArchiveStorage(cfg aws.Config, bucketName, prefix string, logger *slog.Logger) *S3ArchiveStorage {
	return NewS3ArchiveStorageWithClient(s3.NewFromConfig(cfg), bucketName, prefix, logger)
}

func NewS3ArchiveStorageWithClient(client S3API, bucketName, prefix string, logger *slog.Logger, opts ...circuitbreaker.Option) *S3ArchiveStorage {
	opts = append([]circuitbreaker.Option{circuitbreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("S3 archive circuit changed state", "bucket", bucketName, "from", from.String(), "to", to.String())
	})}, opts...)
	return &S3ArchiveStorage{
		client:     client,
		bucketName: bucketName,
		prefix:     prefix,
		logger:     logger,
		breaker:    circuitbreaker.New[bool](s3BreakerFailures, s3BreakerReset, opts...),
	}
}

func (s *S3ArchiveStorage) objectKey(name string) string {
	return path.Join(s.prefix, name)
}

func (s *S3ArchiveStorage) Archive(ctx context.Context, name string, data []byte) error {
	key := s.objectKey(name)

	// uploaded is false when the segment was already present.
	uploaded, err := s.breaker.Execute(ctx, func(ctx context.Context) (bool, error) {
		exists, err := s.exists(ctx, key)
		if err != nil || exists {
			return false, err
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               &s.bucketName,
			Key:                  &key,
			Body:                 bytes.NewReader(data),
			ContentType:          aws.String("application/x-ndjson"),
			ServerSideEncryption: types.ServerSideEncryptionAes256,
		})
		if err != nil {
			return false, fmt.Errorf("failed to put archive segment to S3: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !uploaded {
		return fmt.Errorf("archive segment %s already exists in S3", key)
	}

	s.logger.InfoContext(ctx, "audit segment uploaded", "bucket", s.bucketName, "key", key, "bytes", len(data))
	return nil
}

func (s *S3ArchiveStorage) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucketName,
		Key:    &key,
	})
	if err != nil {
		var nf *types.NotFound
		var nsk *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check archive segment in S3: %w", err)
	}
	return true, nil
}

func (s *S3ArchiveStorage) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &s.bucketName,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "S3 health check failed", "error", err)
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}
