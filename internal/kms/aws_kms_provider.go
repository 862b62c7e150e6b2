package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/spounge-ai/polysecret/pkg/execution"
)

const awsKMSTimeout = 10 * time.Second

// Decrypter is the part of the AWS KMS client the wrapped-key source needs.
type Decrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSKMSSource unwraps a master key that was encrypted by an AWS KMS key and
// stored, base64 encoded, in a local file. Use it with FormatBinary.
type AWSKMSSource struct {
	client      Decrypter
	kmsKeyARN   string
	wrappedPath string
}

func NewAWSKMSSource(cfg aws.Config, kmsKeyARN, wrappedPath string) *AWSKMSSource {
	return NewAWSKMSSourceWithClient(kms.NewFromConfig(cfg), kmsKeyARN, wrappedPath)
}

func NewAWSKMSSourceWithClient(client Decrypter, kmsKeyARN, wrappedPath string) *AWSKMSSource {
	return &AWSKMSSource{client: client, kmsKeyARN: kmsKeyARN, wrappedPath: wrappedPath}
}

func (s *AWSKMSSource) Name() string {
	return "aws-kms:" + s.kmsKeyARN
}

func (s *AWSKMSSource) Fetch(ctx context.Context) ([]byte, error) {
	raw, err := os.ReadFile(s.wrappedPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read wrapped key: %w", err)
	}

	blob, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
	if err != nil {
		return nil, fmt.Errorf("wrapped key is not base64: %w", err)
	}

	return execution.WithTimeout(ctx, awsKMSTimeout, func(ctx context.Context) ([]byte, error) {
		input := &kms.DecryptInput{
			CiphertextBlob: blob,
			KeyId:          &s.kmsKeyARN,
		}

		result, err := s.client.Decrypt(ctx, input)
		if err != nil {
			return nil, err
		}
		return result.Plaintext, nil
	})
}
