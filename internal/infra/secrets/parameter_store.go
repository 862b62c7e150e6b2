package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/spounge-ai/polysecret/internal/kms"
	"github.com/spounge-ai/polysecret/pkg/execution"
)

const parameterStoreTimeout = 10 * time.Second

// ParameterGetter is the part of the SSM client the parameter store needs.
type ParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ParameterStore delivers master key material kept as a SecureString
// parameter in AWS Systems Manager. It implements kms.Source.
type ParameterStore struct {
	client ParameterGetter
	name   string
}

func NewParameterStore(cfg aws.Config, name string) *ParameterStore {
	return NewParameterStoreWithClient(ssm.NewFromConfig(cfg), name)
}

func NewParameterStoreWithClient(client ParameterGetter, name string) *ParameterStore {
	return &ParameterStore{client: client, name: name}
}

func (ps *ParameterStore) Name() string {
	return "ssm:" + ps.name
}

func (ps *ParameterStore) Fetch(ctx context.Context) ([]byte, error) {
	if ps.name == "" {
		return nil, kms.ErrNotConfigured
	}

	return execution.WithTimeout(ctx, parameterStoreTimeout, func(ctx context.Context) ([]byte, error) {
		input := &ssm.GetParameterInput{
			Name:           &ps.name,
			WithDecryption: aws.Bool(true),
		}

		result, err := ps.client.GetParameter(ctx, input)
		if err != nil {
			var notFound *types.ParameterNotFound
			if errors.As(err, &notFound) {
				return nil, kms.ErrNotConfigured
			}
			return nil, err
		}
		if result.Parameter == nil || result.Parameter.Value == nil {
			return nil, fmt.Errorf("parameter %s has no value", ps.name)
		}

		return []byte(*result.Parameter.Value), nil
	})
}
