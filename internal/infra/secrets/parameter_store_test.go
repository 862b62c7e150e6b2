package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spounge-ai/polysecret/internal/kms"
)

type fakeSSM struct {
	value *string
	err   error
	input *ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(ctx context.Context, params *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: params.Name, Value: f.value}}, nil
}

func TestParameterStore_Fetch(t *testing.T) {
	client := &fakeSSM{value: aws.String("deadbeef")}
	ps := NewParameterStoreWithClient(client, "/polysecret/master-key")

	got, err := ps.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("deadbeef"), got)
	assert.Equal(t, "/polysecret/master-key", aws.ToString(client.input.Name))
	assert.True(t, aws.ToBool(client.input.WithDecryption))
	assert.Equal(t, "ssm:/polysecret/master-key", ps.Name())
}

func TestParameterStore_Errors(t *testing.T) {
	_, err := NewParameterStoreWithClient(&fakeSSM{}, "").Fetch(context.Background())
	assert.ErrorIs(t, err, kms.ErrNotConfigured)

	_, err = NewParameterStoreWithClient(&fakeSSM{err: &types.ParameterNotFound{}}, "/missing").Fetch(context.Background())
	assert.ErrorIs(t, err, kms.ErrNotConfigured)

	_, err = NewParameterStoreWithClient(&fakeSSM{err: errors.New("throttled")}, "/p").Fetch(context.Background())
	assert.ErrorContains(t, err, "throttled")

	_, err = NewParameterStoreWithClient(&fakeSSM{}, "/empty").Fetch(context.Background())
	assert.ErrorContains(t, err, "has no value")
}
