package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/studio/internal/domain"
)

type fakeSSM struct {
	out *ssm.GetParameterOutput
	err error
	in  *ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.in = in
	return f.out, f.err
}

func strPtr(s string) *string { return &s }

func TestParameterDecrypts(t *testing.T) {
	api := &fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: strPtr("s3cr3t")}}}
	s, err := NewSSM(api)
	require.NoError(t, err)

	v, err := s.Parameter(context.Background(), " /studio/secret ")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", v)
	require.Equal(t, "/studio/secret", *api.in.Name)
	require.True(t, *api.in.WithDecryption)
}

func TestParameterErrors(t *testing.T) {
	s, err := NewSSM(&fakeSSM{err: &types.ParameterNotFound{}})
	require.NoError(t, err)
	_, err = s.Parameter(context.Background(), "p")
	require.ErrorIs(t, err, domain.ErrNotFound)

	s, _ = NewSSM(&fakeSSM{err: errors.New("throttled")})
	_, err = s.Parameter(context.Background(), "p")
	require.ErrorIs(t, err, domain.ErrTransient)
	require.ErrorContains(t, err, "throttled")

	s, _ = NewSSM(&fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{}}})
	_, err = s.Parameter(context.Background(), "p")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Parameter(context.Background(), "  ")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestNewSSMNilAPI(t *testing.T) {
	_, err := NewSSM(nil)
	require.Error(t, err)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	v, err := Resolve(ctx, nil, "literal", "")
	require.NoError(t, err)
	require.Equal(t, "literal", v)

	_, err = Resolve(ctx, nil, "", "")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = Resolve(ctx, nil, "literal", "/p")
	require.ErrorIs(t, err, domain.ErrValidation)

	s, _ := NewSSM(&fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: strPtr("from-ssm")}}})
	v, err = Resolve(ctx, s, "literal", "/p")
	require.NoError(t, err)
	require.Equal(t, "from-ssm", v)
}
