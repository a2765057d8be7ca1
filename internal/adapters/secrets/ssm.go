// Package secrets resolves the session cookie secret, optionally from AWS SSM Parameter Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/dkeye/studio/internal/domain"
)

// ssmAPI is satisfied by *ssm.Client.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type SSM struct {
	api ssmAPI
}

func NewSSM(api ssmAPI) (*SSM, error) {
	if api == nil {
		return nil, errors.New("secrets: ssm api must not be nil")
	}
	return &SSM{api: api}, nil
}

// Parameter reads a decrypted parameter value.
func (s *SSM) Parameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.Wrap(domain.ErrValidation, "secrets", "get parameter", "name is required", nil)
	}
	withDecryption := true
	out, err := s.api.GetParameter(ctx, &ssm.GetParameterInput{Name: &name, WithDecryption: &withDecryption})
	if err != nil {
		var missing *types.ParameterNotFound
		if errors.As(err, &missing) {
			return "", domain.Wrap(domain.ErrNotFound, "secrets", "get parameter", name, err)
		}
		return "", domain.Wrap(domain.ErrTransient, "secrets", "get parameter", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
		return "", domain.Wrap(domain.ErrNotFound, "secrets", "get parameter", fmt.Sprintf("%s has no value", name), nil)
	}
	return *out.Parameter.Value, nil
}

// Source reads a named secret.
type Source interface {
	Parameter(ctx context.Context, name string) (string, error)
}

// Resolve returns literal when param is empty and reads param from src otherwise.
func Resolve(ctx context.Context, src Source, literal, param string) (string, error) {
	if strings.TrimSpace(param) == "" {
		if literal == "" {
			return "", domain.Wrap(domain.ErrValidation, "secrets", "resolve", "secret is empty", nil)
		}
		return literal, nil
	}
	if src == nil {
		return "", domain.Wrap(domain.ErrValidation, "secrets", "resolve", "no parameter source configured", nil)
	}
	return src.Parameter(ctx, param)
}
