package secrets

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// SSMSecretStore loads nonce versions from the parameter store under
// "/guardian/<env>/redaction_nonce_v<N>".
type SSMSecretStore struct {
	client *ssm.Client
	prefix string // "/guardian/<env>"
}

// NewSSMSecretStore wraps an existing SSM client. env selects the parameter
// path ("dev", "prod", ...).
func NewSSMSecretStore(client *ssm.Client, env string) *SSMSecretStore {
	return &SSMSecretStore{client: client, prefix: "/guardian/" + env}
}

// GetNonce returns the highest-version nonce.
func (s *SSMSecretStore) GetNonce(ctx context.Context) (contracts.NonceConfig, error) {
	nonces, err := s.GetNonces(ctx)
	if err != nil {
		return contracts.NonceConfig{}, err
	}
	return nonces[0], nil
}

// GetNonces fetches every parameter under the prefix, keeps the
// redaction-nonce versions and returns them newest first.
func (s *SSMSecretStore) GetNonces(ctx context.Context) ([]contracts.NonceConfig, error) {
	var nonces []contracts.NonceConfig
	paginator := ssm.NewGetParametersByPathPaginator(s.client, &ssm.GetParametersByPathInput{
		Path:           aws.String(s.prefix),
		WithDecryption: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSecretUnavailable, err)
		}
		for _, p := range page.Parameters {
			name := path.Base(aws.ToString(p.Name))
			if !strings.HasPrefix(name, NonceParamName) {
				continue
			}
			version, ok := ParseVersionSuffix(name)
			if !ok {
				continue
			}
			value := aws.ToString(p.Value)
			if err := ValidateNonceValue(value); err != nil {
				return nil, err
			}
			nonces = append(nonces, contracts.NonceConfig{
				Value:    value,
				LoadedAt: aws.ToTime(p.LastModifiedDate),
				Source:   "ssm",
				Version:  version,
			})
		}
	}
	if len(nonces) == 0 {
		return nil, ErrSecretUnavailable
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i].Version > nonces[j].Version })
	return nonces, nil
}

// RotateNonce writes newValue as the next parameter version.
func (s *SSMSecretStore) RotateNonce(ctx context.Context, newValue string) error {
	if err := ValidateNonceValue(newValue); err != nil {
		return err
	}
	next := 1
	if nonces, err := s.GetNonces(ctx); err == nil {
		if nonces[0].Value == newValue {
			return nil // idempotent retry
		}
		next = nonces[0].Version + 1
	}
	name := fmt.Sprintf("%s/%s_v%d", s.prefix, NonceParamName, next)
	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(newValue),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}
	return nil
}

var _ Store = (*SSMSecretStore)(nil)
