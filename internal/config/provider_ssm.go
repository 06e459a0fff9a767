package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmMaxBatchSize is the AWS service limit on names per GetParameters call.
const ssmMaxBatchSize = 10

// ssmClient is the subset of the SSM SDK used by SSMProvider, extracted so
// tests can inject a mock.
type ssmClient interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMProvider implements SecretProvider against AWS Systems Manager (SSM)
// Parameter Store, where deployed environments keep secrets as SecureString
// parameters.
//
// It performs batch GetParameters calls with decryption, respecting the SSM
// API limit of 10 parameters per request, and checks context cancellation
// between batches for clean Lambda timeout handling.
type SSMProvider struct {
	// region is the AWS region where SSM parameters are stored. Secrets are
	// assumed to exist in the same region as the running process.
	region string

	// client is created lazily on first use unless injected.
	client ssmClient
}

// NewSSMProvider creates an SSMProvider for the given region. The region must
// be the one holding the parameters; cross-region resolution is not supported.
func NewSSMProvider(region string) *SSMProvider {
	return &SSMProvider{region: region}
}

// newSSMProviderWithClient injects a mock client for tests.
func newSSMProviderWithClient(region string, client ssmClient) *SSMProvider {
	return &SSMProvider{region: region, client: client}
}

func (p *SSMProvider) ensureClient(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return fmt.Errorf("loading AWS config for SSM (region=%s): %w", p.region, err)
	}
	p.client = ssm.NewFromConfig(cfg)
	return nil
}

// GetParametersBatch resolves the given parameter paths to their decrypted
// values. Any path SSM reports as invalid fails the whole call: a partially
// configured engine must not start.
func (p *SSMProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	resolved := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return resolved, nil
	}

	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}

	for len(keys) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled during SSM parameter retrieval: %w", err)
		}

		n := len(keys)
		if n > ssmMaxBatchSize {
			n = ssmMaxBatchSize
		}
		batch := keys[:n]
		keys = keys[n:]

		if err := p.fetchBatch(ctx, batch, resolved); err != nil {
			return nil, err
		}
	}

	return resolved, nil
}

// fetchBatch resolves one GetParameters page into dst.
func (p *SSMProvider) fetchBatch(ctx context.Context, batch []string, dst map[string]string) error {
	output, err := p.client.GetParameters(ctx, &ssm.GetParametersInput{
		Names:          batch,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("SSM GetParameters failed for %d parameters: %w", len(batch), err)
	}
	if len(output.InvalidParameters) > 0 {
		return fmt.Errorf("SSM parameters not found: %v", output.InvalidParameters)
	}

	for _, param := range output.Parameters {
		if param.Name != nil && param.Value != nil {
			dst[*param.Name] = *param.Value
		}
	}
	return nil
}
