package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMClient is the subset of the AWS SSM API the bootstrap tool needs,
// extracted for testability.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// ssmOperationTimeout is the per-operation timeout for SSM API calls.
const ssmOperationTimeout = 15 * time.Second

// SSMManager wraps the SSM client with environment-aware path construction
// and value-safe logging.
type SSMManager struct {
	client SSMClient
	env    string
	logger *slog.Logger
}

// NewSSMManager creates an SSMManager over a real SSM client.
func NewSSMManager(awsCfg aws.Config, env string, logger *slog.Logger) *SSMManager {
	return NewSSMManagerWithClient(ssm.NewFromConfig(awsCfg), env, logger)
}

// NewSSMManagerWithClient creates an SSMManager with an injected client,
// intended for testing.
func NewSSMManagerWithClient(client SSMClient, env string, logger *slog.Logger) *SSMManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSMManager{client: client, env: env, logger: logger}
}

// SSMPath builds the absolute parameter path for a category/key, following
// the hierarchy the config loader's _SSM_PARAM bindings point at:
//
//	/{environment}/leadscout/{category}/{key}
func (m *SSMManager) SSMPath(categoryAndKey string) string {
	return fmt.Sprintf("/%s/leadscout/%s", m.env, categoryAndKey)
}

// ParameterExists probes for an existing parameter without decrypting it,
// so re-running the tool never overwrites values already in place.
func (m *SSMManager) ParameterExists(ctx context.Context, path string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := m.client.GetParameter(opCtx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking SSM parameter %q: %w", path, err)
	}
	return true, nil
}

// PutSecret writes a SecureString parameter. The value is never logged; only
// the path and a length indicator appear in output.
func (m *SSMManager) PutSecret(ctx context.Context, path string, value string, overwrite bool) error {
	if path == "" {
		return fmt.Errorf("SSM parameter path must not be empty")
	}
	if value == "" {
		return fmt.Errorf("SSM parameter value must not be empty for path %q", path)
	}

	opCtx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := m.client.PutParameter(opCtx, &ssm.PutParameterInput{
		Name:      aws.String(path),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(overwrite),
	})
	if err != nil {
		var alreadyExists *ssmtypes.ParameterAlreadyExists
		if errors.As(err, &alreadyExists) {
			return fmt.Errorf("SSM parameter %q already exists: %w", path, err)
		}
		return fmt.Errorf("writing SSM parameter %q: %w", path, err)
	}

	m.logger.Info("SSM parameter written",
		"path", path,
		"value_length", len(value),
	)
	return nil
}
