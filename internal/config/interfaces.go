package config

import "context"

// SecretProvider resolves secret references to plaintext values. Deployed
// environments use AWS SSM Parameter Store; local development reads straight
// from the OS environment. LoadConfig only depends on this interface, so
// tests can inject a fake.
type SecretProvider interface {
	// GetParametersBatch resolves the given parameter paths and returns a
	// map of path to plaintext value. Implementations decide how to batch
	// the lookups; callers pass every path in one call.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
