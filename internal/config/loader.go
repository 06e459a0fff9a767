// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs in period math.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Scan environment for _SSM_PARAM suffix variables.
//  4. If APP_ENV != "local", resolve SSM parameters via the SecretProvider
//     and inject the resolved values back into the environment.
//  5. Use envconfig to process struct tags and populate the Config struct.
//  6. Populate BuildInfo from linker-injected variables.
//  7. Validate the struct using go-playground/validator.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid
// debugging. It wraps a ConfigErrorType and an underlying error.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks environment variables that point at an SSM parameter
// path instead of carrying the value directly. For example,
// STRIPE_SECRET_KEY_SSM_PARAM holds the SSM path for STRIPE_SECRET_KEY.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// loaderDeps holds the injectable environment accessors, enabling tests to
// run without mutating global state.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the billing engine configuration.
//
// The provider parameter is the SecretProvider used for SSM resolution. For
// local development the provider may be nil (SSM resolution is skipped).
// For non-local environments with _SSM_PARAM bindings, it must be non-nil.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	// All period arithmetic (grace windows, proration) assumes UTC.
	time.Local = time.UTC

	// .env is optional and never overrides existing environment variables.
	_ = godotenv.Load()

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}

// ResolveSecrets performs the SSM secret resolution step in isolation,
// without loading or validating the full Config struct. Lambda entry points
// that read individual env vars directly call this early in main(), before
// any os.Getenv() that depends on SSM-resolved values.
//
// No-op when APP_ENV is "local" or no _SSM_PARAM variables exist.
func ResolveSecrets(provider SecretProvider) error {
	appEnv, _ := os.LookupEnv("APP_ENV")
	if appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// resolveSSMParams scans the environment for variables ending in
// _SSM_PARAM, fetches the corresponding secret values via the
// SecretProvider, and injects them back into the environment so that
// envconfig can process them.
//
// If the target variable is already set (direct env var or .env file), SSM
// resolution is skipped for it; the priority chain is Env > Dotenv > SSM.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	// targetByPath maps SSM path -> target env var for reverse lookup after
	// batch retrieval.
	targetByPath := make(map[string]string)
	var paths []string

	for _, entry := range deps.environ() {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			continue
		}
		key := entry[:eq]
		if !strings.HasSuffix(key, ssmParamSuffix) {
			continue
		}

		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		path := entry[eq+1:]
		if path == "" {
			continue
		}
		targetByPath[path] = target
		paths = append(paths, path)
	}

	if len(paths) == 0 {
		return nil
	}

	if provider == nil {
		targets := make([]string, 0, len(paths))
		for _, p := range paths {
			targets = append(targets, targetByPath[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, targetByPath[path])
			continue
		}
		if err := deps.setEnv(targetByPath[path], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", targetByPath[path]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}
