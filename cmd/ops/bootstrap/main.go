// Package main implements the bootstrap CLI for the LeadScout billing engine.
//
// The tool guides an operator through first-time environment setup: it
// collects the external provider credentials, generates the internal
// service-to-service secrets, and writes everything to AWS SSM Parameter
// Store under the paths the config loader resolves at startup.
//
// Usage:
//
//	go run ./cmd/ops/bootstrap --env=dev
//	go run ./cmd/ops/bootstrap --env=prod --profile=leadscout-prod --region=us-east-1
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// validEnvironments are the deployable targets. "local" is excluded: local
// development reads a .env file and never touches SSM.
var validEnvironments = map[string]bool{
	"dev":     true,
	"staging": true,
	"prod":    true,
}

// promptedSecret is one external credential the operator must supply.
type promptedSecret struct {
	// Path is the category/key portion of the SSM path.
	Path string
	// Prompt is shown to the operator.
	Prompt string
}

// promptedSecrets is the external credential inventory, in collection order.
var promptedSecrets = []promptedSecret{
	{Path: "database/url", Prompt: "PostgreSQL connection URL (postgres://...)"},
	{Path: "stripe/secret_key", Prompt: "Stripe secret key (sk_...)"},
	{Path: "stripe/webhook_secret", Prompt: "Stripe webhook signing secret (whsec_...)"},
	{Path: "mercadopago/access_token", Prompt: "Mercado Pago access token (APP_USR-...)"},
	{Path: "mercadopago/webhook_secret", Prompt: "Mercado Pago webhook secret"},
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	env := flag.String("env", "", "target environment (dev|staging|prod)")
	profile := flag.String("profile", "", "AWS CLI profile (optional)")
	region := flag.String("region", "us-east-1", "AWS region")
	flag.Parse()

	if err := run(context.Background(), logger, *env, *profile, *region); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, env, profile, region string) error {
	if !validEnvironments[env] {
		return fmt.Errorf("invalid --env %q (expected dev, staging, or prod)", env)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}

	// Verify the active identity before writing anything.
	identCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	ident, err := sts.NewFromConfig(awsCfg).GetCallerIdentity(identCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("verifying AWS identity: %w", err)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Printf("LeadScout bootstrap\n")
	fmt.Printf("  environment: %s\n", env)
	fmt.Printf("  region:      %s\n", region)
	fmt.Printf("  account:     %s\n", aws.ToString(ident.Account))
	fmt.Printf("  identity:    %s\n\n", aws.ToString(ident.Arn))

	if env == "prod" {
		fmt.Print("You are about to write PRODUCTION parameters. Type \"yes\" to continue: ")
		answer, _ := reader.ReadString('\n')
		if strings.TrimSpace(answer) != "yes" {
			return fmt.Errorf("aborted by operator")
		}
	}

	manager := NewSSMManager(awsCfg, env, logger)
	return bootstrap(ctx, manager, reader, logger)
}

// bootstrap walks the secret inventory: prompted external credentials first,
// then the generated internal secrets. Existing parameters are left alone so
// re-running the tool only fills gaps.
func bootstrap(ctx context.Context, manager *SSMManager, reader *bufio.Reader, logger *slog.Logger) error {
	for _, s := range promptedSecrets {
		path := manager.SSMPath(s.Path)

		exists, err := manager.ParameterExists(ctx, path)
		if err != nil {
			return err
		}
		if exists {
			logger.Info("parameter already set, skipping", "path", path)
			continue
		}

		fmt.Printf("%s\n> ", s.Prompt)
		value, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.Path, err)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return fmt.Errorf("empty value for %s", s.Path)
		}

		if err := manager.PutSecret(ctx, path, value, false); err != nil {
			return err
		}
	}

	return writeInternalSecrets(ctx, manager, logger)
}

// writeInternalSecrets generates and stores the service token (plaintext for
// the calling application, bcrypt hash for this engine) and the cron trigger
// secret. Values are never printed.
func writeInternalSecrets(ctx context.Context, manager *SSMManager, logger *slog.Logger) error {
	tokenPath := manager.SSMPath("security/service_token")
	hashPath := manager.SSMPath("security/service_token_hash")
	cronPath := manager.SSMPath("jobs/cron_secret")

	exists, err := manager.ParameterExists(ctx, tokenPath)
	if err != nil {
		return err
	}
	if !exists {
		token, err := GenerateSecureToken()
		if err != nil {
			return err
		}
		hash, err := HashServiceToken(token)
		if err != nil {
			return err
		}
		if err := manager.PutSecret(ctx, tokenPath, token, false); err != nil {
			return err
		}
		// The hash must be overwritable: it is derived from the token and the
		// two must never drift apart.
		if err := manager.PutSecret(ctx, hashPath, hash, true); err != nil {
			return err
		}
	} else {
		logger.Info("service token already set, skipping", "path", tokenPath)
	}

	exists, err = manager.ParameterExists(ctx, cronPath)
	if err != nil {
		return err
	}
	if !exists {
		secret, err := GenerateSecureToken()
		if err != nil {
			return err
		}
		if err := manager.PutSecret(ctx, cronPath, secret, false); err != nil {
			return err
		}
	} else {
		logger.Info("cron secret already set, skipping", "path", cronPath)
	}

	logger.Info("bootstrap complete")
	return nil
}
