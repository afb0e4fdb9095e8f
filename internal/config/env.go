// Package config prepares the process environment before the authorization
// server reads its settings.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const secretsTimeout = 10 * time.Second

// SecretsClient is the subset of the Secrets Manager API used here.
type SecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadEnv pulls a JSON secret from AWS Secrets Manager into the environment
// when AWS_SECRETS_MANAGER_SECRET_ID is set, then loads .env files. Values
// already present in the environment win unless
// AWS_SECRETS_MANAGER_OVERWRITE=true.
func LoadEnv(ctx context.Context, defaultEnvPath string, logger *zap.SugaredLogger) {
	secretID := os.Getenv("AWS_SECRETS_MANAGER_SECRET_ID")
	if secretID == "" {
		secretID = os.Getenv("AWS_SECRET_ID")
	}
	if secretID != "" {
		if err := loadAWSSecretsIntoEnv(ctx, secretID, logger); err != nil {
			logger.Warnw("skipping AWS Secrets Manager load", "secret_id", secretID, "error", err)
		}
	}
	loadDotEnv(defaultEnvPath, logger)
}

func loadDotEnv(defaultEnvPath string, logger *zap.SugaredLogger) {
	envFile := os.Getenv("ENV_FILE_PATH")
	if envFile == "" {
		envFile = defaultEnvPath
	}

	if err := godotenv.Load(envFile); err != nil {
		if err := godotenv.Load(); err != nil {
			// Env is injected directly in Kubernetes.
			if os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
				logger.Debugw(".env file not found, using process environment", "path", envFile)
			}
		}
	}
}

func loadAWSSecretsIntoEnv(ctx context.Context, secretID string, logger *zap.SugaredLogger) error {
	ctx, cancel := context.WithTimeout(ctx, secretsTimeout)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if region := os.Getenv("AWS_SECRETS_MANAGER_REGION"); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	applied, err := ApplySecret(ctx, secretsmanager.NewFromConfig(cfg), secretID,
		os.Getenv("AWS_SECRETS_MANAGER_VERSION_STAGE"),
		strings.EqualFold(os.Getenv("AWS_SECRETS_MANAGER_OVERWRITE"), "true"),
	)
	if err != nil {
		return err
	}
	logger.Infow("loaded environment from AWS Secrets Manager", "secret_id", secretID, "applied", applied)
	return nil
}

// ApplySecret fetches secretID, which must hold a flat JSON object, and
// exports its entries as environment variables. It returns how many were set.
func ApplySecret(ctx context.Context, client SecretsClient, secretID, versionStage string, overwrite bool) (int, error) {
	if versionStage == "" {
		versionStage = "AWSCURRENT"
	}
	output, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(versionStage),
	})
	if err != nil {
		return 0, fmt.Errorf("fetching secret %s: %w", secretID, err)
	}

	var payload []byte
	switch {
	case output.SecretString != nil:
		payload = []byte(*output.SecretString)
	case len(output.SecretBinary) > 0:
		payload = output.SecretBinary
	default:
		return 0, errors.New("secret " + secretID + " has no payload")
	}

	var values map[string]interface{}
	if err := json.Unmarshal(payload, &values); err != nil {
		return 0, fmt.Errorf("parsing secret %s as JSON: %w", secretID, err)
	}

	applied := 0
	for key, val := range values {
		if !overwrite && os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return applied, fmt.Errorf("setting env %s from secret: %w", key, err)
		}
		applied++
	}
	return applied, nil
}
