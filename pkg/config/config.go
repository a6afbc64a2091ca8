// Package config reads the guardian's runtime configuration from
// environment variables. Nothing else alters behavior.
package config

import "os"

// Config holds the runtime configuration.
type Config struct {
	// DataDir is the root of the file-backed stores (dev and tests).
	DataDir string
	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string
	// Environment selects the SSM parameter namespace (dev, staging, prod).
	Environment string
	// AWSRegion configures the cloud adapters.
	AWSRegion string
	// TableName is the DynamoDB table of the cloud record stores.
	TableName string
	// BucketName is the S3 bucket holding baselines.
	BucketName string
	// ParamPrefix overrides the SSM parameter prefix; empty uses
	// /guardian/<environment>.
	ParamPrefix string
	// RedisAddr enables the redis block counter when non-empty.
	RedisAddr string
	// LicenseKey is the HMAC key for license token validation.
	LicenseKey string
	// GitHubToken authenticates the governance-state aggregator.
	GitHubToken string
	// OTLPEndpoint enables telemetry export when non-empty.
	OTLPEndpoint string
}

// Load reads configuration from the environment, applying dev defaults.
func Load() *Config {
	return &Config{
		DataDir:      getenv("GUARDIAN_DATA_DIR", ".guardian"),
		LogLevel:     getenv("LOG_LEVEL", "INFO"),
		Environment:  getenv("GUARDIAN_ENV", "dev"),
		AWSRegion:    getenv("AWS_REGION", "us-east-1"),
		TableName:    getenv("GUARDIAN_TABLE", "guardian-records"),
		BucketName:   getenv("GUARDIAN_BUCKET", "guardian-baselines"),
		ParamPrefix:  os.Getenv("GUARDIAN_PARAM_PREFIX"),
		RedisAddr:    os.Getenv("GUARDIAN_REDIS_ADDR"),
		LicenseKey:   os.Getenv("GUARDIAN_LICENSE_KEY"),
		GitHubToken:  os.Getenv("GITHUB_TOKEN"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
