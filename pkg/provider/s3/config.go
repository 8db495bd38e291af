// Package s3 implements the provider interface for AWS S3 and S3-compatible
// storage.
package s3

import "github.com/3leaps/pcflow/pkg/awsauth"

// Config configures an S3 provider.
//
// Credentials and region resolve through awsauth: explicit keys, then the
// SDK default chain. For S3-compatible stores (MinIO, moto, Wasabi) set
// Endpoint and usually ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	Region   string
	Endpoint string
	Profile  string

	// AccessKeyID and SecretAccessKey must be set together.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path instead of the host name.
	ForcePathStyle bool

	// MaxKeys is the default page size for List operations.
	// Zero uses DefaultMaxKeys. Values over MaxAllowedKeys are clamped.
	MaxKeys int
}

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// AWS returns the credential and region settings for awsauth.Load.
func (c *Config) AWS() awsauth.Config {
	return awsauth.Config{
		Region:          c.Region,
		Profile:         c.Profile,
		Endpoint:        c.Endpoint,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
	}
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
