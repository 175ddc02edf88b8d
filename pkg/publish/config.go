// Package publish uploads finished sink tables to S3 or S3-compatible storage.
package publish

import "github.com/3leaps/gamesync/pkg/manifest"

// DefaultAWSRegion is used for AWS S3 when neither the config nor the SDK
// chain names a region.
const DefaultAWSRegion = "us-east-1"

// Config is the upload destination. Without explicit keys the AWS SDK
// default chain supplies credentials, optionally from a named Profile.
// Endpoint targets S3-compatible stores such as MinIO or localstack.
type Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool
}

// FromManifest builds the destination of a job's publish section for scope.
// Custom endpoints get path-style addressing.
func FromManifest(p *manifest.PublishConfig, scope string) Config {
	return Config{
		Bucket:         p.Bucket,
		Prefix:         p.PublishPrefix(scope),
		Region:         p.Region,
		Endpoint:       p.Endpoint,
		Profile:        p.Profile,
		ForcePathStyle: p.ForcePathStyle || p.Endpoint != "",
	}
}

// WithCredentials returns c with explicit static keys.
func (c Config) WithCredentials(accessKeyID, secretAccessKey string) Config {
	c.AccessKeyID = accessKeyID
	c.SecretAccessKey = secretAccessKey
	return c
}

// Validate reports a missing bucket or a half-specified key pair.
func (c *Config) Validate() error {
	switch {
	case c.Bucket == "":
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	case (c.AccessKeyID == "") != (c.SecretAccessKey == ""):
		return &ConfigError{Field: "AccessKeyID/SecretAccessKey", Message: "access key ID and secret access key must be set together"}
	}
	return nil
}

// ConfigError is a rejected Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "publish config: " + e.Field + ": " + e.Message
}
