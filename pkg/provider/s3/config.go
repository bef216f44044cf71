// Package s3 writes run artifacts to AWS S3 or an S3-compatible store.
package s3

import (
	"fmt"
	"strings"
)

// DefaultAWSRegion is used when neither the config nor the SDK chain
// yields a region and no custom endpoint is set.
const DefaultAWSRegion = "us-east-1"

// Config mirrors the artifacts.s3 section. Credentials come from the SDK
// default chain unless AccessKeyID/SecretAccessKey are both set.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Profile  string

	// Prefix is prepended to every artifact key, e.g. "trainjobs/".
	Prefix string

	// ForcePathStyle is needed by most S3-compatible stores (MinIO etc).
	ForcePathStyle bool

	AccessKeyID     string
	SecretAccessKey string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "bucket", Message: "required"}
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return &ConfigError{Field: "access_key_id/secret_access_key", Message: "must be set together"}
	}
	for _, part := range strings.Split(c.Prefix, "/") {
		if part == ".." {
			return &ConfigError{Field: "prefix", Message: fmt.Sprintf("%q must not contain '..'", c.Prefix)}
		}
	}
	return nil
}

type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 artifact sink: " + e.Field + ": " + e.Message
}

// resolveRegion applies the us-east-1 fallback for AWS proper. sdkRegion
// already reflects an explicit Region, the environment or the profile.
func resolveRegion(endpoint, sdkRegion string) string {
	switch {
	case sdkRegion != "":
		return sdkRegion
	case endpoint == "":
		return DefaultAWSRegion
	default:
		return ""
	}
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
