package remote

import (
	"fmt"
	"sort"
	"strings"
)

// S3 provider names accepted in S3Config.Provider.
const (
	ProviderAWS   = "aws"
	ProviderMinIO = "minio"
	ProviderR2    = "r2"
)

// S3Config configures the S3 backend. Provider presets fill in the endpoint,
// region and addressing style; explicit values win.
type S3Config struct {
	Provider        string `mapstructure:"provider"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccountID       string `mapstructure:"account_id"` // R2 only
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Prefix          string `mapstructure:"prefix"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	UseSSL          bool   `mapstructure:"use_ssl"` // MinIO only
}

// awsRegions lists the AWS regions the AWS preset accepts.
var awsRegions = map[string]struct{}{
	"us-east-1": {}, "us-east-2": {}, "us-west-1": {}, "us-west-2": {},
	"eu-west-1": {}, "eu-west-2": {}, "eu-west-3": {}, "eu-central-1": {},
	"eu-north-1": {}, "eu-south-1": {},
	"ap-northeast-1": {}, "ap-northeast-2": {}, "ap-northeast-3": {},
	"ap-southeast-1": {}, "ap-southeast-2": {}, "ap-south-1": {},
	"ca-central-1": {}, "sa-east-1": {}, "me-south-1": {}, "af-south-1": {},
}

// Resolve validates cfg and applies the provider preset.
func (c S3Config) Resolve() (S3Config, error) {
	if c.Bucket == "" {
		return c, fmt.Errorf("s3: bucket is required")
	}
	switch strings.ToLower(c.Provider) {
	case "", ProviderAWS:
		c.Provider = ProviderAWS
		if c.Region == "" {
			c.Region = "us-east-1"
		}
		if c.Endpoint == "" && !IsSupportedAWSRegion(c.Region) {
			return c, fmt.Errorf("s3: unknown AWS region: %s", c.Region)
		}
	case ProviderMinIO:
		c.Provider = ProviderMinIO
		endpoint, err := ParseMinIOEndpoint(c.Endpoint, c.UseSSL)
		if err != nil {
			return c, err
		}
		c.Endpoint = endpoint
		// MinIO ignores regions but the signer needs one.
		if c.Region == "" {
			c.Region = "us-east-1"
		}
		c.UsePathStyle = true
	case ProviderR2:
		c.Provider = ProviderR2
		if c.Endpoint == "" {
			if !IsValidR2AccountID(c.AccountID) {
				return c, fmt.Errorf("s3: invalid R2 account id %q", c.AccountID)
			}
			c.Endpoint = "https://" + R2EndpointForAccount(c.AccountID)
		}
		c.Region = "auto"
	default:
		return c, fmt.Errorf("s3: unknown provider %q", c.Provider)
	}
	if c.Prefix != "" && !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	return c, nil
}

// IsSupportedAWSRegion reports whether region is a known AWS region.
func IsSupportedAWSRegion(region string) bool {
	_, ok := awsRegions[region]
	return ok
}

// SupportedAWSRegions returns the known AWS regions, sorted.
func SupportedAWSRegions() []string {
	regions := make([]string, 0, len(awsRegions))
	for region := range awsRegions {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

// ParseMinIOEndpoint adds a scheme when missing and strips a trailing slash.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("s3: endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}

// R2EndpointForAccount returns the R2 host for an account id.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID checks for a 32 character hex id.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
