// Package awsclient loads the shared AWS SDK configuration.
package awsclient

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"

	"spotetl/pkg/config"
)

const httpTimeout = 30 * time.Second

// Load resolves credentials through the default chain and applies the region
// and optional endpoint override (LocalStack and similar).
func Load(ctx context.Context, cfg config.AWS, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(&http.Client{Timeout: httpTimeout}),
	}
	if region := strings.TrimSpace(cfg.Region); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	opts = append(opts, optFns...)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(endpoint)
	}
	return awsCfg, nil
}

// Fallback builds a config without reading shared files or the environment.
// Credentials come from the instance profile only. It is used when Load fails
// on a compute unit and an outcome still has to be published.
func Fallback(cfg config.AWS) aws.Config {
	awsCfg := aws.Config{
		Region:      strings.TrimSpace(cfg.Region),
		Credentials: aws.NewCredentialsCache(ec2rolecreds.New()),
		HTTPClient:  &http.Client{Timeout: httpTimeout},
	}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(endpoint)
	}
	return awsCfg
}
