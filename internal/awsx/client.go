// Package awsx wires up authenticated AWS service clients for the engine.
// Credential resolution follows the standard AWS chain (environment,
// shared config, instance metadata) unless static credentials are supplied.
package awsx

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
)

// Clients bundles the service clients the engine consumes. Both are safe for
// concurrent use by the monitor and log streamer loops.
type Clients struct {
	ECS    *ecs.Client
	Logs   *cloudwatchlogs.Client
	Region string
}

// Options controls client construction.
type Options struct {
	Region    string
	AccessKey string
	SecretKey string

	// Endpoint overrides the service endpoint, for localstack-style testing.
	Endpoint string

	HTTPTimeout time.Duration
}

// NewClientsFromEnv initialises Clients using environment variables.
//
// Optional environment variables:
//   - AWS_REGION (default "us-east-1").
//   - AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY: static credentials; when
//     absent the default chain is used.
//   - STOKER_AWS_ENDPOINT: endpoint override for local testing.
func NewClientsFromEnv(ctx context.Context) (*Clients, error) {
	opts := Options{
		Region:    os.Getenv("AWS_REGION"),
		AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		Endpoint:  strings.TrimSpace(os.Getenv("STOKER_AWS_ENDPOINT")),
	}
	return NewClients(ctx, opts)
}

// NewClients initialises Clients from explicit options.
func NewClients(ctx context.Context, opts Options) (*Clients, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts,
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
			),
		)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	ecsClient := ecs.NewFromConfig(cfg, func(o *ecs.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	logsClient := cloudwatchlogs.NewFromConfig(cfg, func(o *cloudwatchlogs.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	return &Clients{
		ECS:    ecsClient,
		Logs:   logsClient,
		Region: region,
	}, nil
}
