// Package audiostore fetches uploaded audio by object key, so submissions
// can reference audio already sitting in the application's bucket instead
// of re-uploading it through the API.
package audiostore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config selects the bucket and, optionally, a custom endpoint for
// MinIO-style local stacks.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	// MaxBytes caps how much audio a single fetch may return.
	MaxBytes int64
}

// S3Fetcher reads audio objects from S3.
type S3Fetcher struct {
	client   *s3.Client
	bucket   string
	maxBytes int64
}

// NewS3Fetcher builds the fetcher from AWS default credentials.
func NewS3Fetcher(ctx context.Context, cfg Config) (*S3Fetcher, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 100 * 1024 * 1024
	}
	return &S3Fetcher{client: client, bucket: cfg.Bucket, maxBytes: maxBytes}, nil
}

// Fetch reads the full object body.
func (f *S3Fetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(io.LimitReader(out.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("object %s too large (>%d bytes)", key, f.maxBytes)
	}
	return body, nil
}
