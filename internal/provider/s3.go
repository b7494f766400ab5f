package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures an S3-compatible destination bucket.
type S3Options struct {
	Name           string
	Endpoint       string
	Region         string
	Bucket         string
	KeyPrefix      string
	ForcePathStyle bool
}

// S3Client delivers files to an S3-compatible bucket. Credentials are
// carried in the stored access token as a JSON key pair, so the same
// lifecycle machinery serves both OAuth and key-based providers.
type S3Client struct {
	opts S3Options
}

type s3Keys struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken,omitempty"`
}

func NewS3Client(opts S3Options) (*S3Client, error) {
	if strings.TrimSpace(opts.Region) == "" {
		return nil, errors.New("region is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if opts.Endpoint != "" {
		if _, err := url.Parse(opts.Endpoint); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = "s3_compatible"
	}
	return &S3Client{opts: opts}, nil
}

func (c *S3Client) Name() string { return c.opts.Name }

func (c *S3Client) api(ctx context.Context, creds Credentials) (*s3.Client, error) {
	var keys s3Keys
	if err := json.Unmarshal([]byte(creds.AccessToken), &keys); err != nil {
		return nil, fmt.Errorf("invalid credentials: expected JSON key pair: %w", err)
	}
	if keys.AccessKeyID == "" || keys.SecretAccessKey == "" {
		return nil, errors.New("invalid credentials: missing key pair")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...any) (aws.Endpoint, error) {
		if service == s3.ServiceID && c.opts.Endpoint != "" {
			return aws.Endpoint{
				URL:               c.opts.Endpoint,
				SigningRegion:     c.opts.Region,
				HostnameImmutable: true,
			}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(c.opts.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(keys.AccessKeyID, keys.SecretAccessKey, keys.SessionToken)),
		config.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = c.opts.ForcePathStyle
	}), nil
}

func (c *S3Client) Upload(ctx context.Context, creds Credentials, localPath, filename string) (string, error) {
	api, err := c.api(ctx, creds)
	if err != nil {
		return "", err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := path.Join(c.opts.KeyPrefix, filename)
	if _, err := api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return "", err
	}
	return key, nil
}

func (c *S3Client) CheckConnection(ctx context.Context, creds Credentials) error {
	api, err := c.api(ctx, creds)
	if err != nil {
		return err
	}
	_, err = api.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.opts.Bucket),
	})
	return err
}
