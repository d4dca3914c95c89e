package protocol

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client streams objects addressed as s3://bucket/key. The AWS
// configuration is loaded on first use from the usual environment,
// shared config files and instance metadata.
type S3Client struct {
	profile   string
	region    string
	endpoint  string
	pathStyle bool
	accessKey string
	secretKey string

	once   sync.Once
	client *s3.Client
	err    error
}

// S3ClientOption configures S3Client.
type S3ClientOption func(*S3Client)

// WithS3Profile selects a shared config profile.
func WithS3Profile(profile string) S3ClientOption {
	return func(c *S3Client) {
		c.profile = profile
	}
}

// WithS3Region overrides the configured region.
func WithS3Region(region string) S3ClientOption {
	return func(c *S3Client) {
		c.region = region
	}
}

// WithS3Endpoint points the client at an S3-compatible service such as
// MinIO. Such services usually need path-style addressing.
func WithS3Endpoint(endpoint string, pathStyle bool) S3ClientOption {
	return func(c *S3Client) {
		c.endpoint = endpoint
		c.pathStyle = pathStyle
	}
}

// WithS3StaticCredentials uses a fixed key pair instead of the default
// credential chain.
func WithS3StaticCredentials(accessKey, secretKey string) S3ClientOption {
	return func(c *S3Client) {
		c.accessKey = accessKey
		c.secretKey = secretKey
	}
}

// NewS3Client creates an S3 client.
func NewS3Client(opts ...S3ClientOption) *S3Client {
	c := &S3Client{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Supports reports whether the URL uses the s3 scheme.
func (c *S3Client) Supports(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, "s3")
}

func (c *S3Client) load(ctx context.Context) (*s3.Client, error) {
	c.once.Do(func() {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if c.profile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(c.profile))
		}
		if c.region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(c.region))
		}
		if c.accessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(c.accessKey, c.secretKey, "")))
		}

		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			c.err = fmt.Errorf("loading AWS config: %w", err)
			return
		}

		c.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if c.endpoint != "" {
				o.BaseEndpoint = aws.String(c.endpoint)
			}
			o.UsePathStyle = c.pathStyle
		})
	})
	return c.client, c.err
}

// Open starts a GetObject for the bucket and key of rawURL.
func (c *S3Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, *Metadata, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing URL: %w", err)
	}
	bucket := parsed.Host
	key := strings.TrimPrefix(parsed.Path, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return nil, nil, fmt.Errorf("s3 URL must name an object: %s", rawURL)
	}

	client, err := c.load(ctx)
	if err != nil {
		return nil, nil, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("getting s3://%s/%s: %w", bucket, key, err)
	}

	meta := &Metadata{
		URL:           rawURL,
		Filename:      path.Base(key),
		ContentLength: aws.ToInt64(out.ContentLength),
		ContentType:   aws.ToString(out.ContentType),
		Protocol:      "S3",
	}
	if out.ContentLength == nil {
		meta.ContentLength = -1
	}
	if out.LastModified != nil {
		meta.LastModified = *out.LastModified
	}
	return out.Body, meta, nil
}
