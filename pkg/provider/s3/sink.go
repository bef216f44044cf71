package s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/3leaps/trainjobs/pkg/provider"
)

// objectAPI is the part of *s3.Client the sink calls.
type objectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Sink implements provider.Sink on a single bucket.
type Sink struct {
	api    objectAPI
	bucket string
	prefix string
}

var _ provider.Sink = (*Sink)(nil)

// New resolves AWS configuration and returns a sink for cfg.Bucket.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderS3, Bucket: cfg.Bucket, Err: err}
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newSink(client, cfg), nil
}

func newSink(api objectAPI, cfg Config) *Sink {
	return &Sink{api: api, bucket: cfg.Bucket, prefix: normalizePrefix(cfg.Prefix)}
}

func (s *Sink) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, s.wrap("Head", key, err)
	}
	return &provider.ObjectMeta{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
	}, nil
}

// PutObject uploads body. A negative contentLength lets the SDK work it out.
func (s *Sink) PutObject(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        body,
		ContentType: aws.String(contentTypeFor(key)),
	}
	if contentLength >= 0 {
		in.ContentLength = aws.Int64(contentLength)
	}
	if _, err := s.api.PutObject(ctx, in); err != nil {
		return s.wrap("PutObject", key, err)
	}
	return nil
}

func (s *Sink) Close() error { return nil }

func (s *Sink) objectKey(key string) string {
	return s.prefix + strings.TrimPrefix(key, "/")
}

func (s *Sink) wrap(op, key string, err error) error {
	return &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderS3,
		Bucket:   s.bucket,
		Key:      key,
		Err:      classify(err),
	}
}

var codeErrors = map[string]error{
	"NoSuchKey":             provider.ErrNotFound,
	"NotFound":              provider.ErrNotFound,
	"NoSuchBucket":          provider.ErrBucketNotFound,
	"AccessDenied":          provider.ErrAccessDenied,
	"Forbidden":             provider.ErrAccessDenied,
	"InvalidAccessKeyId":    provider.ErrInvalidCredentials,
	"SignatureDoesNotMatch": provider.ErrInvalidCredentials,
	"SlowDown":              provider.ErrThrottled,
	"Throttling":            provider.ErrThrottled,
	"RequestLimitExceeded":  provider.ErrThrottled,
	"ServiceUnavailable":    provider.ErrProviderUnavailable,
	"InternalError":         provider.ErrProviderUnavailable,
}

var statusErrors = map[int]error{
	http.StatusNotFound:           provider.ErrNotFound,
	http.StatusForbidden:          provider.ErrAccessDenied,
	http.StatusTooManyRequests:    provider.ErrThrottled,
	http.StatusServiceUnavailable: provider.ErrProviderUnavailable,
}

// classify maps SDK errors onto the provider sentinels, falling back to
// the raw error.
func classify(err error) error {
	var (
		notFound     *types.NotFound
		noSuchKey    *types.NoSuchKey
		noSuchBucket *types.NoSuchBucket
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return provider.ErrNotFound
	case errors.As(err, &noSuchBucket):
		return provider.ErrBucketNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if mapped, ok := codeErrors[apiErr.ErrorCode()]; ok {
			return mapped
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		if mapped, ok := statusErrors[respErr.HTTPStatusCode()]; ok {
			return mapped
		}
	}
	return err
}

func contentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".md"):
		return "text/markdown; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
