// Package objectstore provides the S3-compatible object storage client:
// presigned URLs, uploads, deletes, existence checks, and ranged parallel
// downloads of large video objects.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/videolens/worker/internal/apperr"
)

// Config holds the object-store connection settings.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for S3-compatible endpoints
	AccessKeyID     string
	SecretAccessKey string
}

// Client wraps the S3 API for one bucket.
type Client struct {
	s3      *s3.Client
	presign *s3.PresignClient
	bucket  string
	logger  *slog.Logger
}

// New creates a Client. Static credentials are used when provided; a custom
// endpoint switches to path-style addressing for S3-compatible stores.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, "object store bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var configOpts []func(*awsconfig.LoadOptions) error
	configOpts = append(configOpts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	return &Client{
		s3:      client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		logger:  logger,
	}, nil
}

// PresignUpload returns a presigned PUT URL for the key.
func (c *Client) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if !ValidateKey(key) {
		return "", apperr.Newf(apperr.KindInvalidArgument, "invalid object key %q", key)
	}
	req, err := c.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransientExternal, "presign upload", err)
	}
	return req.URL, nil
}

// PresignDownload returns a presigned GET URL for the key. When
// downloadFilename is set, a content-disposition override makes the browser
// save with that name.
func (c *Client) PresignDownload(ctx context.Context, key string, ttl time.Duration, downloadFilename string) (string, error) {
	if !ValidateKey(key) {
		return "", apperr.Newf(apperr.KindInvalidArgument, "invalid object key %q", key)
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if downloadFilename != "" {
		input.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", downloadFilename))
	}
	req, err := c.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransientExternal, "presign download", err)
	}
	return req.URL, nil
}

// Upload writes body to the key.
func (c *Client) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	if !ValidateKey(key) {
		return apperr.Newf(apperr.KindInvalidArgument, "invalid object key %q", key)
	}
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindTransientExternal, "upload object", err)
	}
	return nil
}

// Download reads the whole object at key. Used for small result objects; use
// DownloadRanged for video sources.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.Wrap(apperr.KindNotFound, "object not found", err)
		}
		return nil, apperr.Wrap(apperr.KindTransientExternal, "get object", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientExternal, "read object body", err)
	}
	return data, nil
}

// Delete removes the object at key. Deleting an absent object is not an
// error.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindTransientExternal, "delete object", err)
	}
	return nil
}

// Exists reports whether the key exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.KindTransientExternal, "head object", err)
	}
	return true, nil
}

// ContentLength returns the object size in bytes.
func (c *Client) ContentLength(ctx context.Context, key string) (int64, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, apperr.Wrap(apperr.KindNotFound, "object not found", err)
		}
		return 0, apperr.Wrap(apperr.KindTransientExternal, "head object", err)
	}
	if out.ContentLength == nil {
		return 0, apperr.New(apperr.KindTransientExternal, "object has no content length")
	}
	return *out.ContentLength, nil
}

func isNotFound(err error) bool {
	var notFound *s3types.NotFound
	var noKey *s3types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noKey)
}
