// Package storage archives reconciliation run records outside the database.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/erp/invoicesync/internal/domain/integration"
	"github.com/erp/invoicesync/internal/infrastructure/config"
	"go.uber.org/zap"
)

var _ integration.RunArchive = (*S3RunArchive)(nil)

const (
	defaultS3Endpoint = "http://localhost:9000"
	defaultS3Region   = "us-east-1"
	defaultRunPrefix  = "reconciliation-runs"
)

// S3RunArchive stores one JSON object per run under
// <prefix>/YYYY/MM/DD/<run id>.json in any S3-compatible bucket.
type S3RunArchive struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// S3RunArchiveOption configures an S3RunArchive
type S3RunArchiveOption func(*S3RunArchive)

// WithLogger sets the archive logger
func WithLogger(logger *zap.Logger) S3RunArchiveOption {
	return func(s *S3RunArchive) {
		s.logger = logger
	}
}

// NewS3RunArchive builds an archive from cfg. Static credentials are
// required; the endpoint defaults to a local MinIO.
func NewS3RunArchive(cfg *config.S3Config, opts ...S3RunArchiveOption) (*S3RunArchive, error) {
	if err := validateS3Config(cfg); err != nil {
		return nil, err
	}
	endpoint, err := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = defaultS3Region
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	archive := &S3RunArchive{
		client: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.UsePathStyle
			o.BaseEndpoint = aws.String(endpoint)
		}),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: zap.NewNop(),
	}
	if archive.prefix == "" {
		archive.prefix = defaultRunPrefix
	}
	for _, opt := range opts {
		opt(archive)
	}
	return archive, nil
}

func validateS3Config(cfg *config.S3Config) error {
	if cfg == nil {
		return errors.New("s3 configuration is required")
	}
	var errs []error
	if cfg.Bucket == "" {
		errs = append(errs, errors.New("s3 bucket is required"))
	}
	if cfg.AccessKey == "" {
		errs = append(errs, errors.New("s3 access key is required"))
	}
	if cfg.SecretKey == "" {
		errs = append(errs, errors.New("s3 secret key is required"))
	}
	return errors.Join(errs...)
}

// normalizeEndpoint adds the scheme a bare host:port lacks
func normalizeEndpoint(raw string, useSSL bool) (string, error) {
	if raw == "" {
		return defaultS3Endpoint, nil
	}
	if !strings.Contains(raw, "://") {
		scheme := "http://"
		if useSSL {
			scheme = "https://"
		}
		raw = scheme + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid s3 endpoint %q", raw)
	}
	return raw, nil
}

// EnsureBucket creates the bucket when HeadBucket reports it missing
func (s *S3RunArchive) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}

	s.logger.Info("Creating archive bucket", zap.String("bucket", s.bucket))
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	var owned *types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &owned) {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Key returns the object key of rec
func (s *S3RunArchive) Key(rec *integration.ReconciliationRunRecord) string {
	return path.Join(s.prefix, rec.Timestamp.UTC().Format("2006/01/02"), rec.ID.String()+".json")
}

// Archive uploads rec. Records never change after they are written, so a
// retried upload rewrites identical content.
func (s *S3RunArchive) Archive(ctx context.Context, rec *integration.ReconciliationRunRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}

	key := s.Key(rec)
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"run-status": rec.Status.String(),
			"trigger":    string(rec.Trigger),
		},
	}); err != nil {
		return fmt.Errorf("upload run record %s: %w", key, err)
	}

	s.logger.Debug("Run record archived", zap.String("bucket", s.bucket), zap.String("key", key))
	return nil
}

// Bucket returns the bucket records are written to
func (s *S3RunArchive) Bucket() string {
	return s.bucket
}
