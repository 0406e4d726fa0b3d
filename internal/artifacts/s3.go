// Package artifacts uploads run artifacts to S3 compatible object storage.
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/grltest/grlctl/internal/config"
	apperrors "github.com/grltest/grlctl/internal/errors"
)

const defaultRegion = "us-east-1"

// S3Uploader puts artifact files under <prefix><run-id>/ in a bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Uploader builds an uploader from the artifacts config. It returns
// nil, nil when no bucket is configured.
func NewS3Uploader(ctx context.Context, cfg config.Artifacts, logger *zap.Logger) (*S3Uploader, error) {
	if cfg.S3Bucket == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	region := cfg.S3Region
	if region == "" {
		region = defaultRegion
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeArtifactUploadFailed, "load AWS config", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.S3Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			// MinIO and most self-hosted stores need path-style addressing.
			o.UsePathStyle = true
		})
	}

	return &S3Uploader{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.S3Bucket,
		prefix: normalizePrefix(cfg.S3Prefix),
		logger: logger,
	}, nil
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// Key returns the object key for a file of the given run.
func (u *S3Uploader) Key(runID, file string) string {
	return u.prefix + path.Join(runID, filepath.Base(file))
}

// Upload puts each file. It stops at the first failure.
func (u *S3Uploader) Upload(ctx context.Context, runID string, paths ...string) error {
	for _, p := range paths {
		if err := u.put(ctx, u.Key(runID, p), p); err != nil {
			return err
		}
	}
	return nil
}

func (u *S3Uploader) put(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeArtifactUploadFailed, "open "+file, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeArtifactUploadFailed, "stat "+file, err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentType:   aws.String(contentType(file)),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeArtifactUploadFailed, fmt.Sprintf("put s3://%s/%s", u.bucket, key), err)
	}

	u.logger.Info("uploaded artifact",
		zap.String("bucket", u.bucket),
		zap.String("key", key),
		zap.Int64("size_bytes", info.Size()),
	)
	return nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".json":
		return "application/json"
	case ".log", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
