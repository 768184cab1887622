package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"filerelay/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// ErrBlobNotFound marks a durable-store miss.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the durable cache tier for raw content bytes. The content
// type travels with the object so a later hit answers with the same header
// the upstream fetch did.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) error
	// Get returns the stored stream and content type, or ErrBlobNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
}

type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

func NewS3Store(cfg *config.Config) (*S3Store, error) {
	s3Opts := []func(*s3.Options){}

	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true // required for MinIO-style endpoints
		})
	}

	credsProvider := credentials.NewStaticCredentialsProvider(
		cfg.S3AccessKeyID,
		cfg.S3SecretAccessKey,
		"",
	)

	awsCfg := aws.Config{
		Region:      cfg.S3Region,
		Credentials: credsProvider,
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	log.Info().Str("endpoint", cfg.S3Endpoint).Str("bucket", cfg.S3BucketName).Msg("blob store initialized")

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3BucketName,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}

	_, err := s.uploader.Upload(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to upload blob %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, "", ErrBlobNotFound
		}
		return nil, "", fmt.Errorf("failed to get blob %s: %w", key, err)
	}
	return out.Body, aws.ToString(out.ContentType), nil
}
