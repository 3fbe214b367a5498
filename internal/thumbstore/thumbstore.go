// Package thumbstore serves generated thumbnails out of an S3 bucket.
//
// The thumbnail worker uploads one object per file under the key prefix; the
// manager only hands out short-lived presigned GET links and removes objects
// when their file is deleted.
package thumbstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a file has no thumbnail yet.
var ErrNotFound = errors.New("thumbnail not found")

const keyPrefix = "thumbnails/"

// Config configures a Store.
type Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	PresignTTL   time.Duration
}

// Store presigns and deletes thumbnail objects.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

// New creates a store. Credentials fall back to the default AWS chain when
// no static keys are configured.
func New(ctx context.Context, cfg Config) (*Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	log.Debug().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("thumbnail store initialized")

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		ttl:     ttl,
	}, nil
}

// Key is the object key of a file's thumbnail.
func Key(fileID string) string {
	return keyPrefix + fileID
}

// PresignThumbnail returns a time-limited GET link for a file's thumbnail.
func (s *Store) PresignThumbnail(ctx context.Context, fileID string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(fileID)),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign thumbnail %s: %w", fileID, err)
	}
	return req.URL, nil
}

// Exists reports whether a file has a thumbnail.
func (s *Store) Exists(ctx context.Context, fileID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(fileID)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("head thumbnail %s: %w", fileID, err)
}

// Delete removes a file's thumbnail. Missing thumbnails are not an error.
func (s *Store) Delete(ctx context.Context, fileID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(fileID)),
	})
	if err != nil {
		return fmt.Errorf("delete thumbnail %s: %w", fileID, err)
	}
	return nil
}
