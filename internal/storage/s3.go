package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config は S3 互換ストレージ（MinIO 等）への接続設定です。
type S3Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	BucketPrefix string
}

// S3 は S3 互換ストレージに保存する実装です。
type S3 struct {
	client *s3.Client
	prefix string
}

// NewS3 は S3 クライアントを初期化します。
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO はパススタイルでのみバケットを解決できる
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &S3{client: client, prefix: cfg.BucketPrefix}, nil
}

func (s *S3) bucket(name string) string {
	return s.prefix + name
}

func (s *S3) EnsureBuckets(ctx context.Context, buckets []string) error {
	for _, name := range buckets {
		bucket := s.bucket(name)
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		if err == nil {
			continue
		}
		var notFound *s3types.NotFound
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
		}
		if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
			var owned *s3types.BucketAlreadyOwnedByYou
			if errors.As(err, &owned) {
				continue
			}
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func (s *S3) Put(ctx context.Context, obj Object, r io.Reader, size int64, contentType string) error {
	if err := obj.Validate(); err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket(obj.Bucket)),
		Key:    aws.String(obj.Key),
		Body:   r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put object %s: %w", obj, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, obj Object) (io.ReadCloser, int64, error) {
	if err := obj.Validate(); err != nil {
		return nil, 0, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket(obj.Bucket)),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, obj)
		}
		return nil, 0, fmt.Errorf("failed to get object %s: %w", obj, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (s *S3) Delete(ctx context.Context, obj Object) error {
	if err := obj.Validate(); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket(obj.Bucket)),
		Key:    aws.String(obj.Key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", obj, err)
	}
	return nil
}
