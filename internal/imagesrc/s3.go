package imagesrc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of *s3.Client used for reading images.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type s3Source struct {
	client      S3API
	bucket, key string
	size        int64
}

// parseS3URL splits s3://bucket/key.
func parseS3URL(u string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(u, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%s: not an s3:// URL", u)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%s: want s3://bucket/key", u)
	}
	return bucket, key, nil
}

func openS3(ctx context.Context, u string, opts Options) (BlockSource, error) {
	bucket, key, err := parseS3URL(u)
	if err != nil {
		return nil, err
	}
	client := opts.S3
	if client == nil {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.S3Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		client = s3.NewFromConfig(cfg)
	}
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", u, err)
	}
	if head.ContentLength == nil {
		return nil, fmt.Errorf("%s: object size unknown", u)
	}
	size := aws.ToInt64(head.ContentLength)
	slog.Info("s3_image_found", "bucket", bucket, "key", key, "size", size)
	return &s3Source{
		client: client,
		bucket: bucket,
		key:    key,
		size:   size,
	}, nil
}

func (s *s3Source) Name() string { return "s3://" + s.bucket + "/" + s.key }
func (s *s3Source) Size() int64 { return s.size }
func (s *s3Source) Close() error { return nil }

func (s *s3Source) Open(ctx context.Context) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	return out.Body, nil
}
