package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the slice of the S3 client this provider needs, narrowed
// for mocking.
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Provider stores snapshots as objects under a key prefix.
type S3Provider struct {
	bucket string
	prefix string
	api    s3API
}

// NewS3Provider creates a provider over an existing S3 client.
func NewS3Provider(bucket, prefix string, api s3API) *S3Provider {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Provider{bucket: bucket, prefix: prefix, api: api}
}

// NewS3ProviderFromEnv creates a provider using the ambient AWS
// credential chain.
func NewS3ProviderFromEnv(ctx context.Context, bucket, prefix string) (*S3Provider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return NewS3Provider(bucket, prefix, s3.NewFromConfig(cfg)), nil
}

func (p *S3Provider) Read(ctx context.Context, key string) ([]byte, error) {
	out, err := p.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.prefix + key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading s3://%s/%s%s: %w", p.bucket, p.prefix, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (p *S3Provider) Write(ctx context.Context, key string, data []byte) error {
	_, err := p.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.prefix + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("writing s3://%s/%s%s: %w", p.bucket, p.prefix, key, err)
	}
	return nil
}

func (p *S3Provider) Delete(ctx context.Context, key string) error {
	_, err := p.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.prefix + key),
	})
	if err != nil {
		return fmt.Errorf("deleting s3://%s/%s%s: %w", p.bucket, p.prefix, key, err)
	}
	return nil
}

func (p *S3Provider) List(ctx context.Context) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(p.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", p.bucket, p.prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			keys = append(keys, strings.TrimPrefix(*obj.Key, p.prefix))
		}
	}
	return keys, nil
}
