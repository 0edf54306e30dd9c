package schema

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shogotsuneto/go-simple-ingest/codec"
)

// S3Config locates schema definitions stored as objects.
type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	// KeyPrefix is prepended to "<source id>.avsc"
	KeyPrefix       string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type awsS3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Provider reads the current schema of a source from an object store.
type S3Provider struct {
	bucket string
	prefix string
	api    awsS3API
}

// NewS3Provider returns an AWS-backed schema provider.
func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3 region required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3ProviderWithAPI(cfg.Bucket, cfg.KeyPrefix, client), nil
}

func newS3ProviderWithAPI(bucket, prefix string, api awsS3API) *S3Provider {
	return &S3Provider{bucket: bucket, prefix: prefix, api: api}
}

func (p *S3Provider) key(sourceID string) string {
	return p.prefix + sourceID + ".avsc"
}

// CurrentSchema downloads the schema object of the source.
func (p *S3Provider) CurrentSchema(ctx context.Context, sourceID string) (*codec.Schema, error) {
	key := p.key(sourceID)
	resp, err := p.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("schema object %s is empty", key)
	}
	return &codec.Schema{Subject: sourceID, Definition: string(data)}, nil
}
