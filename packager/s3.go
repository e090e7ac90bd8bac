package packager

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
)

// BlobStore saves opaque byte payloads and hands back the URL a task
// container can fetch them from.
type BlobStore interface {
	Save(ctx context.Context, key string, data []byte) (string, error)
}

type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.BadRequestf("s3 bucket is required")
	}
	return nil
}

// S3Store is the default blob store for code packages.
type S3Store struct {
	client *awss3.Client
	bucket string
	prefix string
}

var _ BlobStore = &S3Store{}

func NewS3Store(ctx context.Context, cfg *S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Annotatef(err, "load aws config")
	}

	var s3Opts []func(*awss3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return &S3Store{
		client: awss3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3Store) Save(ctx context.Context, key string, data []byte) (string, error) {
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", errors.Annotatef(err, "upload s3://%s/%s", s.bucket, key)
	}
	url := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	log.Debugf("uploaded %d bytes to %s", len(data), url)
	return url, nil
}

// Upload puts the code package at its content address, so re-runs of
// unchanged code reuse the existing object.
func Upload(ctx context.Context, store BlobStore, pkg *Package) (string, error) {
	url, err := store.Save(ctx, pkg.SHA+"/"+packageFileName, pkg.Data)
	return url, errors.Trace(err)
}
