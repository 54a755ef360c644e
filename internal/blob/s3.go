package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds the parameters of an S3 compatible bucket (AWS S3 or MinIO)
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	Prefix       string
	UsePathStyle bool
}

// s3API is the subset of the S3 client used by the store
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type s3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Store creates a blob store on a single bucket, credentials come from the default AWS chain
func NewS3Store(ctx context.Context, cfg S3Config, optFns ...func(*s3.Options)) (Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob.bucket is required for the s3 backend")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	opts := append([]func(*s3.Options){func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}}, optFns...)

	return &s3Store{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *s3Store) Driver() Driver { return DriverS3 }

func (s *s3Store) key(blobID string) string {
	return s.prefix + blobID
}

func (s *s3Store) Put(ctx context.Context, data []byte, contentType string) (Info, error) {
	info := Describe(data, contentType)

	exists, err := s.Exists(ctx, info.BlobID)
	if err != nil {
		return Info{}, err
	}
	if exists {
		return info, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(info.BlobID)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(info.ContentType),
		ContentLength: aws.Int64(info.ContentLength),
		Metadata:      map[string]string{"md5": info.MD5},
	})
	if err != nil {
		return Info{}, fmt.Errorf("failed to put blob %s: %w", info.BlobID, err)
	}
	return info, nil
}

func (s *s3Store) Get(ctx context.Context, blobID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(blobID)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get blob %s: %w", blobID, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", blobID, err)
	}
	return data, nil
}

func (s *s3Store) Exists(ctx context.Context, blobID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(blobID)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head blob %s: %w", blobID, err)
	}
	return true, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
