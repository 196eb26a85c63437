package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// S3Config holds the S3 sink settings. Credentials fall back to the default
// AWS chain when the static keys are empty.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"` // optional, e.g. MinIO
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

// S3Sink writes each digest set as an immutable object keyed by its Merkle
// root. Object storage with versioning or object lock makes it a cheap
// external witness.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink creates an S3Sink from cfg.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3SinkWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3SinkWithClient wraps an existing client.
func NewS3SinkWithClient(client *s3.Client, bucket, prefix string) *S3Sink {
	if prefix == "" {
		prefix = "anchors/"
	}
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// Name implements Sink.
func (s *S3Sink) Name() string { return "s3" }

// Commit implements Sink. The object is create-only; an existing object for
// the same root is accepted as a previous successful commit.
func (s *S3Sink) Commit(ctx context.Context, set model.DigestSet) (string, error) {
	key := s.prefix + set.MerkleRoot + ".json"
	ref := "s3://" + s.bucket + "/" + key

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err == nil {
		return ref, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("s3 head %s: %w", key, err)
	}

	body, err := json.Marshal(set)
	if err != nil {
		return "", fmt.Errorf("marshal digest set: %w", err)
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
		Metadata:    map[string]string{"merkle-root": set.MerkleRoot},
	}); err != nil {
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return ref, nil
}

// FetchReceipt implements Sink.
func (s *S3Sink) FetchReceipt(ctx context.Context, reference string) (model.ReceiptStatus, error) {
	bucket, key, ok := parseS3Reference(reference)
	if !ok || bucket != s.bucket {
		return model.ReceiptUnknown, fmt.Errorf("%w: %s", ErrUnknownReference, reference)
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err == nil {
		return model.ReceiptConfirmed, nil
	}
	if isNotFound(err) {
		return model.ReceiptUnknown, nil
	}
	return "", fmt.Errorf("s3 head %s: %w", key, err)
}

func parseS3Reference(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, ok = strings.Cut(rest, "/")
	return bucket, key, ok && bucket != "" && key != ""
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}
