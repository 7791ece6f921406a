package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MrWong99/voxline/pkg/audio"
)

// PutObjectAPI is the part of the S3 client the store needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config describes an S3-compatible bucket.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// S3Store uploads artifacts as WAV objects.
type S3Store struct {
	client PutObjectAPI
	bucket string
	prefix string
}

var _ Store = (*S3Store)(nil)

// NewS3Store returns a store uploading to bucket under prefix.
func NewS3Store(client PutObjectAPI, bucket, prefix string) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("recording: s3 client is nil")
	}
	if bucket == "" {
		return nil, errors.New("recording: s3 bucket must not be empty")
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

// NewS3Client builds an S3 client from cfg. Static credentials are used when
// an access key is set; otherwise the client relies on the options' defaults.
func NewS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.PathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	return s3.New(opts)
}

// Kind returns "s3".
func (s *S3Store) Kind() string { return "s3" }

// Key returns the object key of a.
func (s *S3Store) Key(a Artifact) string {
	if s.prefix == "" {
		return a.Name()
	}
	return path.Join(s.prefix, a.Name())
}

// Save uploads a with a canonical WAV header.
func (s *S3Store) Save(ctx context.Context, a Artifact) error {
	body := audio.EncodeWAV(a.Audio, a.SampleRate, a.Channels)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.Key(a)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("audio/wav"),
		Metadata: map[string]string{
			"session-id": a.SessionID,
		},
	})
	if err != nil {
		return fmt.Errorf("recording: put s3://%s/%s: %w", s.bucket, s.Key(a), err)
	}
	return nil
}
