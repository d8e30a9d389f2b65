package publish

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures an S3-compatible sink.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`

	// SecretKeyFile is read into SecretKey when SecretKey is empty.
	SecretKeyFile string `yaml:"secret_key_file"`

	// PublicBaseURL is prefixed to object keys in returned URLs when set.
	PublicBaseURL string `yaml:"public_base_url"`

	// PresignTTL returns presigned GET URLs of this lifetime when no public base URL
	// is set.
	PresignTTL time.Duration `yaml:"presign_ttl"`
}

// MinioSink stores artifacts in an S3-compatible bucket.
type MinioSink struct {
	client *minio.Client
	cfg    MinioConfig
}

// NewMinioSink creates the client and makes sure the bucket exists.
func NewMinioSink(ctx context.Context, cfg MinioConfig) (*MinioSink, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	sink := &MinioSink{client: client, cfg: cfg}
	if err := sink.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return sink, nil
}

func (s *MinioSink) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

// Name implements Sink.
func (s *MinioSink) Name() string { return "minio" }

// Put uploads the object and returns its URL.
func (s *MinioSink) Put(ctx context.Context, obj Object) (string, error) {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, obj.Key, bytes.NewReader(obj.Body), int64(len(obj.Body)),
		minio.PutObjectOptions{ContentType: obj.ContentType})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", obj.Key, err)
	}

	switch {
	case s.cfg.PublicBaseURL != "":
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + obj.Key, nil
	case s.cfg.PresignTTL > 0:
		u, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, obj.Key, s.cfg.PresignTTL, url.Values{})
		if err != nil {
			return "", fmt.Errorf("failed to presign object %s: %w", obj.Key, err)
		}
		return u.String(), nil
	default:
		endpoint := s.client.EndpointURL()
		return endpoint.Scheme + "://" + endpoint.Host + "/" + s.cfg.Bucket + "/" + obj.Key, nil
	}
}
