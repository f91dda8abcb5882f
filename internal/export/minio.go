package export

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds S3-compatible storage settings.
type MinioConfig struct {
	Endpoint  string // host:port or a full URL
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinioUploader uploads exports to one bucket, creating it on first use.
type MinioUploader struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinioUploader creates a client for cfg. No request is made until the
// first upload.
func NewMinioUploader(cfg MinioConfig) (*MinioUploader, error) {
	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioUploader{client: client, bucket: cfg.Bucket, region: region}, nil
}

func (u *MinioUploader) Upload(ctx context.Context, key string, body []byte) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", u.bucket, err)
		}
	}

	_, err = u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "text/csv"})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", u.bucket, key, err)
	}
	return nil
}

// splitEndpoint accepts "minio:9000" or "http://minio:9000". An https
// scheme turns TLS on.
func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		if endpoint == "" {
			return "", false, fmt.Errorf("minio: endpoint is required")
		}
		return endpoint, useSSL, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("minio: invalid endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("minio: invalid endpoint %q", endpoint)
	}
	return u.Host, useSSL || u.Scheme == "https", nil
}
