package content

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore reads objects referenced by s3:// URLs.
type ObjectStore interface {
	GetObject(ctx context.Context, bucket, key string, w io.Writer) (int64, error)
}

// S3Store is an ObjectStore backed by any S3-compatible endpoint.
type S3Store struct {
	client *minio.Client
}

func NewS3Store(endpoint, accessKey, secretKey string, useSSL bool) (*S3Store, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Store{client: client}, nil
}

func (s *S3Store) GetObject(ctx context.Context, bucket, key string, w io.Writer) (int64, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, s3Error(bucket, key, err)
	}
	defer obj.Close()

	n, err := io.Copy(w, obj)
	if err != nil {
		return n, s3Error(bucket, key, err)
	}
	return n, nil
}

func s3Error(bucket, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	return &FetchError{
		URL:        "s3://" + bucket + "/" + key,
		StatusCode: resp.StatusCode,
		Err:        err,
	}
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 url: %s", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url has no object key: %s", raw)
	}
	return u.Host, key, nil
}
