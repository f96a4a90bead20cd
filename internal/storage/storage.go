// Package storage keeps rendered audio in an S3-compatible bucket (MinIO in development).
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrStorageFailure wraps every error returned by Store.
var ErrStorageFailure = errors.New("storage failure")

// MaxPresignTTL is the longest expiry SigV4 accepts for a presigned GET.
const MaxPresignTTL = 7 * 24 * time.Hour

const defaultContentType = "audio/mpeg"

// objectAPI is the subset of *minio.Client the store relies on.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration, params url.Values) (*url.URL, error)
	EndpointURL() *url.URL
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store uploads objects under deterministic keys; writing a key twice overwrites it.
type Store struct {
	client     objectAPI
	bucket     string
	httpClient *http.Client
}

// New connects to the configured endpoint. It does not touch the network.
func New(cfg Config) (*Store, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: new client: %v", ErrStorageFailure, err)
	}
	return newStore(client, cfg.Bucket, http.DefaultClient), nil
}

func newStore(client objectAPI, bucket string, httpClient *http.Client) *Store {
	return &Store{client: client, bucket: bucket, httpClient: httpClient}
}

// TrackObjectKey names the audio object of one job. Retries of the same job write the same key.
func TrackObjectKey(userID, trackID, jobID fmt.Stringer) string {
	return fmt.Sprintf("tracks/%s/%s/%s.mp3", userID, trackID, jobID)
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("%w: bucket exists %s: %v", ErrStorageFailure, s.bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("%w: make bucket %s: %v", ErrStorageFailure, s.bucket, err)
	}
	return nil
}

// UploadFromURL streams sourceURL into key and returns the object's URL.
func (s *Store) UploadFromURL(ctx context.Context, sourceURL, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: download %s: %v", ErrStorageFailure, sourceURL, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: download %s: %v", ErrStorageFailure, sourceURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: download %s: status %d", ErrStorageFailure, sourceURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = defaultContentType
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("%w: put %s: %v", ErrStorageFailure, key, err)
	}
	return s.ObjectURL(key), nil
}

// UploadContent writes data to key. Public objects get their plain URL, private ones a presigned URL.
func (s *Store) UploadContent(ctx context.Context, key string, data []byte, contentType string, public bool) (string, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if public {
		opts.UserMetadata = map[string]string{"x-amz-acl": "public-read"}
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", fmt.Errorf("%w: put %s: %v", ErrStorageFailure, key, err)
	}
	if public {
		return s.ObjectURL(key), nil
	}
	return s.PresignedURL(ctx, key, MaxPresignTTL)
}

// PresignedURL returns a time-limited GET URL. ttl is capped at MaxPresignTTL.
func (s *Store) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > MaxPresignTTL {
		ttl = MaxPresignTTL
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("%w: presign %s: %v", ErrStorageFailure, key, err)
	}
	return u.String(), nil
}

// ObjectURL is the path-style URL of key in the bucket.
func (s *Store) ObjectURL(key string) string {
	u := *s.client.EndpointURL()
	u.Path = "/" + s.bucket + "/" + key
	return u.String()
}
