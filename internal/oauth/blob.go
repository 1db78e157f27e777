package oauth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrBlobNotFound = errors.New("oauth blob not found")

const defaultBlobPrefix = "netatmo/oauth"

// BlobStore mirrors refresh state to object storage so a fresh host can renew
// without replaying the password grant.
type BlobStore interface {
	Load(ctx context.Context, provider string) ([]byte, error)
	Save(ctx context.Context, provider string, data []byte) error
}

// BlobConfig locates the S3-compatible bucket used as the mirror. When both key
// files are empty, credentials come from the AWS_* or MINIO_* environment.
type BlobConfig struct {
	Endpoint      string
	Bucket        string
	Prefix        string
	Region        string
	AccessKeyFile string
	SecretKeyFile string
}

// S3Store keeps one JSON object per provider under prefix.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3Store(cfg BlobConfig) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("blob bucket is required")
	}

	host, secure, err := parseEndpoint(strings.TrimSpace(cfg.Endpoint))
	if err != nil {
		return nil, err
	}

	creds, err := blobCredentials(strings.TrimSpace(cfg.AccessKeyFile), strings.TrimSpace(cfg.SecretKeyFile))
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = defaultBlobPrefix
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Store) Load(ctx context.Context, provider string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(provider), minio.GetObjectOptions{})
	if err != nil {
		return nil, blobError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, blobError(err)
	}
	return data, nil
}

// Save uploads state after checking it decodes, so a corrupt mirror is never
// written.
func (s *S3Store) Save(ctx context.Context, provider string, data []byte) error {
	if _, err := DecodeState(data); err != nil {
		return fmt.Errorf("refusing to mirror state: %w", err)
	}

	_, err := s.client.PutObject(ctx, s.bucket, s.key(provider), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", s.key(provider), err)
	}
	return nil
}

func (s *S3Store) key(provider string) string {
	return path.Join(s.prefix, provider+".json")
}

func blobError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return ErrBlobNotFound
	}
	return err
}

func blobCredentials(accessKeyFile, secretKeyFile string) (*credentials.Credentials, error) {
	switch {
	case accessKeyFile == "" && secretKeyFile == "":
		return credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
		}), nil
	case accessKeyFile == "" || secretKeyFile == "":
		return nil, fmt.Errorf("blob access and secret key files must be set together")
	}

	accessKey, err := readSecretFile(accessKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read blob access key: %w", err)
	}
	secretKey, err := readSecretFile(secretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read blob secret key: %w", err)
	}
	return credentials.NewStaticV4(accessKey, secretKey, ""), nil
}

// parseEndpoint accepts host:port (TLS) or an http(s) URL.
func parseEndpoint(raw string) (string, bool, error) {
	if raw == "" {
		return "", false, fmt.Errorf("blob endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, true, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", false, fmt.Errorf("endpoint scheme %q not supported", u.Scheme)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid endpoint: %q", raw)
	}
	return u.Host, u.Scheme == "https", nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return value, nil
}
