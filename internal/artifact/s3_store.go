package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func (c S3Config) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"endpoint":   c.Endpoint,
		"access key": c.AccessKey,
		"secret key": c.SecretKey,
		"bucket":     c.Bucket,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("s3 artifact store: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// S3Store keeps artifacts as objects named "<session>/<path>" in one bucket.
// The bucket is created on first use.
type S3Store struct {
	client *minio.Client
	bucket string
	region string

	mu          sync.Mutex
	bucketReady bool
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(strings.TrimSpace(cfg.Endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(cfg.AccessKey), strings.TrimSpace(cfg.SecretKey), ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 artifact store: %w", err)
	}
	return &S3Store{client: client, bucket: strings.TrimSpace(cfg.Bucket), region: region}, nil
}

// ready makes sure the bucket exists. A failed check is retried on the next call.
func (s *S3Store) ready(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketReady {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
		if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	s.bucketReady = true
	return nil
}

func (s *S3Store) Put(ctx context.Context, sessionID, p string, content []byte) error {
	k, err := parseKey(sessionID, p)
	if err != nil {
		return err
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, k.String(), bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: map[string]string{"session": k.session},
		})
	if err != nil {
		return fmt.Errorf("put %s: %w", k, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, sessionID, p string) ([]byte, error) {
	k, err := parseKey(sessionID, p)
	if err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, k.String(), minio.GetObjectOptions{})
	if err != nil {
		return nil, notFoundOr(err)
	}
	defer obj.Close()
	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return raw, nil
}

func (s *S3Store) List(ctx context.Context, sessionID string) ([]string, error) {
	session, err := parseSession(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	prefix := sessionPrefix(session)
	var paths []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", session, obj.Err)
		}
		if rel := strings.TrimPrefix(obj.Key, prefix); rel != "" {
			paths = append(paths, rel)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func notFoundOr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return errors.Join(ErrNotFound, err)
	}
	return err
}
