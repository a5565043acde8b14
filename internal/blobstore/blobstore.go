// Package blobstore defines and implements the BlobStorage external
// collaborator contract from SPEC_FULL.md §6, backing ContentVariant's
// storage_uri for large RAW variants. Grounded on the teacher's go.mod S3
// dependency (aws-sdk-go-v2/service/s3) — no teacher file in the surveyed
// pack exercises it directly for object storage, so this adapter follows
// the SDK's own idiomatic client-construction pattern instead of a
// teacher file.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/manifold-run/gatewaycore/internal/gatewayconfig"
)

// Store is the BlobStorage contract: store/retrieve/delete/exists.
type Store interface {
	Store(ctx context.Context, tenantID, id string, data []byte, metadata map[string]string) (uri string, err error)
	Retrieve(ctx context.Context, uri string) ([]byte, error)
	Delete(ctx context.Context, uri string) error
	Exists(ctx context.Context, uri string) (bool, error)
}

// S3Store implements Store over a single configured bucket. URIs are
// "s3://bucket/tenant/id" — opaque to callers per §9's UUID-opaque-string
// boundary rule, which this extends to storage URIs generally.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3Store from cfg, using the AWS SDK's standard
// credential chain (env vars, shared config, IAM role).
func NewS3Store(ctx context.Context, cfg gatewayconfig.BlobStoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(awsCfg), bucket: cfg.Bucket}, nil
}

// Build selects a backend by cfg.Backend ("s3"|"none"), mirroring
// vectorstore.Build/cache.Build's factory-by-config-string convention.
func Build(ctx context.Context, cfg gatewayconfig.BlobStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(ctx, cfg)
	case "", "none":
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("blobstore: unknown backend %q", cfg.Backend)
	}
}

func key(tenantID, id string) string { return tenantID + "/" + id }

func (s *S3Store) Store(ctx context.Context, tenantID, id string, data []byte, metadata map[string]string) (string, error) {
	k := key(tenantID, id)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(k),
		Body:     bytes.NewReader(data),
		Metadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: put %s: %w", k, err)
	}
	return "s3://" + s.bucket + "/" + k, nil
}

func (s *S3Store) Retrieve(ctx context.Context, uri string) ([]byte, error) {
	bucket, k, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(k)})
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", k, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) Delete(ctx context.Context, uri string) error {
	bucket, k, err := parseURI(uri)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(k)})
	return err
}

func (s *S3Store) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, k, err := parseURI(uri)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(k)})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func parseURI(uri string) (bucket, key string, err error) {
	const prefix = "s3://"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return "", "", fmt.Errorf("blobstore: malformed uri %q", uri)
	}
	rest := uri[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("blobstore: malformed uri %q", uri)
}

// InMemoryStore is a Store used by tests and as the "none" backend default.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewInMemoryStore() *InMemoryStore { return &InMemoryStore{data: map[string][]byte{}} }

func (s *InMemoryStore) Store(_ context.Context, tenantID, id string, data []byte, _ map[string]string) (string, error) {
	uri := "mem://" + key(tenantID, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), data...)
	s.data[uri] = cp
	return uri, nil
}

func (s *InMemoryStore) Retrieve(_ context.Context, uri string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[uri]
	if !ok {
		return nil, fmt.Errorf("blobstore: not found %q", uri)
	}
	return b, nil
}

func (s *InMemoryStore) Delete(_ context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, uri)
	return nil
}

func (s *InMemoryStore) Exists(_ context.Context, uri string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[uri]
	return ok, nil
}
