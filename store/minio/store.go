package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"lockable-resources/store"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const objectName = "lockable-resources.yaml"

// Store keeps the snapshot as one object in a MinIO or S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ store.Store = (*Store)(nil)

// Options configure a client for NewClient.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

func NewClient(opts Options) (*minio.Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	return minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
}

// NewStore creates a store writing under prefix inside bucket.
func NewStore(client *minio.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) key() string {
	return path.Join(s.prefix, objectName)
}

func (s *Store) Load(ctx context.Context) (*store.Snapshot, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapErr(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return store.Decode(data)
}

func (s *Store) Save(ctx context.Context, snap *store.Snapshot) error {
	data, err := store.Encode(snap)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.key(), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/yaml",
	})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", s.bucket, s.key(), err)
	}
	return nil
}

func (s *Store) mapErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return store.ErrNotFound
	}
	return fmt.Errorf("failed to get %s/%s: %w", s.bucket, s.key(), err)
}
