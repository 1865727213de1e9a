// Package minio stores objects in a MinIO (or other S3-compatible) bucket
// through the MinIO client.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kochman/blockvfs"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// NewClient connects to a MinIO endpoint with static credentials.
func NewClient(endpoint, accessKey, secretKey string, secure bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create minio client: %w", err)
	}
	return client, nil
}

type Store struct {
	client *minio.Client
	bucket string
	root   string
}

// NewStore creates a store in bucket. rootPrefix, if not empty, is prepended
// to every key.
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	root := ""
	if rootPrefix != "" {
		root = strings.TrimSuffix(rootPrefix, "/") + "/"
	}
	return &Store{
		client: client,
		bucket: bucket,
		root:   root,
	}
}

func (s *Store) key(key string) string {
	return s.root + key
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *Store) Put(ctx context.Context, key string, p []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(key), bytes.NewReader(p), int64(len(p)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("unable to put [%s]: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	// GetObject is lazy; errors, including a missing key, surface on read.
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("unable to get [%s]: %w", key, err)
	}
	defer obj.Close()

	b, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", key, blockvfs.ErrNotExist)
		}
		return nil, fmt.Errorf("unable to read [%s]: %w", key, err)
	}
	return b, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]blockvfs.Object, error) {
	objs := []blockvfs.Object{}
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.key(prefix),
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("unable to list %q: %w", prefix, info.Err)
		}
		objs = append(objs, blockvfs.Object{
			Key:  strings.TrimPrefix(info.Key, s.root),
			Size: info.Size,
		})
	}
	sort.Slice(objs, func(i, j int) bool {
		return objs[i].Key < objs[j].Key
	})
	return objs, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(key), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("unable to delete [%s]: %w", key, err)
	}
	return nil
}
