// Package gcs stores objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/kochman/blockvfs"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// DefaultWriteInterval is how often a single object may be rewritten. GCS
// rejects more than about one mutation per second to the same object.
const DefaultWriteInterval = time.Second

type Option func(*Store)

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *Store) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

// WithWriteInterval sets the minimum time between two writes of the same
// object. Zero disables throttling.
func WithWriteInterval(d time.Duration) Option {
	return func(s *Store) {
		s.interval = d
	}
}

type Store struct {
	b          *storage.BucketHandle
	clientOpts []option.ClientOption

	interval time.Duration

	// write limiters, one per recently written object key
	l        sync.Mutex
	limiters map[string]*rate.Limiter
	swept    time.Time
}

// NewStore connects to bucket and makes sure it is reachable.
func NewStore(ctx context.Context, bucket string, opts ...Option) (*Store, error) {
	s := &Store{
		interval: DefaultWriteInterval,
		limiters: map[string]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(s)
	}

	client, err := storage.NewClient(ctx, s.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create client: %w", err)
	}

	b := client.Bucket(bucket)
	_, err = b.Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to get bucket handle: %w", err)
	}
	s.b = b
	return s, nil
}

// waitForWrite blocks until key may be written again.
func (s *Store) waitForWrite(ctx context.Context, key string) error {
	if s.interval <= 0 {
		return nil
	}
	s.l.Lock()
	if now := time.Now(); now.Sub(s.swept) >= s.interval {
		s.sweep(now)
	}
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.interval), 1)
		s.limiters[key] = lim
	}
	s.l.Unlock()
	return lim.Wait(ctx)
}

// sweep drops limiters that have refilled, since they behave exactly like
// new ones. s.l must be held.
func (s *Store) sweep(now time.Time) {
	for key, lim := range s.limiters {
		if lim.TokensAt(now) >= 1 {
			delete(s.limiters, key)
		}
	}
	s.swept = now
}

func (s *Store) forgetWrites(key string) {
	s.l.Lock()
	delete(s.limiters, key)
	s.l.Unlock()
}

func (s *Store) Put(ctx context.Context, key string, p []byte) error {
	err := s.waitForWrite(ctx, key)
	if err != nil {
		return fmt.Errorf("unable to wait for rate limit: %w", err)
	}

	w := s.b.Object(key).NewWriter(ctx)
	_, err = w.Write(p)
	if err != nil {
		w.Close()
		return fmt.Errorf("unable to write [%s]: %w", key, err)
	}
	err = w.Close()
	if err != nil {
		return fmt.Errorf("unable to close writer: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.b.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", key, blockvfs.ErrNotExist)
	} else if err != nil {
		return nil, fmt.Errorf("unable to get reader: %w", err)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read [%s]: %w", key, err)
	}
	return b, nil
}

// List relies on GCS returning objects in lexicographic order.
func (s *Store) List(ctx context.Context, prefix string) ([]blockvfs.Object, error) {
	q := &storage.Query{Prefix: prefix}
	err := q.SetAttrSelection([]string{"Name", "Size"})
	if err != nil {
		return nil, fmt.Errorf("unable to set attribute selection: %w", err)
	}

	objs := []blockvfs.Object{}
	it := s.b.Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, fmt.Errorf("unable to iterate: %w", err)
		}
		objs = append(objs, blockvfs.Object{Key: attrs.Name, Size: attrs.Size})
	}
	return objs, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.b.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("unable to delete [%s]: %w", key, err)
	}
	s.forgetWrites(key)
	return nil
}
