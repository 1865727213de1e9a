// Package metered records Prometheus metrics for every call made to a
// blockvfs.Store.
package metered

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kochman/blockvfs"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK       = "ok"
	resultNotFound = "not_found"
	resultError    = "error"
)

type Store struct {
	s blockvfs.Store

	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytes    *prometheus.CounterVec
}

// New wraps s and registers its collectors with reg.
func New(s blockvfs.Store, reg prometheus.Registerer) (*Store, error) {
	ms := &Store{
		s: s,
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockvfs_store_operations_total",
				Help: "Store calls by operation and result.",
			},
			[]string{"op", "result"}, // ok | not_found | error
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "blockvfs_store_operation_duration_seconds",
				Help:    "Store call latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockvfs_store_bytes_total",
				Help: "Object bytes moved to (put) and from (get) the store.",
			},
			[]string{"op"},
		),
	}
	for _, c := range []prometheus.Collector{ms.ops, ms.duration, ms.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("unable to register metrics: %w", err)
		}
	}
	return ms, nil
}

func (ms *Store) observe(op string, start time.Time, err error) {
	ms.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := resultOK
	if errors.Is(err, blockvfs.ErrNotExist) {
		result = resultNotFound
	} else if err != nil {
		result = resultError
	}
	ms.ops.WithLabelValues(op, result).Inc()
}

func (ms *Store) Put(ctx context.Context, key string, p []byte) error {
	start := time.Now()
	err := ms.s.Put(ctx, key, p)
	ms.observe("put", start, err)
	if err == nil {
		ms.bytes.WithLabelValues("put").Add(float64(len(p)))
	}
	return err
}

func (ms *Store) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	b, err := ms.s.Get(ctx, key)
	ms.observe("get", start, err)
	if err == nil {
		ms.bytes.WithLabelValues("get").Add(float64(len(b)))
	}
	return b, err
}

func (ms *Store) List(ctx context.Context, prefix string) ([]blockvfs.Object, error) {
	start := time.Now()
	objs, err := ms.s.List(ctx, prefix)
	ms.observe("list", start, err)
	return objs, err
}

func (ms *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ms.s.Delete(ctx, key)
	ms.observe("delete", start, err)
	return err
}
