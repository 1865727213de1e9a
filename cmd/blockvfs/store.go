package main

import (
	"context"
	"fmt"

	"github.com/kochman/blockvfs"
	"github.com/kochman/blockvfs/backends/cache"
	"github.com/kochman/blockvfs/backends/file"
	"github.com/kochman/blockvfs/backends/gcs"
	"github.com/kochman/blockvfs/backends/memory"
	"github.com/kochman/blockvfs/backends/metered"
	"github.com/kochman/blockvfs/backends/minio"
	"github.com/kochman/blockvfs/backends/s3"
	"github.com/kochman/blockvfs/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/api/option"
)

// newStore builds the store named by cfg. reg, if not nil, receives the
// store metrics.
func newStore(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (blockvfs.Store, error) {
	var s blockvfs.Store
	switch cfg.Backend {
	case "memory":
		s = memory.NewStore()

	case "file":
		fs, err := file.NewStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("unable to create file backend: %w", err)
		}
		s = fs

	case "gcs":
		opts := []gcs.Option{gcs.WithWriteInterval(cfg.WriteInterval)}
		if cfg.CredentialsFile != "" {
			opts = append(opts, gcs.WithClientOptions(option.WithCredentialsFile(cfg.CredentialsFile)))
		}
		gs, err := gcs.NewStore(ctx, cfg.Bucket, opts...)
		if err != nil {
			return nil, fmt.Errorf("unable to create gcs backend: %w", err)
		}
		s = gs

	case "s3":
		client, err := s3.NewClient(ctx, s3.ClientConfig{
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			PathStyle: cfg.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to create s3 backend: %w", err)
		}
		s = s3.NewStore(client, cfg.Bucket, cfg.Prefix)

	case "minio":
		client, err := minio.NewClient(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("unable to create minio backend: %w", err)
		}
		s = minio.NewStore(client, cfg.Bucket, cfg.Prefix)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if cfg.Cache {
		s = cache.New(s)
	}
	if reg != nil {
		ms, err := metered.New(s, reg)
		if err != nil {
			return nil, err
		}
		s = ms
	}
	return s, nil
}
