package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"eyecare/api/internal/config"
)

type selectOptions struct {
	noLocalIndex bool
}

type Option func(*selectOptions)

// WithoutLocalIndex opens a local backend without its badger index, for a
// process sharing the root with the API.
func WithoutLocalIndex() Option {
	return func(o *selectOptions) {
		o.noLocalIndex = true
	}
}

// New builds the backend named by cfg.Provider. Remote providers with
// incomplete credentials fall back to the local backend; the fallback is
// logged because callers must not assume which backend is active.
func New(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger, opts ...Option) (Backend, error) {
	var o selectOptions
	for _, opt := range opts {
		opt(&o)
	}

	provider := cfg.Provider
	if provider == "" {
		provider = config.ProviderMinio
	}

	switch provider {
	case config.ProviderMinio, config.ProviderS3, config.ProviderGCS:
		if !cfg.RemoteComplete() {
			log.Warn().
				Str("provider", string(provider)).
				Bool("bucket_set", cfg.Bucket != "").
				Bool("access_key_set", cfg.AccessKey != "").
				Bool("secret_key_set", cfg.SecretKey != "").
				Msg("remote storage credentials incomplete, falling back to local storage")
			return newLocal(cfg, o, log)
		}
		if provider == config.ProviderGCS {
			backend, err := NewGCSBackend(ctx, cfg)
			if err != nil {
				return nil, err
			}
			log.Info().Str("provider", "gcs").Str("bucket", cfg.Bucket).Msg("storage backend selected")
			return backend, nil
		}
		if provider == config.ProviderS3 {
			backend, err := NewS3Backend(ctx, cfg)
			if err != nil {
				return nil, err
			}
			log.Info().Str("provider", "s3").Str("bucket", cfg.Bucket).Str("region", cfg.Region).Msg("storage backend selected")
			return backend, nil
		}
		backend, err := NewMinioBackend(cfg)
		if err != nil {
			return nil, err
		}
		log.Info().Str("provider", "minio").Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("storage backend selected")
		return backend, nil
	case config.ProviderLocal:
		return newLocal(cfg, o, log)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}

func newLocal(cfg config.StorageConfig, o selectOptions, log zerolog.Logger) (Backend, error) {
	backend, err := NewLocalBackend(LocalOptions{
		Root:          cfg.LocalRoot,
		PublicBaseURL: cfg.PublicBaseURL,
		Serve:         cfg.ServeLocal,
		NoIndex:       o.noLocalIndex,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("provider", "local").Str("root", cfg.LocalRoot).Bool("index", !o.noLocalIndex).Msg("storage backend selected")
	return backend, nil
}

// BucketEnsurer is implemented by remote backends that can verify or create
// their bucket at startup.
type BucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}
