package cmd

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/evalwatch/internal/config"
	"github.com/3leaps/evalwatch/internal/server/handlers"
	"github.com/3leaps/evalwatch/pkg/jobstore"
	"github.com/3leaps/evalwatch/pkg/jobstore/filestore"
	"github.com/3leaps/evalwatch/pkg/jobstore/httpstore"
	"github.com/3leaps/evalwatch/pkg/jobstore/s3store"
	"github.com/3leaps/evalwatch/pkg/jobstore/sqlitestore"
	"github.com/3leaps/evalwatch/pkg/watch"
)

// openedStore is the configured backend plus its lifecycle hooks.
type openedStore struct {
	backend config.Backend
	reader  jobstore.Reader
	health  handlers.HealthChecker
	close   func() error
}

func (s *openedStore) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func (s *openedStore) writer() (jobstore.Writer, error) {
	w, ok := s.reader.(jobstore.Writer)
	if !ok {
		return nil, fmt.Errorf("%s backend is read-only", s.backend)
	}
	return w, nil
}

func (s *openedStore) lister() (jobstore.Lister, error) {
	l, ok := s.reader.(jobstore.Lister)
	if !ok {
		return nil, fmt.Errorf("%s backend does not support listing", s.backend)
	}
	return l, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*openedStore, error) {
	sc := cfg.Store
	out := &openedStore{backend: sc.Backend}

	switch sc.Backend {
	case config.BackendFile:
		out.reader = filestore.New(sc.ResolvedPath(), filestore.WithLogger(logger))
	case config.BackendSQLite:
		st, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path:  sc.ResolvedPath(),
			Table: sqlitestore.TableForKind(sc.Kind),
		})
		if err != nil {
			return nil, err
		}
		out.reader, out.health, out.close = st, st, st.Close
	case config.BackendS3:
		prefix := sc.S3.Prefix
		if strings.TrimSpace(prefix) == "" {
			prefix = "jobs/" + string(sc.Kind)
		}
		st, err := s3store.New(ctx, s3store.Config{
			Bucket:         sc.S3.Bucket,
			Prefix:         prefix,
			Region:         sc.S3.Region,
			Endpoint:       sc.S3.Endpoint,
			Profile:        sc.S3.Profile,
			ForcePathStyle: sc.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		out.reader = st
	case config.BackendHTTP:
		st, err := httpstore.New(httpstore.Config{BaseURL: sc.URL, Logger: logger})
		if err != nil {
			return nil, err
		}
		out.reader = st
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}

	logger.Debug("Opened job store",
		zap.String("backend", string(sc.Backend)),
		zap.String("kind", string(sc.Kind)))
	return out, nil
}

func watchConfig(cfg *config.Config) watch.Config {
	return watch.Config{
		PollInterval:    cfg.Watch.PollInterval,
		ReportTransport: cfg.Watch.ReportTransport,
		ConnectTimeout:  cfg.Watch.ConnectTimeout,
		FetchTimeout:    cfg.Watch.FetchTimeout,
		FetchRate:       cfg.Watch.FetchRate,
		FetchBurst:      cfg.Watch.FetchBurst,
	}
}

// newWatcher builds a watcher over the underlying backend so push support is
// detected from the concrete store.
func newWatcher(store *openedStore, cfg *config.Config, logger *zap.Logger) *watch.Watcher {
	return watch.New(store.reader,
		watch.WithConfig(watchConfig(cfg)),
		watch.WithLogger(logger),
	)
}
