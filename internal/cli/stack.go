package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/cube-builder/internal/assetstore"
	"github.com/ChuLiYu/cube-builder/internal/catalog"
	"github.com/ChuLiYu/cube-builder/internal/executor"
	"github.com/ChuLiYu/cube-builder/internal/jobstore"
	"github.com/ChuLiYu/cube-builder/internal/metrics"
	"github.com/ChuLiYu/cube-builder/internal/raster"
	"github.com/ChuLiYu/cube-builder/internal/redisstore"
	"github.com/ChuLiYu/cube-builder/internal/retry"
	"github.com/ChuLiYu/cube-builder/internal/scheduler"
	"github.com/ChuLiYu/cube-builder/internal/sqlstore"
	"github.com/ChuLiYu/cube-builder/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Scheduler scheduler.Config `yaml:"scheduler"`

	Store struct {
		Backend      string `yaml:"backend"` // memory | durable | sqlite
		WALPath      string `yaml:"wal_path"`
		SnapshotPath string `yaml:"snapshot_path"`
		SyncOnAppend bool   `yaml:"sync_on_append"`
		SQLitePath   string `yaml:"sqlite_path"`
		Redis        struct {
			Addr   string `yaml:"addr"` // empty keeps counters in the job store
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"store"`

	Assets struct {
		Backend string `yaml:"backend"` // file | badger | badger-memory
		Dir     string `yaml:"dir"`
	} `yaml:"assets"`

	Executor struct {
		SceneConcurrency int   `yaml:"scene_concurrency"`
		CloudThreshold   uint8 `yaml:"cloud_threshold"`
		OverviewLevels   int   `yaml:"overview_levels"`
		NoData           int16 `yaml:"nodata"` // synthetic reader fill value
	} `yaml:"executor"`

	Catalog struct {
		Retry retry.Policy `yaml:"retry"`
	} `yaml:"catalog"`

	Scenes []types.Scene `yaml:"scenes"` // scene index served to remote submissions

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "cube:"
	}
	if c.Assets.Backend == "" {
		c.Assets.Backend = "file"
	}
	if c.Assets.Dir == "" {
		c.Assets.Dir = "./data/assets"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 50051
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Executor.NoData == 0 {
		c.Executor.NoData = -9999
	}
}

// stack is every collaborator of a running scheduler.
type stack struct {
	store     jobstore.Store
	assets    assetstore.Store
	catalog   catalog.Catalog
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	closers   []io.Closer
	closed    bool
}

// openStack wires stores, executor and scheduler from the config.
// m may be nil.
func openStack(cfg *Config, scenes scheduler.SceneIndex, m *metrics.Collector) (*stack, error) {
	st := &stack{}
	ok := false
	defer func() {
		if !ok {
			st.Close()
		}
	}()

	var base catalog.Catalog = catalog.NewMemory()
	switch cfg.Store.Backend {
	case "memory":
		st.store = jobstore.NewMemory()
	case "durable":
		if cfg.Store.WALPath == "" {
			return nil, errors.New("store.wal_path is required for the durable backend")
		}
		mem, err := jobstore.OpenMemory(jobstore.Options{
			WALPath:      cfg.Store.WALPath,
			SnapshotPath: cfg.Store.SnapshotPath,
			SyncOnAppend: cfg.Store.SyncOnAppend,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open durable store: %w", err)
		}
		st.store = mem
	case "sqlite":
		if cfg.Store.SQLitePath == "" {
			return nil, errors.New("store.sqlite_path is required for the sqlite backend")
		}
		db, err := sqlstore.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		st.store = db
		base = db.Catalog()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Store.Redis.Addr != "" {
		// the wrapper closes the base store
		st.store = redisstore.WithCounters(st.store, redisstore.NewPool(cfg.Store.Redis.Addr), cfg.Store.Redis.Prefix)
	}
	st.closers = append(st.closers, st.store)

	switch cfg.Assets.Backend {
	case "file":
		fs, err := assetstore.NewFileStore(cfg.Assets.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open asset store: %w", err)
		}
		st.assets = fs
	case "badger":
		bs, err := assetstore.OpenBadger(cfg.Assets.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open asset store: %w", err)
		}
		st.assets = bs
	case "badger-memory":
		bs, err := assetstore.OpenBadgerInMemory()
		if err != nil {
			return nil, fmt.Errorf("failed to open asset store: %w", err)
		}
		st.assets = bs
	default:
		return nil, fmt.Errorf("unknown asset backend %q", cfg.Assets.Backend)
	}
	st.closers = append(st.closers, st.assets)

	st.catalog = catalog.NewRetrying(base, cfg.Catalog.Retry)
	st.executor = executor.New(raster.Synthetic{NoData: cfg.Executor.NoData}, st.assets, st.catalog, st.store, executor.Config{
		SceneConcurrency: cfg.Executor.SceneConcurrency,
		CloudThreshold:   cfg.Executor.CloudThreshold,
		OverviewLevels:   cfg.Executor.OverviewLevels,
	})
	st.scheduler = scheduler.New(st.store, scenes, st.executor, st.catalog, m, cfg.Scheduler)

	ok = true
	return st, nil
}

// Close stops the scheduler and closes stores in reverse order.
func (s *stack) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// waitFinished polls a build until it leaves InProgress.
func waitFinished(ctx context.Context, s *scheduler.Scheduler, id types.BuildID, poll time.Duration) (*types.BuildStatus, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		st, err := s.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Overall != types.OverallInProgress {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}
