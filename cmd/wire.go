package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	chainstore "github.com/bnema/perfpilot/internal/adapters/kv/chain"
	filestore "github.com/bnema/perfpilot/internal/adapters/kv/file"
	memorystore "github.com/bnema/perfpilot/internal/adapters/kv/memory"
	redisstore "github.com/bnema/perfpilot/internal/adapters/kv/redis"
	sqlitestore "github.com/bnema/perfpilot/internal/adapters/kv/sqlite"
	summaryadapter "github.com/bnema/perfpilot/internal/adapters/render/summary"
	tomlrepo "github.com/bnema/perfpilot/internal/adapters/repo/toml"
	"github.com/bnema/perfpilot/internal/adapters/secrets"
	"github.com/bnema/perfpilot/internal/adapters/sink/logsink"
	supabasesink "github.com/bnema/perfpilot/internal/adapters/sink/supabase"
	"github.com/bnema/perfpilot/internal/application"
	"github.com/bnema/perfpilot/internal/config"
	"github.com/bnema/perfpilot/internal/logging"
	"github.com/bnema/perfpilot/internal/ports"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const dataDirName = "perfpilot"

type app struct {
	cfg           config.Config
	logger        zerolog.Logger
	logCloser     io.Closer
	summaryRender func(application.Summary, summaryadapter.RenderOptions) (string, error)
	now           func() time.Time
}

func wireApp(configPath string, console io.Writer) (*app, error) {
	cfg, err := config.Load(viper.New(), configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(cfg.Log, console)
	if err != nil {
		return nil, fmt.Errorf("wire logger: %w", err)
	}

	return &app{
		cfg:           cfg,
		logger:        logger,
		logCloser:     closer,
		summaryRender: summaryadapter.Render,
		now:           time.Now,
	}, nil
}

func (a *app) Close() error {
	if a.logCloser == nil {
		return nil
	}
	return a.logCloser.Close()
}

// openStore builds the configured durable store, chained in front of the
// fallback driver when one is set.
func openStore(cfg config.StorageConfig, logger zerolog.Logger) (ports.KVStore, error) {
	primary, err := openStoreDriver(cfg.Driver, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback == "" || cfg.Fallback == cfg.Driver {
		return primary, nil
	}

	fallback, err := openStoreDriver(cfg.Fallback, cfg, logger)
	if err != nil {
		return nil, errors.Join(err, primary.Close())
	}

	store, err := chainstore.NewStore(primary, fallback)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("wire store chain: %w", err), primary.Close(), fallback.Close())
	}
	return store, nil
}

func openStoreDriver(driver string, cfg config.StorageConfig, logger zerolog.Logger) (ports.KVStore, error) {
	switch driver {
	case "memory":
		return memorystore.NewStore(), nil
	case "file":
		root := cfg.Path
		if root == "" {
			dir, err := dataDir()
			if err != nil {
				return nil, err
			}
			root = filepath.Join(dir, "store")
		}
		return filestore.NewStore(root), nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			dir, err := dataDir()
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
			path = filepath.Join(dir, "perfpilot.db")
		}
		store, err := sqlitestore.Open(path, logger)
		if err != nil {
			return nil, fmt.Errorf("wire sqlite store: %w", err)
		}
		return store, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store, err := redisstore.NewStore(client, redisstore.WithPrefix(cfg.RedisPrefix), redisstore.WithTTL(cfg.RedisTTL))
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("wire redis store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("storage driver %q is not supported", driver)
	}
}

// openSink builds the configured metrics sink. The Supabase key may be a
// secret reference ("env:NAME" or "pass:path").
func openSink(ctx context.Context, cfg config.SinkConfig, clock ports.Clock, logger zerolog.Logger) (ports.MetricsSink, error) {
	switch cfg.Driver {
	case "supabase":
		key, err := secrets.NewResolver().Resolve(ctx, cfg.SupabaseKey)
		if err != nil {
			return nil, fmt.Errorf("resolve supabase key: %w", err)
		}
		sink, err := supabasesink.New(supabasesink.Config{
			URL:           cfg.SupabaseURL,
			APIKey:        key,
			Table:         cfg.Table,
			SchemaVersion: cfg.SchemaVersion,
		}, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("wire supabase sink: %w", err)
		}
		return sink, nil
	case "none":
		return logsink.New(zerolog.Nop(), clock, cfg.SchemaVersion), nil
	default:
		return logsink.New(logger, clock, cfg.SchemaVersion), nil
	}
}

// openProfiles returns the profile repository for path, or nil when no
// profiles file is configured.
func openProfiles(path string) (*tomlrepo.ProfileRepository, error) {
	if path == "" {
		return nil, nil
	}
	repo, err := tomlrepo.NewProfileRepository(path)
	if err != nil {
		return nil, fmt.Errorf("wire profile repository: %w", err)
	}
	return repo, nil
}

func dataDir() (string, error) {
	if dir := os.Getenv("PERFPILOT_DATA_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache directory: %w", err)
	}
	return filepath.Join(base, dataDirName), nil
}
