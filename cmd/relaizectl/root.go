package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/queue"
	"github.com/kiranshivaraju/relaize/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// cli carries the connection settings shared by every subcommand.
type cli struct {
	out io.Writer

	redisURL    string
	dbDriver    string
	dbURL       string
	storageRoot string

	// openRedis connects to the primary task store and queue. Tests
	// replace it with in-memory implementations.
	openRedis func(ctx context.Context, url string) (store.Store, queue.Queue, func(), error)
}

func newCLI(out io.Writer) *cli {
	return &cli{out: out, openRedis: dialRedis}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "relaizectl",
		Short:         "Administer a relaize deployment",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(c.out)
	root.SetErr(c.out)

	flags := root.PersistentFlags()
	flags.StringVar(&c.redisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis URL of the task store and queue")
	flags.StringVar(&c.dbDriver, "db-driver", os.Getenv("DATABASE_DRIVER"), "relational mirror driver: postgres or sqlite")
	flags.StringVar(&c.dbURL, "db-url", os.Getenv("DATABASE_URL"), "relational mirror URL (sqlite: file path)")
	flags.StringVar(&c.storageRoot, "storage-root", envOr("STORAGE_ROOT", "storage"), "root directory of uploads and outputs")

	root.AddCommand(
		newMigrateCmd(c),
		newMirrorCmd(c),
		newReprocessCmd(c),
		newClearCmd(c),
		newCatalogCmd(c),
	)
	return root
}

func (c *cli) database() (config.DatabaseConfig, error) {
	if c.dbDriver == "" || c.dbURL == "" {
		return config.DatabaseConfig{}, fmt.Errorf("--db-driver and --db-url are required")
	}
	return config.DatabaseConfig{
		Driver:       c.dbDriver,
		URL:          c.dbURL,
		MaxOpenConns: 4,
		MaxIdleConns: 1,
	}, nil
}

func (c *cli) storage() config.StorageConfig {
	return config.StorageConfig{
		Root:         c.storageRoot,
		UploadDir:    envOr("UPLOAD_DIR", filepath.Join(c.storageRoot, "uploads")),
		ProcessedDir: envOr("PROCESSED_DIR", filepath.Join(c.storageRoot, "processed")),
	}
}

func (c *cli) primary(ctx context.Context) (store.Store, queue.Queue, func(), error) {
	if c.redisURL == "" {
		return nil, nil, nil, fmt.Errorf("--redis-url is required")
	}
	return c.openRedis(ctx, c.redisURL)
}

func dialRedis(ctx context.Context, url string) (store.Store, queue.Queue, func(), error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return store.NewRedisStore(client), queue.NewRedisQueue(client), func() { client.Close() }, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
