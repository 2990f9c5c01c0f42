package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/store"
	"github.com/kiranshivaraju/relaize/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres spins up a Postgres container, runs migrations, and returns a store.
func setupPostgres(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("relaize_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations("postgres", connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return store.NewPostgresStore(pool)
}

// setupRedis spins up a Redis container and returns a store backed by it.
func setupRedis(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { client.Close() })
	return store.NewRedisStore(client)
}

func setupSQLite(t *testing.T) store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	require.NoError(t, store.RunMigrations("sqlite", path))
	db, err := store.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewSQLiteStore(db)
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTask(id string, status models.TaskStatus, age time.Duration) *models.Task {
	created := base.Add(-age)
	return &models.Task{
		ID:        id,
		Filename:  id + ".jpg",
		Size:      1024,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
		SourceURL: "/api/tasks/" + id + "/source",
		Adjustments: &models.Adjustments{
			Parameters: map[string]any{"exposure": 0.2},
		},
	}
}

// runStoreSuite checks the behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, setup func(t *testing.T) store.Store) {
	t.Run("get missing", func(t *testing.T) {
		s := setup(t)
		_, err := s.GetTask(context.Background(), "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("save and get", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		task := newTask("a1", models.TaskStatusPending, 0)
		require.NoError(t, s.SaveTask(ctx, task))

		got, err := s.GetTask(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "a1.jpg", got.Filename)
		assert.Equal(t, models.TaskStatusPending, got.Status)
		assert.True(t, got.CreatedAt.Equal(task.CreatedAt))
		require.NotNil(t, got.Adjustments)
		assert.Equal(t, 0.2, got.Adjustments.Parameters["exposure"])
	})

	t.Run("save overwrites", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		task := newTask("a1", models.TaskStatusPending, 0)
		require.NoError(t, s.SaveTask(ctx, task))

		done := base.Add(time.Minute)
		task.Status = models.TaskStatusCompleted
		task.ProcessedAt = &done
		task.Message = "processing complete"
		require.NoError(t, s.SaveTask(ctx, task))

		got, err := s.GetTask(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, models.TaskStatusCompleted, got.Status)
		assert.Equal(t, "processing complete", got.Message)
		require.NotNil(t, got.ProcessedAt)
		assert.True(t, got.ProcessedAt.Equal(done))

		all, err := s.ListTasks(ctx, store.TaskFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("list newest first with filter and paging", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		for i := 0; i < 6; i++ {
			status := models.TaskStatusPending
			if i%2 == 0 {
				status = models.TaskStatusCompleted
			}
			require.NoError(t, s.SaveTask(ctx, newTask(fmt.Sprintf("t%d", i), status, time.Duration(i)*time.Minute)))
		}

		all, err := s.ListTasks(ctx, store.TaskFilter{})
		require.NoError(t, err)
		require.Len(t, all, 6)
		assert.Equal(t, "t0", all[0].ID)
		assert.Equal(t, "t5", all[5].ID)

		done, err := s.ListTasks(ctx, store.TaskFilter{Status: models.TaskStatusCompleted})
		require.NoError(t, err)
		require.Len(t, done, 3)
		assert.Equal(t, []string{"t0", "t2", "t4"}, ids(done))

		page, err := s.ListTasks(ctx, store.TaskFilter{Status: models.TaskStatusCompleted, Offset: 1, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"t2"}, ids(page))

		empty, err := s.ListTasks(ctx, store.TaskFilter{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("delete all", func(t *testing.T) {
		s := setup(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.SaveTask(ctx, newTask(fmt.Sprintf("d%d", i), models.TaskStatusPending, 0)))
		}
		n, err := s.DeleteAllTasks(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		all, err := s.ListTasks(ctx, store.TaskFilter{})
		require.NoError(t, err)
		assert.Empty(t, all)

		n, err = s.DeleteAllTasks(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func ids(tasks []*models.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) store.Store { return store.NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	task := newTask("c1", models.TaskStatusPending, 0)
	require.NoError(t, s.SaveTask(ctx, task))

	task.Status = models.TaskStatusFailed
	got, err := s.GetTask(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)

	got.Adjustments.Parameters["exposure"] = 9
	again, err := s.GetTask(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0.2, again.Adjustments.Parameters["exposure"])
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, setupSQLite)
}

func TestRedisStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	runStoreSuite(t, setupRedis)
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	runStoreSuite(t, setupPostgres)
}

func TestTaskFilter_LimitClamped(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < store.MaxListLimit+5; i++ {
		require.NoError(t, s.SaveTask(ctx, newTask(fmt.Sprintf("x%03d", i), models.TaskStatusPending, time.Duration(i)*time.Second)))
	}

	got, err := s.ListTasks(ctx, store.TaskFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, got, store.MaxListLimit)

	got, err = s.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, got, store.DefaultListLimit)
}

func TestRunMigrations_UnsupportedDriver(t *testing.T) {
	err := store.RunMigrations("mysql", "mysql://localhost/db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

// --- Mirror ---

type failingStore struct {
	store.Store
	saveErr error
	saves   int
}

func (f *failingStore) SaveTask(ctx context.Context, t *models.Task) error {
	f.saves++
	return f.saveErr
}

func (f *failingStore) DeleteAllTasks(context.Context) (int, error) {
	return 0, f.saveErr
}

func TestMirroredStore_WritesBoth(t *testing.T) {
	primary, secondary := store.NewMemoryStore(), store.NewMemoryStore()
	s := store.NewMirroredStore(primary, secondary)
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, newTask("m1", models.TaskStatusPending, 0)))

	_, err := primary.GetTask(ctx, "m1")
	require.NoError(t, err)
	_, err = secondary.GetTask(ctx, "m1")
	require.NoError(t, err)

	n, err := s.DeleteAllTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = secondary.GetTask(ctx, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMirroredStore_SecondaryFailureIgnored(t *testing.T) {
	primary := store.NewMemoryStore()
	secondary := &failingStore{saveErr: errors.New("disk full")}
	s := store.NewMirroredStore(primary, secondary)
	ctx := context.Background()

	require.NoError(t, s.SaveTask(ctx, newTask("m1", models.TaskStatusPending, 0)))
	assert.Equal(t, 1, secondary.saves)

	got, err := s.GetTask(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)

	n, err := s.DeleteAllTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMirroredStore_PrimaryFailureReturned(t *testing.T) {
	primary := &failingStore{saveErr: errors.New("redis down")}
	secondary := store.NewMemoryStore()
	s := store.NewMirroredStore(primary, secondary)

	err := s.SaveTask(context.Background(), newTask("m1", models.TaskStatusPending, 0))
	assert.EqualError(t, err, "redis down")
	_, err = secondary.GetTask(context.Background(), "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Copy ---

func TestCopy(t *testing.T) {
	src, dst := store.NewMemoryStore(), store.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < store.MaxListLimit+3; i++ {
		require.NoError(t, src.SaveTask(ctx, newTask(fmt.Sprintf("k%03d", i), models.TaskStatusCompleted, time.Duration(i)*time.Second)))
	}

	ticks := 0
	n, err := store.Copy(ctx, dst, src, func() { ticks++ })
	require.NoError(t, err)
	assert.Equal(t, store.MaxListLimit+3, n)
	assert.Equal(t, n, ticks)

	got, err := dst.GetTask(ctx, "k202")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
}

func TestCopy_StopsOnWriteError(t *testing.T) {
	src := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, src.SaveTask(ctx, newTask("e1", models.TaskStatusPending, 0)))

	n, err := store.Copy(ctx, &failingStore{saveErr: errors.New("boom")}, src, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy task e1")
	assert.Zero(t, n)
}

type counter interface {
	Count(ctx context.Context) (int64, error)
}

func checkCount(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	c, ok := s.(counter)
	require.True(t, ok)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.SaveTask(ctx, newTask("c1", models.TaskStatusPending, 0)))
	require.NoError(t, s.SaveTask(ctx, newTask("c2", models.TaskStatusPending, time.Second)))
	require.NoError(t, s.SaveTask(ctx, newTask("c1", models.TaskStatusCompleted, 0)))

	n, err = c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStore_Count(t *testing.T) {
	checkCount(t, store.NewMemoryStore())
}

func TestRedisStore_Count(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	checkCount(t, setupRedis(t))
}

func TestOpenRelational_SQLite(t *testing.T) {
	ctx := context.Background()
	cfg := config.DatabaseConfig{Driver: "sqlite", URL: filepath.Join(t.TempDir(), "mirror.db")}

	s, closeFn, err := store.OpenRelational(ctx, cfg)
	require.NoError(t, err)
	defer closeFn()

	require.NoError(t, s.SaveTask(ctx, newTask("r1", models.TaskStatusPending, 0)))
	got, err := s.GetTask(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1.jpg", got.Filename)
}

func TestOpenRelational_UnsupportedDriver(t *testing.T) {
	_, _, err := store.OpenRelational(context.Background(), config.DatabaseConfig{Driver: "mysql", URL: "x"})
	require.Error(t, err)
}
