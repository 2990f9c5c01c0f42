package task_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/processor"
	"github.com/kiranshivaraju/relaize/internal/queue"
	"github.com/kiranshivaraju/relaize/internal/store"
	"github.com/kiranshivaraju/relaize/internal/task"
	"github.com/kiranshivaraju/relaize/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPreviewer struct {
	PreviewFunc func(ctx context.Context, src string, adj *models.Adjustments) (*processor.Preview, error)
}

func (m *mockPreviewer) Preview(ctx context.Context, src string, adj *models.Adjustments) (*processor.Preview, error) {
	if m.PreviewFunc != nil {
		return m.PreviewFunc(ctx, src, adj)
	}
	return &processor.Preview{Image: "data:image/jpeg;base64,AA==", Width: 1, Height: 1}, nil
}

type fixture struct {
	svc       *task.Service
	store     *store.MemoryStore
	queue     *queue.MemoryQueue
	previewer *mockPreviewer
	cfg       config.StorageConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.StorageConfig{
		Root:         root,
		UploadDir:    filepath.Join(root, "uploads"),
		ProcessedDir: filepath.Join(root, "processed"),
	}
	f := &fixture{
		store:     store.NewMemoryStore(),
		queue:     queue.NewMemoryQueue(),
		previewer: &mockPreviewer{},
		cfg:       cfg,
	}
	f.svc = task.NewService(f.store, f.queue, f.previewer, cfg, nil)
	require.NoError(t, f.svc.EnsureDirs())
	return f
}

func (f *fixture) upload(t *testing.T, name, body string) *models.Task {
	t.Helper()
	created, err := f.svc.Create(context.Background(), task.Upload{
		Filename:    name,
		ContentType: "image/jpeg",
		Body:        strings.NewReader(body),
	})
	require.NoError(t, err)
	return created
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	created := f.upload(t, "photo.jpg", "jpeg-bytes")

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "photo.jpg", created.Filename)
	assert.Equal(t, int64(len("jpeg-bytes")), created.Size)
	assert.Equal(t, "image/jpeg", created.ContentType)
	assert.Equal(t, models.TaskStatusPending, created.Status)
	assert.Equal(t, "/api/tasks/"+created.ID+"/source", created.SourceURL)
	assert.False(t, created.CreatedAt.IsZero())

	data, err := os.ReadFile(filepath.Join(f.cfg.UploadDir, created.ID+"_photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))

	assert.Equal(t, []string{created.ID}, f.queue.Snapshot())
}

func TestCreate_StripsDirectories(t *testing.T) {
	f := newFixture(t)
	created := f.upload(t, "../../etc/evil.png", "x")
	assert.Equal(t, "evil.png", created.Filename)

	_, err := os.Stat(filepath.Join(f.cfg.UploadDir, created.ID+"_evil.png"))
	assert.NoError(t, err)
}

func TestCreate_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, task.Upload{Filename: "", Body: strings.NewReader("x")})
	assert.ErrorIs(t, err, task.ErrInvalidUpload)

	_, err = f.svc.Create(ctx, task.Upload{Filename: "a.jpg"})
	assert.ErrorIs(t, err, task.ErrInvalidUpload)

	_, err = f.svc.Create(ctx, task.Upload{
		Filename:    "a.jpg",
		Body:        strings.NewReader("x"),
		Adjustments: &models.Adjustments{TargetScale: 20},
	})
	assert.ErrorIs(t, err, models.ErrInvalidAdjustments)

	assert.Empty(t, f.queue.Snapshot())
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	created := f.upload(t, "a.jpg", "x")

	first, err := f.svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	second, err := f.svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = f.svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	a := f.upload(t, "a.jpg", "x")
	f.upload(t, "b.jpg", "x")
	_, err := f.svc.Cancel(context.Background(), a.ID)
	require.NoError(t, err)

	all, err := f.svc.List(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	cancelled, err := f.svc.List(context.Background(), store.TaskFilter{Status: models.TaskStatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, a.ID, cancelled[0].ID)

	_, err = f.svc.List(context.Background(), store.TaskFilter{Status: "bogus"})
	assert.ErrorIs(t, err, task.ErrInvalidStatus)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	created := f.upload(t, "a.jpg", "x")

	updated, err := f.svc.Update(context.Background(), created.ID, models.TaskUpdate{
		Message:     models.StringPtr("note"),
		Adjustments: &models.Adjustments{ModelName: "RealESRGAN_x4plus"},
	})
	require.NoError(t, err)
	assert.Equal(t, "note", updated.Message)
	assert.Equal(t, "RealESRGAN_x4plus", updated.Adjustments.ModelName)
	assert.Equal(t, models.TaskStatusPending, updated.Status)
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

	_, err = f.svc.Update(context.Background(), created.ID, models.TaskUpdate{Status: models.StatusPtr("weird")})
	assert.ErrorIs(t, err, task.ErrInvalidStatus)

	_, err = f.svc.Update(context.Background(), "missing", models.TaskUpdate{})
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestUpdate_EnforcesLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.upload(t, "a.jpg", "x")

	_, err := f.svc.Update(ctx, created.ID, models.TaskUpdate{Status: models.StatusPtr(models.TaskStatusCompleted)})
	assert.ErrorIs(t, err, task.ErrInvalidTransition, "pending cannot jump to completed")
	got, err := f.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)

	_, err = f.svc.Update(ctx, created.ID, models.TaskUpdate{Status: models.StatusPtr(models.TaskStatusProcessing)})
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, created.ID, models.TaskUpdate{Status: models.StatusPtr(models.TaskStatusCompleted)})
	require.NoError(t, err)

	for _, back := range []models.TaskStatus{models.TaskStatusProcessing, models.TaskStatusPending, models.TaskStatusFailed} {
		_, err = f.svc.Update(ctx, created.ID, models.TaskUpdate{Status: models.StatusPtr(back)})
		assert.ErrorIs(t, err, task.ErrInvalidTransition, "completed to %s", back)
	}

	updated, err := f.svc.Update(ctx, created.ID, models.TaskUpdate{Message: models.StringPtr("note")})
	require.NoError(t, err, "non-status fields stay editable")
	assert.Equal(t, models.TaskStatusCompleted, updated.Status)
}

func TestRecord_SkipsLifecycleCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.upload(t, "a.jpg", "x")
	_, err := f.svc.Cancel(ctx, created.ID)
	require.NoError(t, err)

	got, err := f.svc.Record(ctx, created.ID, models.TaskUpdate{Status: models.StatusPtr(models.TaskStatusCompleted)})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)

	_, err = f.svc.Record(ctx, created.ID, models.TaskUpdate{Status: models.StatusPtr("weird")})
	assert.ErrorIs(t, err, task.ErrInvalidStatus)
}

func TestReprocess(t *testing.T) {
	f := newFixture(t)
	created := f.upload(t, "a.jpg", "x")
	done := time.Now().UTC()
	_, err := f.svc.Record(context.Background(), created.ID, models.TaskUpdate{
		Status:      models.StatusPtr(models.TaskStatusCompleted),
		Metrics:     models.Metrics{"entropy": {Before: 6, After: 7, Delta: 1}},
		PreviewURL:  models.StringPtr(task.PreviewURL(created.ID)),
		ProcessedAt: &done,
		Pipeline:    &models.PipelineSummary{},
	})
	require.NoError(t, err)

	got, err := f.svc.Reprocess(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Equal(t, "re-queued", got.Message)
	assert.Nil(t, got.Metrics)
	assert.Empty(t, got.PreviewURL)
	assert.Nil(t, got.ProcessedAt)
	assert.Nil(t, got.Pipeline)

	stored, err := f.svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Metrics)
	assert.Nil(t, stored.Pipeline)
	assert.Equal(t, []string{created.ID, created.ID}, f.queue.Snapshot())

	_, err = f.svc.Reprocess(context.Background(), "missing")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	created := f.upload(t, "a.jpg", "x")

	got, err := f.svc.Cancel(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)
	assert.Equal(t, "cancelled by user", got.Message)

	_, err = f.svc.Record(context.Background(), created.ID, models.TaskUpdate{Status: models.StatusPtr(models.TaskStatusCompleted)})
	require.NoError(t, err)
	_, err = f.svc.Cancel(context.Background(), created.ID)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
}

func TestAdjust_CreatesChild(t *testing.T) {
	f := newFixture(t)
	parent := f.upload(t, "a.png", "source-bytes")

	adj := &models.Adjustments{ModelName: "RealESRGAN_x4plus", TargetScale: 2}
	child, err := f.svc.Adjust(context.Background(), parent.ID, adj)
	require.NoError(t, err)

	assert.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.Equal(t, "a.png", child.Filename)
	assert.Equal(t, models.TaskStatusPending, child.Status)
	assert.Equal(t, 2.0, child.Adjustments.TargetScale)

	data, err := os.ReadFile(f.svc.SourcePath(child))
	require.NoError(t, err)
	assert.Equal(t, "source-bytes", string(data))

	stored, err := f.svc.Get(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Adjustments)
	assert.Equal(t, []string{parent.ID, child.ID}, f.queue.Snapshot())

	adj.TargetScale = 4
	assert.Equal(t, 2.0, child.Adjustments.TargetScale)
}

func TestAdjust_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Adjust(ctx, "missing", nil)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)

	parent := f.upload(t, "a.png", "x")
	_, err = f.svc.Adjust(ctx, parent.ID, &models.Adjustments{FaceRestoreProvider: "magic"})
	assert.ErrorIs(t, err, models.ErrInvalidAdjustments)

	require.NoError(t, os.Remove(f.svc.SourcePath(parent)))
	_, err = f.svc.Adjust(ctx, parent.ID, nil)
	assert.ErrorIs(t, err, task.ErrFileNotFound)
}

func TestPreviewAdjust_MergesStoredAdjustments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.Create(ctx, task.Upload{
		Filename: "a.jpg",
		Body:     strings.NewReader("x"),
		Adjustments: &models.Adjustments{
			PresetID:  "portrait",
			ModelName: "RealESRGAN_x4plus",
		},
	})
	require.NoError(t, err)

	var gotSrc string
	var gotAdj *models.Adjustments
	f.previewer.PreviewFunc = func(_ context.Context, src string, adj *models.Adjustments) (*processor.Preview, error) {
		gotSrc, gotAdj = src, adj
		return &processor.Preview{Width: 4, Height: 4}, nil
	}

	preview, err := f.svc.PreviewAdjust(ctx, created.ID, &models.Adjustments{TargetScale: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, preview.Width)
	assert.Equal(t, f.svc.SourcePath(created), gotSrc)
	assert.Equal(t, 3.0, gotAdj.TargetScale)
	assert.Equal(t, "portrait", gotAdj.PresetID)
	assert.Equal(t, "RealESRGAN_x4plus", gotAdj.ModelName)
}

func TestPreviewAdjust_PropagatesFailure(t *testing.T) {
	f := newFixture(t)
	created := f.upload(t, "a.jpg", "x")
	f.previewer.PreviewFunc = func(context.Context, string, *models.Adjustments) (*processor.Preview, error) {
		return nil, errors.New("decode failed")
	}

	_, err := f.svc.PreviewAdjust(context.Background(), created.ID, nil)
	assert.EqualError(t, err, "decode failed")
}

func TestFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.upload(t, "a.png", "x")

	src, err := f.svc.SourceFile(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.cfg.UploadDir, created.ID+"_a.png"), src)

	_, err = f.svc.ProcessedFile(ctx, created.ID)
	assert.ErrorIs(t, err, task.ErrFileNotFound)

	out := f.svc.ProcessedPath(created)
	assert.Equal(t, filepath.Join(f.cfg.ProcessedDir, created.ID+".png"), out)
	require.NoError(t, os.WriteFile(out, []byte("y"), 0o644))
	got, err := f.svc.ProcessedFile(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, out, got)

	_, err = f.svc.SourceFile(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestProcessedPath_DefaultsToJPEG(t *testing.T) {
	f := newFixture(t)
	p := f.svc.ProcessedPath(&models.Task{ID: "abc", Filename: "noext"})
	assert.Equal(t, filepath.Join(f.cfg.ProcessedDir, "abc.jpg"), p)
}

func TestClearAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.upload(t, "a.jpg", "x")
	f.upload(t, "b.jpg", "x")
	require.NoError(t, os.WriteFile(f.svc.ProcessedPath(a), []byte("y"), 0o644))

	n, err := f.svc.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := f.svc.List(ctx, store.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	uploads, err := os.ReadDir(f.cfg.UploadDir)
	require.NoError(t, err)
	assert.Empty(t, uploads)
	processed, err := os.ReadDir(f.cfg.ProcessedDir)
	require.NoError(t, err)
	assert.Empty(t, processed)
}
