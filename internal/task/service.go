// Package task owns the task lifecycle outside the worker: uploads, reads,
// user mutations, requeueing and the on-disk layout of source and output
// files.
package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaize/internal/config"
	"github.com/kiranshivaraju/relaize/internal/metrics"
	"github.com/kiranshivaraju/relaize/internal/processor"
	"github.com/kiranshivaraju/relaize/internal/queue"
	"github.com/kiranshivaraju/relaize/internal/store"
	"github.com/kiranshivaraju/relaize/pkg/models"
)

const (
	msgRequeued  = "re-queued"
	msgCancelled = "cancelled by user"
)

// Previewer renders an inline preview. *processor.Processor implements it.
type Previewer interface {
	Preview(ctx context.Context, src string, adj *models.Adjustments) (*processor.Preview, error)
}

// Upload is an incoming image.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
	Adjustments *models.Adjustments
}

type Service struct {
	store        store.Store
	queue        queue.Queue
	previewer    Previewer
	metrics      *metrics.Metrics
	uploadDir    string
	processedDir string

	now   func() time.Time
	newID func() string
}

func NewService(st store.Store, q queue.Queue, previewer Previewer, cfg config.StorageConfig, m *metrics.Metrics) *Service {
	return &Service{
		store:        st,
		queue:        q,
		previewer:    previewer,
		metrics:      m,
		uploadDir:    cfg.UploadDir,
		processedDir: cfg.ProcessedDir,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
}

// EnsureDirs creates the upload and processed directories.
func (s *Service) EnsureDirs() error {
	for _, dir := range []string{s.uploadDir, s.processedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Create stores the upload under a fresh id, saves a pending task and
// queues it.
func (s *Service) Create(ctx context.Context, up Upload) (*models.Task, error) {
	name := cleanFilename(up.Filename)
	if name == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidUpload)
	}
	if up.Body == nil {
		return nil, fmt.Errorf("%w: file body is required", ErrInvalidUpload)
	}
	if err := up.Adjustments.Validate(); err != nil {
		return nil, err
	}

	id := s.newID()
	path := filepath.Join(s.uploadDir, id+"_"+name)
	size, err := writeFile(path, up.Body)
	if err != nil {
		return nil, err
	}

	now := s.now()
	t := &models.Task{
		ID:          id,
		Filename:    name,
		Size:        size,
		ContentType: up.ContentType,
		Status:      models.TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		SourceURL:   sourceURL(id),
		Adjustments: up.Adjustments.Clone(),
	}
	if err := s.saveAndEnqueue(ctx, t); err != nil {
		os.Remove(path)
		return nil, err
	}
	slog.Info("task created", "task_id", id, "filename", name, "size", size)
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	return t, nil
}

func (s *Service) List(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, filter.Status)
	}
	return s.store.ListTasks(ctx, filter)
}

// Update applies a client's partial mutation. A status change must follow
// the client lifecycle, so a finished task cannot be reopened and a pending
// task cannot jump straight to completed.
func (s *Service) Update(ctx context.Context, id string, u models.TaskUpdate) (*models.Task, error) {
	return s.update(ctx, id, u, true)
}

// Record applies a status write from the worker. It skips the client
// transition check since a cancelled task that was already running may
// still finish.
func (s *Service) Record(ctx context.Context, id string, u models.TaskUpdate) (*models.Task, error) {
	return s.update(ctx, id, u, false)
}

func (s *Service) update(ctx context.Context, id string, u models.TaskUpdate, checkTransition bool) (*models.Task, error) {
	if u.Status != nil && !u.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *u.Status)
	}
	if err := u.Adjustments.Validate(); err != nil {
		return nil, err
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if checkTransition && u.Status != nil && !t.Status.CanTransition(*u.Status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, t.Status, *u.Status)
	}
	u.Apply(t, s.now())
	if err := s.store.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("saving task %s: %w", id, err)
	}
	return t, nil
}

// Reprocess resets the task to pending and appends it to the queue tail.
// Results of the previous run are cleared.
func (s *Service) Reprocess(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	models.TaskUpdate{
		Status:  models.StatusPtr(models.TaskStatusPending),
		Message: models.StringPtr(msgRequeued),
	}.Apply(t, s.now())
	t.Metrics = nil
	t.PreviewURL = ""
	t.ProcessedAt = nil
	t.Pipeline = nil
	if err := s.saveAndEnqueue(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Cancel marks a task cancelled. A task already running keeps running and
// may still finish as completed.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TaskStatusCompleted || t.Status == models.TaskStatusFailed {
		return nil, fmt.Errorf("%w: task is already %s", ErrInvalidTransition, t.Status)
	}
	return s.Update(ctx, id, models.TaskUpdate{
		Status:  models.StatusPtr(models.TaskStatusCancelled),
		Message: models.StringPtr(msgCancelled),
	})
}

// Adjust derives a new pending task from an existing one. The parent's
// source file is copied under the new id and the parent is left untouched.
func (s *Service) Adjust(ctx context.Context, id string, adj *models.Adjustments) (*models.Task, error) {
	if err := adj.Validate(); err != nil {
		return nil, err
	}
	parent, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	src, err := s.existing(s.SourcePath(parent))
	if err != nil {
		return nil, err
	}
	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	childID := s.newID()
	path := filepath.Join(s.uploadDir, childID+"_"+parent.Filename)
	size, err := writeFile(path, in)
	if err != nil {
		return nil, err
	}

	if adj == nil {
		adj = &models.Adjustments{}
	}
	now := s.now()
	child := &models.Task{
		ID:          childID,
		Filename:    parent.Filename,
		Size:        size,
		ContentType: parent.ContentType,
		Status:      models.TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		SourceURL:   sourceURL(childID),
		Adjustments: adj.Clone(),
		ParentID:    parent.ID,
	}
	if err := s.saveAndEnqueue(ctx, child); err != nil {
		os.Remove(path)
		return nil, err
	}
	slog.Info("adjusted task created", "task_id", childID, "parent_id", parent.ID)
	return child, nil
}

// PreviewAdjust renders the task's source through the pipeline inline.
// Fields missing from adj fall back to the task's stored adjustments.
func (s *Service) PreviewAdjust(ctx context.Context, id string, adj *models.Adjustments) (*processor.Preview, error) {
	if err := adj.Validate(); err != nil {
		return nil, err
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	src, err := s.existing(s.SourcePath(t))
	if err != nil {
		return nil, err
	}
	return s.previewer.Preview(ctx, src, adj.WithFallback(t.Adjustments))
}

// ClearAll deletes every task record and the files behind them. Ids still
// in the queue are dropped by the worker when their record is missing.
func (s *Service) ClearAll(ctx context.Context) (int, error) {
	n, err := s.store.DeleteAllTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("deleting tasks: %w", err)
	}
	for _, dir := range []string{s.uploadDir, s.processedDir} {
		if err := emptyDir(dir); err != nil {
			slog.Error("failed to remove task files", "dir", dir, "error", err)
		}
	}
	slog.Info("tasks cleared", "count", n)
	return n, nil
}

func (s *Service) SourcePath(t *models.Task) string {
	return filepath.Join(s.uploadDir, t.ID+"_"+t.Filename)
}

func (s *Service) ProcessedPath(t *models.Task) string {
	ext := filepath.Ext(t.Filename)
	if ext == "" {
		ext = ".jpg"
	}
	return filepath.Join(s.processedDir, t.ID+ext)
}

// SourceFile returns the path of the task's uploaded file.
func (s *Service) SourceFile(ctx context.Context, id string) (string, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.existing(s.SourcePath(t))
}

// ProcessedFile returns the path of the task's output, which exists only
// once the worker has finished it.
func (s *Service) ProcessedFile(ctx context.Context, id string) (string, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.existing(s.ProcessedPath(t))
}

func (s *Service) saveAndEnqueue(ctx context.Context, t *models.Task) error {
	if err := s.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	if err := s.queue.Push(ctx, t.ID); err != nil {
		return fmt.Errorf("queueing task %s: %w", t.ID, err)
	}
	s.metrics.TaskEnqueued()
	return nil
}

func (s *Service) existing(path string) (string, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.IsDir()) {
		return "", ErrFileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	return path, nil
}

// PreviewURL is where the processed image of task id is served.
func PreviewURL(id string) string { return "/api/tasks/" + id + "/preview" }

func sourceURL(id string) string { return "/api/tasks/" + id + "/source" }

// cleanFilename keeps only the base name so uploads cannot escape the
// upload directory.
func cleanFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("writing %s: %w", path, err)
	}
	return n, nil
}

func emptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
