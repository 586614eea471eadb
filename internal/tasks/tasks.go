// Package tasks runs long document jobs in the background with a
// bounded worker pool and polls their state by id.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reportdesk/internal/models"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// retention keeps finished tasks pollable for a while after completion.
const retention = time.Hour

// Task is a point-in-time snapshot of one background job.
type Task struct {
	ID        string `json:"task_id"`
	Status    Status `json:"status"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
	Structure any    `json:"structure,omitempty"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Owner     *int64 `json:"-"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type task struct {
	mu   sync.Mutex
	snap Task
}

// Manager owns the task table and the concurrency slots.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*task
	slots chan struct{}
	log   zerolog.Logger
}

func NewManager(maxConcurrent int, log zerolog.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Manager{
		tasks: make(map[string]*task),
		slots: make(chan struct{}, maxConcurrent),
		log:   log,
	}
}

// Handle is passed to the job function for progress reporting.
type Handle struct {
	t *task
}

func (h *Handle) SetProgress(percent int, message string) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if percent > h.t.snap.Progress {
		h.t.snap.Progress = percent
	}
	h.t.snap.Message = message
	h.t.snap.UpdatedAt = time.Now().UTC()
}

// SetStructure publishes an intermediate payload, such as the detected
// outline, before the job finishes.
func (h *Handle) SetStructure(v any) {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	h.t.snap.Structure = v
	h.t.snap.UpdatedAt = time.Now().UTC()
}

// Submit registers the job and runs it once a slot frees up. The
// returned id is immediately pollable in status queued.
func (m *Manager) Submit(ctx context.Context, owner *int64, run func(ctx context.Context, h *Handle) (any, error)) string {
	now := time.Now().UTC()
	t := &task{snap: Task{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	m.mu.Lock()
	m.pruneLocked(now)
	m.tasks[t.snap.ID] = t
	m.mu.Unlock()

	go m.execute(ctx, t, run)
	return t.snap.ID
}

func (m *Manager) execute(ctx context.Context, t *task, run func(ctx context.Context, h *Handle) (any, error)) {
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		m.finish(t, nil, ctx.Err())
		return
	}
	defer func() { <-m.slots }()

	t.mu.Lock()
	t.snap.Status = StatusProcessing
	t.snap.UpdatedAt = time.Now().UTC()
	t.mu.Unlock()

	result, err := run(ctx, &Handle{t: t})
	m.finish(t, result, err)
}

func (m *Manager) finish(t *task, result any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.UpdatedAt = time.Now().UTC()
	if err != nil {
		t.snap.Status = StatusFailed
		t.snap.Error = friendlyError(err)
		m.log.Error().Err(err).Str("task", t.snap.ID).Msg("task failed")
		return
	}
	t.snap.Status = StatusSuccess
	t.snap.Progress = 100
	t.snap.Result = result
}

// Get returns the task snapshot. A task submitted by a different owner
// is reported as unknown.
func (m *Manager) Get(id string, owner *int64) (Task, bool) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return Task{}, false
	}
	t.mu.Lock()
	snap := t.snap
	t.mu.Unlock()
	if !sameOwner(snap.Owner, owner) {
		return Task{}, false
	}
	return snap, true
}

func sameOwner(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// pruneLocked drops finished tasks past the retention window.
func (m *Manager) pruneLocked(now time.Time) {
	for id, t := range m.tasks {
		t.mu.Lock()
		done := t.snap.Status == StatusSuccess || t.snap.Status == StatusFailed
		expired := done && now.Sub(t.snap.UpdatedAt) > retention
		t.mu.Unlock()
		if expired {
			delete(m.tasks, id)
		}
	}
}

// friendlyError maps pipeline failures onto messages fit for the
// authoring UI.
func friendlyError(err error) string {
	var malformed *models.MalformedPackageError
	switch {
	case errors.As(err, &malformed):
		return "上传的文件不是有效的 Word 文档"
	case errors.Is(err, models.ErrDuplicateReport):
		return "同名报告已存在"
	case errors.Is(err, models.ErrNoChapters):
		return "文档中未检测到任何标题样式的章节"
	case errors.Is(err, models.ErrNoSourceFiles):
		return "没有可用的章节文件"
	case errors.Is(err, models.ErrReportNotFound):
		return "报告不存在"
	default:
		return err.Error()
	}
}
