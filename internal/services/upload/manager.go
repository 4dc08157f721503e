package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gradeassist-desktop/internal/api"
	"gradeassist-desktop/internal/config"
	"gradeassist-desktop/internal/dedup"
	"gradeassist-desktop/internal/events"
	"gradeassist-desktop/internal/logging"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Backend is the part of the grading API the upload queue needs
type Backend interface {
	UploadFile(ctx context.Context, req api.UploadRequest) (string, error)
	CreateSubmission(ctx context.Context, req api.CreateSubmissionRequest) (string, error)
}

// Tracker starts status polling for a freshly created submission
type Tracker interface {
	Track(submissionID string) error
}

// TaskStore persists terminal task states
type TaskStore interface {
	SaveTask(task Task) error
}

// Option customises a Manager
type Option func(*Manager)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithTracker hands completed submissions to a status monitor
func WithTracker(t Tracker) Option {
	return func(m *Manager) { m.tracker = t }
}

// WithStore records terminal task states
func WithStore(s TaskStore) Option {
	return func(m *Manager) { m.store = s }
}

type entry struct {
	task   Task
	expiry *clock.Timer
}

type batch struct {
	taskIDs  []string
	outcome  map[string]Status
	rejected int
	done     bool
}

// Manager owns the upload queue. Each task runs upload then
// create-submission in its own goroutine.
type Manager struct {
	cfg            config.UploadConfig
	requestTimeout time.Duration
	validator      *Validator
	backend        Backend
	emitter        events.Emitter
	tracker        Tracker
	store          TaskStore
	clock          clock.Clock
	guard          *dedup.Guard

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.RWMutex
	tasks   map[string]*entry
	order   []string
	batches map[string]*batch
}

// NewManager creates an upload queue
func NewManager(cfg config.UploadConfig, requestTimeout time.Duration, backend Backend, emitter events.Emitter, opts ...Option) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if emitter == nil {
		emitter = events.Nop{}
	}

	m := &Manager{
		cfg:            cfg,
		requestTimeout: requestTimeout,
		validator:      NewValidator(cfg.AllowedTypes, cfg.MaxFileSizeBytes()),
		backend:        backend,
		emitter:        emitter,
		clock:          clock.New(),
		guard:          dedup.NewGuard(cfg.DedupWindow),
		sem:            make(chan struct{}, cfg.MaxConcurrent),
		tasks:          make(map[string]*entry),
		batches:        make(map[string]*batch),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Validator returns the validator used for incoming files
func (m *Manager) Validator() *Validator {
	return m.validator
}

// Enqueue creates one task per valid file and starts them. It returns
// immediately; progress is reported through events.
func (m *Manager) Enqueue(files []FileDescriptor, category Category, opts EnqueueOptions) (*EnqueueResult, error) {
	if !category.Valid() {
		return nil, &ValidationError{"Category", fmt.Sprintf("unknown upload category %q", category)}
	}
	if category == CategoryAssignmentSource && opts.AssignmentID == "" {
		return nil, &ValidationError{"AssignmentID", "required for assignment source uploads"}
	}
	if len(files) == 0 {
		return nil, &ValidationError{"Files", "no files selected"}
	}

	if !m.guard.ShouldAllow("upload:"+string(category), m.clock.Now()) {
		logging.DefaultLogger.Infof("Ignoring duplicate %s upload within %s", category, m.guard.Window())
		return &EnqueueResult{TaskIDs: []string{}, Duplicate: true}, nil
	}

	valid, rejected := m.validator.Partition(files)
	for _, r := range rejected {
		logging.DefaultLogger.Warnf("Rejected %s: %s", r.File.Name, r.Reason)
	}

	batchID := uuid.New().String()
	now := m.clock.Now()
	b := &batch{
		outcome:  make(map[string]Status),
		rejected: len(rejected),
	}
	created := make([]Task, 0, len(valid))

	m.mu.Lock()
	for _, f := range valid {
		t := Task{
			ID:           uuid.New().String(),
			BatchID:      batchID,
			File:         f,
			Category:     category,
			AssignmentID: opts.AssignmentID,
			Status:       StatusPending,
			Message:      "Waiting to upload...",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		m.tasks[t.ID] = &entry{task: t}
		m.order = append(m.order, t.ID)
		b.taskIDs = append(b.taskIDs, t.ID)
		created = append(created, t)
	}
	m.batches[batchID] = b
	m.mu.Unlock()

	result := &EnqueueResult{
		BatchID:  batchID,
		TaskIDs:  append([]string{}, b.taskIDs...),
		Rejected: rejected,
	}
	if result.Rejected == nil {
		result.Rejected = []Rejection{}
	}

	logging.DefaultLogger.Infof("Queued %d %s upload(s), %d rejected", len(created), category, len(rejected))

	for _, t := range created {
		m.emitter.Emit(events.UploadTask, t)
	}
	if len(created) == 0 {
		m.checkBatch(batchID)
	}
	for _, t := range created {
		m.start(t.ID, t.RetryCount)
	}

	return result, nil
}

// Retry re-runs a failed task from the upload step
func (m *Manager) Retry(taskID string) error {
	m.mu.Lock()
	e, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if e.task.Status != StatusError {
		m.mu.Unlock()
		return ErrNotRetryable
	}
	e.task.RetryCount++
	e.task.Status = StatusPending
	e.task.Progress = 0
	e.task.Message = "Waiting to retry..."
	e.task.FileID = ""
	e.task.UpdatedAt = m.clock.Now()
	snapshot := e.task
	m.mu.Unlock()

	logging.DefaultLogger.Infof("Retrying upload %s (attempt %d)", snapshot.File.Name, snapshot.RetryCount+1)
	m.emitter.Emit(events.UploadTask, snapshot)
	m.start(taskID, snapshot.RetryCount)
	return nil
}

// Remove drops a finished task from the queue
func (m *Manager) Remove(taskID string) error {
	m.mu.Lock()
	e, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if !e.task.Status.Terminal() {
		m.mu.Unlock()
		return ErrTaskActive
	}
	m.deleteLocked(taskID)
	m.mu.Unlock()

	m.emitter.Emit(events.UploadRemoved, taskID)
	return nil
}

// List returns copies of all visible tasks in creation order
func (m *Manager) List() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tasks[id].task)
	}
	return out
}

// Get returns a copy of one task
func (m *Manager) Get(taskID string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return e.task, nil
}

// BatchResult returns the aggregate outcome of an Enqueue call. ok is false
// until every task of the batch has finished at least once.
func (m *Manager) BatchResult(batchID string) (result BatchResult, ok bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, exists := m.batches[batchID]
	if !exists {
		return BatchResult{}, false, fmt.Errorf("batch %s not found", batchID)
	}
	return b.result(batchID), b.done, nil
}

// Wait blocks until no task goroutine is running
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) start(taskID string, attempt int) {
	m.wg.Add(1)
	go m.run(taskID, attempt)
}

func (m *Manager) run(taskID string, attempt int) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.DefaultLogger.Errorf("Upload panic recovered: %v", r)
			m.fail(taskID, attempt, fmt.Sprintf("Upload failed: %v", r))
		}
	}()

	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	task, ok := m.begin(taskID, attempt)
	if !ok {
		return
	}

	// Phase 1: upload the file bytes
	timeout := UploadTimeout(task.File.Size, m.cfg.MinTimeout, m.cfg.TimeoutPerMB)
	ctx, cancel := m.clock.WithTimeout(context.Background(), timeout)
	fileID, err := m.backend.UploadFile(ctx, api.UploadRequest{
		Path:     task.File.Path,
		FileName: task.File.Name,
		Size:     task.File.Size,
		Category: string(task.Category),
		OnProgress: func(sent, total int64) {
			m.reportBytes(taskID, attempt, sent, total)
		},
	})
	timedOut := ctx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		msg := failureMessage("Upload", err, timedOut, timeout)
		logging.DefaultLogger.Warnf("Upload of %s failed: %v", task.File.Name, err)
		m.fail(taskID, attempt, msg)
		return
	}

	if !m.update(taskID, attempt, func(t *Task) {
		t.FileID = fileID
		t.Progress = max(t.Progress, 90)
		t.Message = "Creating submission..."
	}) {
		return
	}

	// Phase 2: register the uploaded file as a submission
	ctx, cancel = m.clock.WithTimeout(context.Background(), m.requestTimeout)
	submissionID, err := m.backend.CreateSubmission(ctx, api.CreateSubmissionRequest{
		FileID:       fileID,
		Category:     string(task.Category),
		AssignmentID: task.AssignmentID,
	})
	timedOut = ctx.Err() == context.DeadlineExceeded
	cancel()
	if err != nil {
		msg := failureMessage("Create submission", err, timedOut, m.requestTimeout)
		logging.DefaultLogger.Warnf("Create submission for %s failed: %v", task.File.Name, err)
		m.fail(taskID, attempt, msg)
		return
	}

	m.complete(taskID, attempt, submissionID)
}

// begin moves a pending task to uploading
func (m *Manager) begin(taskID string, attempt int) (Task, bool) {
	var snapshot Task
	ok := m.update(taskID, attempt, func(t *Task) {
		t.Status = StatusUploading
		t.Progress = 5
		t.Message = "Uploading..."
		snapshot = *t
	})
	return snapshot, ok
}

// reportBytes maps upload byte progress onto 5-85%
func (m *Manager) reportBytes(taskID string, attempt int, sent, total int64) {
	if total <= 0 {
		return
	}
	p := 5 + int(sent*80/total)
	if p > 85 {
		p = 85
	}

	m.mu.Lock()
	e, ok := m.tasks[taskID]
	if !ok || e.task.RetryCount != attempt || e.task.Status != StatusUploading || p <= e.task.Progress {
		m.mu.Unlock()
		return
	}
	e.task.Progress = p
	e.task.UpdatedAt = m.clock.Now()
	snapshot := e.task
	m.mu.Unlock()

	m.emitter.Emit(events.UploadTask, snapshot)
}

// update mutates a live attempt of a non-terminal task and emits the result.
// It returns false when the task was removed, retried or already finished.
func (m *Manager) update(taskID string, attempt int, fn func(t *Task)) bool {
	m.mu.Lock()
	e, ok := m.tasks[taskID]
	if !ok || e.task.RetryCount != attempt || e.task.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	fn(&e.task)
	e.task.UpdatedAt = m.clock.Now()
	snapshot := e.task
	m.mu.Unlock()

	m.emitter.Emit(events.UploadTask, snapshot)
	return true
}

func (m *Manager) fail(taskID string, attempt int, msg string) {
	var snapshot Task
	if !m.update(taskID, attempt, func(t *Task) {
		t.Status = StatusError
		t.Message = msg
		snapshot = *t
	}) {
		return
	}
	m.finished(snapshot)
}

func (m *Manager) complete(taskID string, attempt int, submissionID string) {
	var snapshot Task
	if !m.update(taskID, attempt, func(t *Task) {
		t.Status = StatusCompleted
		t.Progress = 100
		t.SubmissionID = submissionID
		t.Message = "Submitted for grading"
		snapshot = *t
	}) {
		return
	}

	logging.DefaultLogger.Infof("Uploaded %s as submission %s", snapshot.File.Name, submissionID)

	if m.tracker != nil {
		if err := m.tracker.Track(submissionID); err != nil {
			logging.DefaultLogger.Warnf("Failed to start grading monitor for %s: %v", submissionID, err)
		}
	}

	m.mu.Lock()
	if e, ok := m.tasks[taskID]; ok && m.cfg.DisplayExpiry > 0 {
		e.expiry = m.clock.AfterFunc(m.cfg.DisplayExpiry, func() { m.expire(taskID) })
	}
	m.mu.Unlock()

	m.finished(snapshot)
}

// finished persists a terminal task and updates its batch
func (m *Manager) finished(task Task) {
	if m.store != nil {
		if err := m.store.SaveTask(task); err != nil {
			logging.DefaultLogger.Warnf("Failed to save upload history: %v", err)
		}
	}

	m.mu.Lock()
	if b, ok := m.batches[task.BatchID]; ok {
		if _, seen := b.outcome[task.ID]; !seen {
			b.outcome[task.ID] = task.Status
		}
	}
	m.mu.Unlock()

	m.checkBatch(task.BatchID)
}

// checkBatch emits the batch result the first time every task has finished
func (m *Manager) checkBatch(batchID string) {
	m.mu.Lock()
	b, ok := m.batches[batchID]
	if !ok || b.done || len(b.outcome) < len(b.taskIDs) {
		m.mu.Unlock()
		return
	}
	b.done = true
	result := b.result(batchID)
	m.mu.Unlock()

	logging.DefaultLogger.Infof("Batch %s finished: %d succeeded, %d failed, %d rejected",
		batchID, result.Succeeded, result.Failed, result.Rejected)
	m.emitter.Emit(events.UploadBatch, result)
}

// expire removes a completed task once its display time is over
func (m *Manager) expire(taskID string) {
	m.mu.Lock()
	e, ok := m.tasks[taskID]
	if !ok || e.task.Status != StatusCompleted {
		m.mu.Unlock()
		return
	}
	m.deleteLocked(taskID)
	m.mu.Unlock()

	m.emitter.Emit(events.UploadRemoved, taskID)
}

func (m *Manager) deleteLocked(taskID string) {
	if e := m.tasks[taskID]; e != nil && e.expiry != nil {
		e.expiry.Stop()
	}
	delete(m.tasks, taskID)
	for i, id := range m.order {
		if id == taskID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (b *batch) result(batchID string) BatchResult {
	r := BatchResult{
		BatchID:  batchID,
		Total:    len(b.taskIDs),
		Rejected: b.rejected,
	}
	for _, s := range b.outcome {
		switch s {
		case StatusCompleted:
			r.Succeeded++
		case StatusError:
			r.Failed++
		}
	}
	return r
}

// failureMessage turns a call error into the text shown on the task
func failureMessage(op string, err error, timedOut bool, timeout time.Duration) string {
	if timedOut || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s timed out after %s", op, timeout)
	}

	var serverErr *api.ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Message
	}

	return fmt.Sprintf("%s failed: %v", op, err)
}
