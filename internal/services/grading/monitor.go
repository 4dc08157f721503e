// Package grading follows submissions through recognition and grading by
// polling the backend status endpoint.
//
// Exactly one submission is polled at a time. Tracking a new submission
// retires the previous poller before the new one starts, and a retired
// poller can no longer change any session.
package grading

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gradeassist-desktop/internal/api"
	"gradeassist-desktop/internal/config"
	"gradeassist-desktop/internal/dedup"
	"gradeassist-desktop/internal/events"
	"gradeassist-desktop/internal/logging"

	"github.com/benbjohnson/clock"
)

// StatusSource reads submission status from the backend
type StatusSource interface {
	GetSubmissionStatus(ctx context.Context, submissionID string) (*api.SubmissionStatus, error)
}

// SessionStore persists finished sessions
type SessionStore interface {
	SaveSession(session Session) error
}

// Option customises a Monitor
type Option func(*Monitor)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithStore records finished sessions
func WithStore(s SessionStore) Option {
	return func(m *Monitor) { m.store = s }
}

// Monitor owns the active poller and the sessions shown to the user
type Monitor struct {
	cfg     config.GradingConfig
	source  StatusSource
	emitter events.Emitter
	store   SessionStore
	clock   clock.Clock
	guard   *dedup.Guard

	mu       sync.Mutex
	current  *poller
	sessions map[string]*Session
}

// NewMonitor creates a grading monitor
func NewMonitor(cfg config.GradingConfig, source StatusSource, emitter events.Emitter, opts ...Option) *Monitor {
	if emitter == nil {
		emitter = events.Nop{}
	}
	m := &Monitor{
		cfg:      cfg,
		source:   source,
		emitter:  emitter,
		clock:    clock.New(),
		guard:    dedup.NewGuard(cfg.DedupWindow),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track starts monitoring a submission, retiring whatever was polled before
func (m *Monitor) Track(submissionID string) error {
	if submissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	if !m.guard.ShouldAllow("track:"+submissionID, m.clock.Now()) {
		return ErrAlreadyTracking
	}

	m.mu.Lock()
	retired := m.retireLocked()

	now := m.clock.Now()
	sess := &Session{
		SubmissionID: submissionID,
		Stage:        StageQueued,
		StartedAt:    now,
		Deadline:     now.Add(m.cfg.PollTimeout),
		UpdatedAt:    now,
	}
	m.sessions[submissionID] = sess

	sess.Stage = StageRecognizing
	sess.Progress = progressStarted
	sess.Message = "Waiting for recognition..."

	p := newPoller(m, submissionID, sess.Deadline)
	m.current = p
	snapshot := *sess
	m.mu.Unlock()

	if retired != "" {
		logging.DefaultLogger.Infof("Stopped monitoring %s in favour of %s", retired, submissionID)
		m.emitter.Emit(events.GradingCleared, retired)
	}
	logging.DefaultLogger.Infof("Monitoring submission %s (timeout %s)", submissionID, m.cfg.PollTimeout)
	m.emitter.Emit(events.GradingProgress, snapshot)

	go p.run()
	return nil
}

// Stop retires the active poller, if any
func (m *Monitor) Stop() {
	m.mu.Lock()
	retired := m.retireLocked()
	m.mu.Unlock()

	if retired != "" {
		logging.DefaultLogger.Infof("Stopped monitoring %s", retired)
		m.emitter.Emit(events.GradingCleared, retired)
	}
}

// retireLocked stops the current poller and drops its unfinished session.
// It returns the retired submission id.
func (m *Monitor) retireLocked() string {
	p := m.current
	if p == nil {
		return ""
	}
	p.stop()
	m.current = nil

	if s, ok := m.sessions[p.submissionID]; ok && !s.Stage.Terminal() {
		delete(m.sessions, p.submissionID)
		return p.submissionID
	}
	return ""
}

// Session returns a copy of a visible session
func (m *Monitor) Session(submissionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[submissionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// Active returns the session currently being polled
func (m *Monitor) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Session{}, false
	}
	s, ok := m.sessions[m.current.submissionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Sessions returns every visible session, oldest first
func (m *Monitor) Sessions() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Dismiss removes a finished session from view
func (m *Monitor) Dismiss(submissionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[submissionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if !s.Stage.Terminal() {
		m.mu.Unlock()
		return ErrSessionActive
	}
	delete(m.sessions, submissionID)
	m.mu.Unlock()

	m.emitter.Emit(events.GradingCleared, submissionID)
	return nil
}

// apply folds a status response into the session of p. It returns true
// when polling should end.
func (m *Monitor) apply(p *poller, status *api.SubmissionStatus) bool {
	prev, snapshot, live := m.advanceLocked(p, status)
	if !live {
		return true
	}

	if snapshot.Stage != prev.Stage || snapshot.Progress != prev.Progress {
		m.emitter.Emit(events.GradingProgress, snapshot)
	}

	switch snapshot.Stage {
	case StageCompleted:
		logging.DefaultLogger.Infof("Submission %s graded: %s", snapshot.SubmissionID, snapshot.Message)
		m.emitter.Emit(events.GradingCompleted, snapshot)
		m.save(snapshot)
	case StageFailed:
		logging.DefaultLogger.Warnf("Submission %s failed: %s", snapshot.SubmissionID, snapshot.Message)
		m.emitter.Emit(events.GradingFailed, snapshot)
		m.save(snapshot)
	}

	return snapshot.Stage.Terminal()
}

// advanceLocked updates the session under the monitor lock. live is false
// when p has been retired or its session is gone.
func (m *Monitor) advanceLocked(p *poller, status *api.SubmissionStatus) (prev, snapshot Session, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != p {
		return prev, snapshot, false
	}
	sess, ok := m.sessions[p.submissionID]
	if !ok {
		return prev, snapshot, false
	}

	prev = *sess
	*sess = advance(prev, status)
	sess.UpdatedAt = m.clock.Now()
	snapshot = *sess

	if snapshot.Stage.Terminal() {
		m.current = nil
		p.cancel()
		if snapshot.Stage == StageCompleted && m.cfg.CompletionGrace > 0 {
			m.clock.AfterFunc(m.cfg.CompletionGrace, func() { m.clear(sess) })
		}
	}
	return prev, snapshot, true
}

// timeout fails the session of p once its deadline has passed
func (m *Monitor) timeout(p *poller) {
	m.fail(p, fmt.Sprintf("Grading timed out after %s", m.cfg.PollTimeout), FailureTimeout)
}

func (m *Monitor) fail(p *poller, msg string, failure Failure) {
	m.mu.Lock()
	if m.current != p {
		m.mu.Unlock()
		return
	}
	m.current = nil
	p.cancel()

	sess, ok := m.sessions[p.submissionID]
	if !ok || sess.Stage.Terminal() {
		m.mu.Unlock()
		return
	}
	sess.Stage = StageFailed
	sess.Message = msg
	sess.Failure = failure
	sess.UpdatedAt = m.clock.Now()
	snapshot := *sess
	m.mu.Unlock()

	logging.DefaultLogger.Warnf("Submission %s: %s", snapshot.SubmissionID, msg)
	m.emitter.Emit(events.GradingProgress, snapshot)
	m.emitter.Emit(events.GradingFailed, snapshot)
	m.save(snapshot)
}

// clear hides a completed session after the grace period
func (m *Monitor) clear(sess *Session) {
	m.mu.Lock()
	current, ok := m.sessions[sess.SubmissionID]
	if !ok || current != sess {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sess.SubmissionID)
	m.mu.Unlock()

	m.emitter.Emit(events.GradingCleared, sess.SubmissionID)
}

func (m *Monitor) save(s Session) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(s); err != nil {
		logging.DefaultLogger.Warnf("Failed to save grading history: %v", err)
	}
}
