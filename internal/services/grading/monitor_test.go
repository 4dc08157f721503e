package grading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gradeassist-desktop/internal/api"
	"gradeassist-desktop/internal/config"
	"gradeassist-desktop/internal/events"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource answers status requests from a per-submission script.
// The last entry repeats once the script runs out.
type scriptedSource struct {
	mu      sync.Mutex
	scripts map[string][]response
	calls   map[string]int
}

type response struct {
	status *api.SubmissionStatus
	err    error
	block  bool
	panic  bool
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{
		scripts: make(map[string][]response),
		calls:   make(map[string]int),
	}
}

func (s *scriptedSource) script(id string, rs ...response) {
	s.mu.Lock()
	s.scripts[id] = rs
	s.mu.Unlock()
}

func (s *scriptedSource) GetSubmissionStatus(ctx context.Context, id string) (*api.SubmissionStatus, error) {
	s.mu.Lock()
	n := s.calls[id]
	s.calls[id] = n + 1
	script := s.scripts[id]
	s.mu.Unlock()

	if len(script) == 0 {
		return processing(), nil
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	r := script[n]
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.panic {
		panic("status decoder exploded")
	}
	return r.status, r.err
}

func (s *scriptedSource) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func processing() *api.SubmissionStatus {
	return &api.SubmissionStatus{Overall: "processing", Recognition: &api.StageRecord{State: api.StageProcessing}}
}

func recognized() *api.SubmissionStatus {
	return &api.SubmissionStatus{
		Overall: "processing",
		Recognition: &api.StageRecord{
			State:       api.StageCompleted,
			Recognition: &api.RecognitionResult{Text: "x = 4", Confidence: 0.9},
		},
	}
}

func gradingInProgress() *api.SubmissionStatus {
	s := recognized()
	s.Grading = &api.StageRecord{State: api.StageProcessing}
	return s
}

func graded() *api.SubmissionStatus {
	s := recognized()
	s.Overall = "completed"
	s.Grading = &api.StageRecord{
		State:   api.StageCompleted,
		Grading: &api.GradingResult{Score: 9, MaxScore: 10, Feedback: "Good"},
	}
	return s
}

type memoryStore struct {
	mu    sync.Mutex
	saved []Session
}

func (s *memoryStore) SaveSession(session Session) error {
	s.mu.Lock()
	s.saved = append(s.saved, session)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) all() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Session{}, s.saved...)
}

type harness struct {
	monitor  *Monitor
	source   *scriptedSource
	recorder *events.Recorder
	store    *memoryStore
	clock    *clock.Mock
}

func newHarness() *harness {
	h := &harness{
		source:   newScriptedSource(),
		recorder: &events.Recorder{},
		store:    &memoryStore{},
		clock:    clock.NewMock(),
	}
	cfg := config.GradingConfig{
		PollInterval:    3 * time.Second,
		PollTimeout:     5 * time.Minute,
		CompletionGrace: 5 * time.Second,
		DedupWindow:     3 * time.Second,
	}
	h.monitor = NewMonitor(cfg, h.source, h.recorder, WithClock(h.clock), WithStore(h.store))
	return h
}

// tick advances one poll interval and waits for the poll to be answered
func (h *harness) tick(t *testing.T, id string) Session {
	t.Helper()
	want := h.source.count(id) + 1
	h.clock.Add(3 * time.Second)
	now := h.clock.Now()

	var sess Session
	require.Eventually(t, func() bool {
		if h.source.count(id) < want {
			return false
		}
		s, err := h.monitor.Session(id)
		if err != nil {
			return false
		}
		sess = s
		return !s.UpdatedAt.Before(now) || s.Stage.Terminal()
	}, time.Second, 2*time.Millisecond)
	return sess
}

func TestTrackFourTickScenario(t *testing.T) {
	h := newHarness()
	h.source.script("s-1",
		response{status: processing()},
		response{status: recognized()},
		response{status: gradingInProgress()},
		response{status: graded()},
	)

	require.NoError(t, h.monitor.Track("s-1"))

	start, err := h.monitor.Session("s-1")
	require.NoError(t, err)
	assert.Equal(t, StageRecognizing, start.Stage)
	assert.Equal(t, 10, start.Progress)
	assert.Equal(t, start.StartedAt.Add(5*time.Minute), start.Deadline)

	var stages []Stage
	last := start.Progress
	for i := 0; i < 4; i++ {
		sess := h.tick(t, "s-1")
		stages = append(stages, sess.Stage)
		assert.GreaterOrEqual(t, sess.Progress, last, "progress went backwards at tick %d", i+1)
		last = sess.Progress
	}

	assert.Equal(t, []Stage{StageRecognizing, StageGrading, StageGrading, StageCompleted}, stages)
	assert.Equal(t, 100, last)
	assert.Equal(t, 1, h.recorder.Count(events.GradingCompleted))

	done, err := h.monitor.Session("s-1")
	require.NoError(t, err)
	require.NotNil(t, done.Grading)
	assert.Equal(t, 9.0, done.Grading.Score)
	assert.Equal(t, "x = 4", done.Recognition.Text)

	_, active := h.monitor.Active()
	assert.False(t, active)

	t.Run("Should stop polling after completion", func(t *testing.T) {
		calls := h.source.count("s-1")
		for i := 0; i < 5; i++ {
			h.clock.Add(3 * time.Second)
		}
		assert.Never(t, func() bool {
			return h.source.count("s-1") != calls
		}, 50*time.Millisecond, 5*time.Millisecond)
		assert.Equal(t, 1, h.recorder.Count(events.GradingCompleted))
	})

	t.Run("Should clear the session after the grace period", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			_, err := h.monitor.Session("s-1")
			return errors.Is(err, ErrSessionNotFound)
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, h.recorder.Count(events.GradingCleared))
	})

	saved := h.store.all()
	require.Len(t, saved, 1)
	assert.Equal(t, StageCompleted, saved[0].Stage)
}

func TestTrackTimeout(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.monitor.Track("s-slow"))

	// 99 polls fit before the five minute deadline
	for i := 0; i < 99; i++ {
		sess := h.tick(t, "s-slow")
		require.Equal(t, StageRecognizing, sess.Stage)
	}

	h.clock.Add(3 * time.Second)
	require.Eventually(t, func() bool {
		s, err := h.monitor.Session("s-slow")
		return err == nil && s.Stage == StageFailed
	}, time.Second, 2*time.Millisecond)

	sess, err := h.monitor.Session("s-slow")
	require.NoError(t, err)
	assert.Equal(t, "Grading timed out after 5m0s", sess.Message)
	assert.Equal(t, FailureTimeout, sess.Failure)
	assert.Equal(t, 1, h.recorder.Count(events.GradingFailed))

	calls := h.source.count("s-slow")
	for i := 0; i < 10; i++ {
		h.clock.Add(3 * time.Second)
	}
	assert.Never(t, func() bool {
		return h.source.count("s-slow") != calls
	}, 50*time.Millisecond, 5*time.Millisecond)

	// failed sessions stay until dismissed
	require.NoError(t, h.monitor.Dismiss("s-slow"))
	_, err = h.monitor.Session("s-slow")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTrackTimeoutWithHangingRequest(t *testing.T) {
	h := newHarness()
	h.source.script("s-hang", response{block: true})
	require.NoError(t, h.monitor.Track("s-hang"))

	h.clock.Add(3 * time.Second)
	require.Eventually(t, func() bool {
		return h.source.count("s-hang") == 1
	}, time.Second, 2*time.Millisecond)

	for elapsed := 3 * time.Second; elapsed < 5*time.Minute; elapsed += 3 * time.Second {
		h.clock.Add(3 * time.Second)
	}

	require.Eventually(t, func() bool {
		s, err := h.monitor.Session("s-hang")
		return err == nil && s.Stage == StageFailed
	}, time.Second, 2*time.Millisecond)

	sess, _ := h.monitor.Session("s-hang")
	assert.Equal(t, FailureTimeout, sess.Failure)
	assert.Equal(t, 1, h.source.count("s-hang"), "the in-flight request spans the remaining time")
}

func TestTrackFailures(t *testing.T) {
	t.Run("Should fail with the recognition reason", func(t *testing.T) {
		h := newHarness()
		h.source.script("s-1", response{status: &api.SubmissionStatus{
			Recognition: &api.StageRecord{State: api.StageFailed, Reason: "image too blurry"},
		}})
		require.NoError(t, h.monitor.Track("s-1"))

		sess := h.tick(t, "s-1")
		assert.Equal(t, StageFailed, sess.Stage)
		assert.Equal(t, "image too blurry", sess.Message)
		assert.Equal(t, FailureServer, sess.Failure)
		assert.Equal(t, 10, sess.Progress)
		assert.Equal(t, 1, h.recorder.Count(events.GradingFailed))

		_, active := h.monitor.Active()
		assert.False(t, active)
	})

	t.Run("Should fail when grading fails", func(t *testing.T) {
		h := newHarness()
		failed := recognized()
		failed.Grading = &api.StageRecord{State: api.StageFailed, Reason: "rubric missing"}
		h.source.script("s-2", response{status: recognized()}, response{status: failed})
		require.NoError(t, h.monitor.Track("s-2"))

		assert.Equal(t, StageGrading, h.tick(t, "s-2").Stage)
		sess := h.tick(t, "s-2")
		assert.Equal(t, StageFailed, sess.Stage)
		assert.Equal(t, "rubric missing", sess.Message)
		assert.Equal(t, 60, sess.Progress)
	})

	t.Run("Should keep polling through transport errors", func(t *testing.T) {
		h := newHarness()
		h.source.script("s-3",
			response{err: errors.New("connection refused")},
			response{err: api.ErrMalformedStatus},
			response{status: graded()},
		)
		require.NoError(t, h.monitor.Track("s-3"))

		for want := 1; want <= 2; want++ {
			h.clock.Add(3 * time.Second)
			n := want
			require.Eventually(t, func() bool {
				return h.source.count("s-3") == n
			}, time.Second, 2*time.Millisecond)
		}
		sess := h.tick(t, "s-3")
		assert.Equal(t, StageCompleted, sess.Stage)
		assert.Equal(t, 3, h.source.count("s-3"))
	})

	t.Run("Should treat an empty status as malformed and keep polling", func(t *testing.T) {
		h := newHarness()
		h.source.script("s-empty",
			response{},
			response{status: graded()},
		)
		require.NoError(t, h.monitor.Track("s-empty"))

		h.clock.Add(3 * time.Second)
		require.Eventually(t, func() bool {
			return h.source.count("s-empty") == 1
		}, time.Second, 2*time.Millisecond)

		responsive := make(chan Session, 1)
		go func() {
			s, _ := h.monitor.Session("s-empty")
			responsive <- s
		}()
		select {
		case sess := <-responsive:
			assert.Equal(t, StageRecognizing, sess.Stage)
		case <-time.After(time.Second):
			t.Fatal("monitor did not answer after an empty status")
		}

		sess := h.tick(t, "s-empty")
		assert.Equal(t, StageCompleted, sess.Stage)
	})

	t.Run("Should fail the session and stay usable after a panic", func(t *testing.T) {
		h := newHarness()
		h.source.script("s-panic", response{panic: true})
		require.NoError(t, h.monitor.Track("s-panic"))

		h.clock.Add(3 * time.Second)
		require.Eventually(t, func() bool {
			s, err := h.monitor.Session("s-panic")
			return err == nil && s.Stage == StageFailed
		}, time.Second, 2*time.Millisecond)

		sess, err := h.monitor.Session("s-panic")
		require.NoError(t, err)
		assert.Equal(t, FailureServer, sess.Failure)
		assert.Contains(t, sess.Message, "status decoder exploded")
		_, active := h.monitor.Active()
		assert.False(t, active)

		require.NoError(t, h.monitor.Track("s-next"))
		_, active = h.monitor.Active()
		assert.True(t, active)
		h.monitor.Stop()
	})

	t.Run("Should not dismiss an active session", func(t *testing.T) {
		h := newHarness()
		require.NoError(t, h.monitor.Track("s-4"))
		assert.ErrorIs(t, h.monitor.Dismiss("s-4"), ErrSessionActive)
		assert.ErrorIs(t, h.monitor.Dismiss("nope"), ErrSessionNotFound)
		h.monitor.Stop()
	})
}

func TestAdvanceNeverMovesBackwards(t *testing.T) {
	prev := Session{Stage: StageGrading, Progress: 60, Message: "Grading answers..."}

	next := advance(prev, processing())
	assert.Equal(t, StageGrading, next.Stage)
	assert.Equal(t, 60, next.Progress)

	next = advance(prev, &api.SubmissionStatus{})
	assert.Equal(t, StageGrading, next.Stage, "missing stage records mean no news")
}

func TestTrackSingleFlight(t *testing.T) {
	h := newHarness()
	h.source.script("old", response{status: processing()})
	h.source.script("new", response{status: processing()}, response{status: graded()})

	require.NoError(t, h.monitor.Track("old"))
	h.tick(t, "old")
	oldCalls := h.source.count("old")

	require.NoError(t, h.monitor.Track("new"))

	active, ok := h.monitor.Active()
	require.True(t, ok)
	assert.Equal(t, "new", active.SubmissionID)

	_, err := h.monitor.Session("old")
	assert.ErrorIs(t, err, ErrSessionNotFound, "retired session is removed from view")

	h.tick(t, "new")
	sess := h.tick(t, "new")
	assert.Equal(t, StageCompleted, sess.Stage)

	assert.Equal(t, oldCalls, h.source.count("old"), "retired poller must not poll")

	t.Run("Should ignore a repeated track inside the window", func(t *testing.T) {
		h := newHarness()
		require.NoError(t, h.monitor.Track("dup"))
		assert.ErrorIs(t, h.monitor.Track("dup"), ErrAlreadyTracking)
		h.monitor.Stop()

		_, ok := h.monitor.Active()
		assert.False(t, ok)
		assert.Empty(t, h.monitor.Sessions())
	})
}
