package grading

import (
	"context"
	"fmt"
	"time"

	"gradeassist-desktop/internal/api"
	"gradeassist-desktop/internal/logging"

	"github.com/benbjohnson/clock"
)

// poller drives the status checks of a single submission. Only the
// poller the monitor currently holds may change a session.
type poller struct {
	monitor      *Monitor
	submissionID string
	deadline     time.Time

	ctx    context.Context
	cancel context.CancelFunc
	ticker *clock.Ticker
	timer  *clock.Timer
	polls  int
}

func newPoller(m *Monitor, submissionID string, deadline time.Time) *poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &poller{
		monitor:      m,
		submissionID: submissionID,
		deadline:     deadline,
		ctx:          ctx,
		cancel:       cancel,
		ticker:       m.clock.Ticker(m.cfg.PollInterval),
		timer:        m.clock.Timer(deadline.Sub(m.clock.Now())),
	}
}

// stop cancels the poller without waiting for an in-flight request
func (p *poller) stop() {
	p.cancel()
	p.ticker.Stop()
	p.timer.Stop()
}

func (p *poller) run() {
	defer p.stop()
	defer func() {
		if r := recover(); r != nil {
			logging.DefaultLogger.Errorf("Grading monitor panic recovered: %v", r)
			p.monitor.fail(p, fmt.Sprintf("Grading monitor failed: %v", r), FailureServer)
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.timer.C:
			p.monitor.timeout(p)
			return
		case <-p.ticker.C:
			if p.tick() {
				return
			}
		}
	}
}

// tick performs one status request and reports whether polling is over
func (p *poller) tick() bool {
	if !p.monitor.clock.Now().Before(p.deadline) {
		p.monitor.timeout(p)
		return true
	}

	p.polls++
	ctx, cancel := p.monitor.clock.WithDeadline(p.ctx, p.deadline)
	status, err := p.monitor.source.GetSubmissionStatus(ctx, p.submissionID)
	cancel()

	if p.ctx.Err() != nil {
		return true
	}
	if err == nil && status == nil {
		err = api.ErrMalformedStatus
	}
	if err != nil {
		if !p.monitor.clock.Now().Before(p.deadline) {
			p.monitor.timeout(p)
			return true
		}
		logging.DefaultLogger.Warnf("Status check %d for %s failed, retrying: %v", p.polls, p.submissionID, err)
		return false
	}

	return p.monitor.apply(p, status)
}

// advance maps a backend status onto the session, never moving backwards
func advance(s Session, status *api.SubmissionStatus) Session {
	next := s
	rec, grade := status.Recognition, status.Grading

	switch {
	case rec != nil && rec.State == api.StageFailed:
		next.Stage, next.Message, next.Failure = StageFailed, rec.Reason, FailureServer
	case grade != nil && grade.State == api.StageFailed:
		next.Stage, next.Message, next.Failure = StageFailed, grade.Reason, FailureServer
	case grade != nil && grade.State == api.StageCompleted:
		next.Stage = StageCompleted
		next.Progress = progressCompleted
		next.Grading = grade.Grading
		next.Message = completionMessage(grade.Grading)
	case rec != nil && rec.State == api.StageCompleted:
		next.Stage = StageGrading
		next.Progress = max(s.Progress, progressGrading)
		next.Message = "Grading answers..."
	default:
		next.Stage = StageRecognizing
		next.Progress = max(s.Progress, progressRecognizing)
		next.Message = "Recognizing handwriting..."
	}

	if rec != nil && rec.Recognition != nil {
		next.Recognition = rec.Recognition
	}

	if next.Stage == StageFailed {
		if next.Message == "" {
			next.Message = "Grading failed"
		}
		next.Progress = s.Progress
		return next
	}

	// a stale response cannot move the session back
	if next.Stage.rank() < s.Stage.rank() {
		next.Stage = s.Stage
		next.Message = s.Message
		next.Progress = s.Progress
	}
	return next
}

func completionMessage(g *api.GradingResult) string {
	if g == nil {
		return "Grading complete"
	}
	if g.MaxScore > 0 {
		return fmt.Sprintf("Grading complete: %g/%g", g.Score, g.MaxScore)
	}
	return fmt.Sprintf("Grading complete: %g", g.Score)
}
