// Package history keeps a local record of uploads and grading outcomes and
// prunes it on a cron schedule.
package history

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gradeassist-desktop/internal/logging"
	"gradeassist-desktop/internal/models"
	"gradeassist-desktop/internal/services/grading"
	"gradeassist-desktop/internal/services/upload"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Service persists submission history
type Service struct {
	db    *gorm.DB
	clock clock.Clock

	cron    *cron.Cron
	entry   cron.EntryID
	running bool
	mu      sync.Mutex
}

// NewService creates a history service on top of a migrated database
func NewService(db *gorm.DB, c clock.Clock) *Service {
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:    db,
		clock: c,
		cron:  cron.New(cron.WithSeconds()),
	}
}

// SaveTask records the terminal state of an upload task
func (s *Service) SaveTask(task upload.Task) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec models.SubmissionRecord
		err := tx.Where("id = ?", task.ID).First(&rec).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to query submission record: %w", err)
		}

		// Grading may have reported before the upload was saved
		if errors.Is(err, gorm.ErrRecordNotFound) && task.SubmissionID != "" {
			var orphan models.SubmissionRecord
			if tx.Where("submission_id = ? AND upload_status = ?", task.SubmissionID, "").First(&orphan).Error == nil {
				if err := tx.Delete(&orphan).Error; err != nil {
					return fmt.Errorf("failed to replace session record: %w", err)
				}
				rec = orphan
			}
		}

		rec.ID = task.ID
		rec.FileName = task.File.Name
		rec.FileSize = task.File.Size
		rec.Category = string(task.Category)
		rec.AssignmentID = task.AssignmentID
		rec.UploadStatus = string(task.Status)
		rec.UploadMessage = task.Message
		rec.RetryCount = task.RetryCount
		if task.SubmissionID != "" {
			rec.SubmissionID = task.SubmissionID
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec.CreatedAt = task.CreatedAt
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("failed to create submission record: %w", err)
			}
			return nil
		}

		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("failed to update submission record: %w", err)
		}
		return nil
	})
}

// SaveSession records the outcome of a grading session. The record created
// by the upload is updated when present.
func (s *Service) SaveSession(sess grading.Session) error {
	if sess.SubmissionID == "" {
		return fmt.Errorf("session has no submission id")
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec models.SubmissionRecord
		err := tx.Where("submission_id = ?", sess.SubmissionID).
			Order("created_at DESC").
			First(&rec).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to query submission record: %w", err)
		}

		rec.SubmissionID = sess.SubmissionID
		rec.Stage = string(sess.Stage)
		rec.StageMessage = sess.Message
		rec.Failure = string(sess.Failure)
		if sess.Recognition != nil {
			rec.RecognizedText = sess.Recognition.Text
		}
		if sess.Grading != nil {
			score, maxScore := sess.Grading.Score, sess.Grading.MaxScore
			rec.Score = &score
			rec.MaxScore = &maxScore
			rec.Feedback = sess.Grading.Feedback
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Sessions tracked without an upload in this process
			rec.CreatedAt = sess.StartedAt
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("failed to create submission record: %w", err)
			}
			return nil
		}

		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("failed to update submission record: %w", err)
		}
		return nil
	})
}

// List returns the most recent records, newest first. limit <= 0 means 50.
func (s *Service) List(limit int) ([]models.SubmissionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var records []models.SubmissionRecord
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list submission history: %w", err)
	}
	return records, nil
}

// Prune deletes records created before now - olderThan and logs the run
func (s *Service) Prune(olderThan time.Duration) (int64, error) {
	return s.prune(olderThan, "")
}

func (s *Service) prune(olderThan time.Duration, cronExpr string) (int64, error) {
	now := s.clock.Now()
	run := models.RetentionRun{
		Cron:      cronExpr,
		Cutoff:    now.Add(-olderThan),
		StartedAt: now,
	}

	result := s.db.Where("created_at < ?", run.Cutoff).Delete(&models.SubmissionRecord{})
	finished := s.clock.Now()
	run.FinishedAt = &finished
	run.Deleted = result.RowsAffected
	if result.Error != nil {
		run.Error = result.Error.Error()
	}

	if err := s.db.Create(&run).Error; err != nil {
		logging.DefaultLogger.Warnf("Failed to record retention run: %v", err)
	}

	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune submission history: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// LastRun returns the most recent pruning run, or nil if none happened yet
func (s *Service) LastRun() (*models.RetentionRun, error) {
	var run models.RetentionRun
	err := s.db.Order("started_at DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load retention run: %w", err)
	}
	return &run, nil
}

// StartRetention schedules Prune(retention) on a 5- or 6-field cron
// expression. Calling it again replaces the schedule.
func (s *Service) StartRetention(cronExpr string, retention time.Duration) error {
	if retention <= 0 {
		return fmt.Errorf("retention must be positive, got %v", retention)
	}

	normalized, err := normalizeCron(cronExpr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}

	entry, err := s.cron.AddFunc(normalized, func() {
		n, err := s.prune(retention, normalized)
		if err != nil {
			logging.DefaultLogger.Errorf("History pruning failed: %v", err)
			return
		}
		logging.DefaultLogger.Infof("Pruned %d history record(s) older than %v", n, retention)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule history pruning: %w", err)
	}
	s.entry = entry

	if !s.running {
		s.cron.Start()
		s.running = true
	}

	logging.DefaultLogger.Infof("History retention scheduled with cron %s (keep %v)", normalized, retention)
	return nil
}

// NextPrune returns when the retention job runs next
func (s *Service) NextPrune() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry == 0 {
		return time.Time{}, false
	}
	return s.cron.Entry(s.entry).Next, true
}

// Stop halts the retention schedule and waits for a running prune
func (s *Service) Stop() {
	s.mu.Lock()
	running := s.running
	s.running = false
	s.mu.Unlock()

	if running {
		<-s.cron.Stop().Done()
	}
}

// normalizeCron converts 5-field cron to 6-field format by prepending seconds
// 5-field: "minute hour day month dow" (standard cron)
// 6-field: "second minute hour day month dow" (robfig/cron with WithSeconds)
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)

	fields := strings.Fields(cronExpr)
	if len(fields) == 6 {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 6-field cron expression: %w", err)
		}
		return cronExpr, nil
	}

	if len(fields) == 5 {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}
