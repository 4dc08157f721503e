package grading

import (
	"errors"
	"time"

	"gradeassist-desktop/internal/api"
)

// Stage is where a submission is in the remote pipeline
type Stage string

const (
	StageQueued      Stage = "queued"
	StageRecognizing Stage = "recognizing"
	StageGrading     Stage = "grading"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Terminal reports whether no further transitions can happen
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

func (s Stage) rank() int {
	switch s {
	case StageQueued:
		return 0
	case StageRecognizing:
		return 1
	case StageGrading:
		return 2
	case StageCompleted, StageFailed:
		return 3
	}
	return -1
}

// Progress checkpoints per stage
const (
	progressStarted     = 10
	progressRecognizing = 30
	progressGrading     = 60
	progressCompleted   = 100
)

// Failure distinguishes backend-reported failures from local timeouts
type Failure string

const (
	FailureNone    Failure = ""
	FailureServer  Failure = "server"
	FailureTimeout Failure = "timeout"
)

var (
	ErrSessionNotFound = errors.New("grading session not found")
	ErrSessionActive   = errors.New("grading session is still being monitored")
	ErrAlreadyTracking = errors.New("submission is already being monitored")
)

// Session is the locally tracked state of one submission
type Session struct {
	SubmissionID string                 `json:"submission_id"`
	Stage        Stage                  `json:"stage"`
	Progress     int                    `json:"progress"`
	Message      string                 `json:"message"`
	Failure      Failure                `json:"failure,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	Deadline     time.Time              `json:"deadline"`
	UpdatedAt    time.Time              `json:"updated_at"`
	Recognition  *api.RecognitionResult `json:"recognition,omitempty"`
	Grading      *api.GradingResult     `json:"grading,omitempty"`
}
