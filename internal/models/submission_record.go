package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubmissionRecord is the history of one uploaded file and, once known,
// the grading outcome of the submission created from it
type SubmissionRecord struct {
	ID             string    `gorm:"primaryKey" json:"id"` // upload task ID
	SubmissionID   string    `gorm:"index;column:submission_id" json:"submission_id"`
	FileName       string    `gorm:"column:file_name" json:"file_name"`
	FileSize       int64     `gorm:"column:file_size" json:"file_size"`
	Category       string    `json:"category"`
	AssignmentID   string    `gorm:"column:assignment_id" json:"assignment_id,omitempty"`
	UploadStatus   string    `gorm:"column:upload_status" json:"upload_status"` // completed, error
	UploadMessage  string    `gorm:"type:text;column:upload_message" json:"upload_message"`
	RetryCount     int       `gorm:"column:retry_count" json:"retry_count"`
	Stage          string    `json:"stage"` // completed, failed
	StageMessage   string    `gorm:"type:text;column:stage_message" json:"stage_message"`
	Failure        string    `json:"failure,omitempty"` // server, timeout
	RecognizedText string    `gorm:"type:text;column:recognized_text" json:"recognized_text,omitempty"`
	Score          *float64  `json:"score,omitempty"`
	MaxScore       *float64  `gorm:"column:max_score" json:"max_score,omitempty"`
	Feedback       string    `gorm:"type:text" json:"feedback,omitempty"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (sr *SubmissionRecord) BeforeCreate(tx *gorm.DB) error {
	if sr.ID == "" {
		sr.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (SubmissionRecord) TableName() string {
	return "submission_records"
}
