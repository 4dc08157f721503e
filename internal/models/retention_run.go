package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RetentionRun records one execution of the history pruning job
type RetentionRun struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Cron       string     `json:"cron"` // empty for manual runs
	Cutoff     time.Time  `json:"cutoff"`
	Deleted    int64      `json:"deleted"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt  time.Time  `gorm:"index;column:started_at" json:"started_at"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (rr *RetentionRun) BeforeCreate(tx *gorm.DB) error {
	if rr.ID == "" {
		rr.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (RetentionRun) TableName() string {
	return "retention_runs"
}
