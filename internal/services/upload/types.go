package upload

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an upload task
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether the status is completed or error
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Category tags what an uploaded file is for
type Category string

const (
	CategoryHomework         Category = "homework"
	CategoryPractice         Category = "practice"
	CategoryAssignmentSource Category = "assignment_source"
)

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	switch c {
	case CategoryHomework, CategoryPractice, CategoryAssignmentSource:
		return true
	}
	return false
}

var (
	ErrTaskNotFound = errors.New("upload task not found")
	ErrNotRetryable = errors.New("only failed uploads can be retried")
	ErrTaskActive   = errors.New("upload task is still in progress")
)

// FileDescriptor identifies a local file selected for upload
type FileDescriptor struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"media_type"`
	Path      string `json:"path"`
}

// Task is one file moving through upload and submission creation
type Task struct {
	ID           string         `json:"id"`
	BatchID      string         `json:"batch_id"`
	File         FileDescriptor `json:"file"`
	Category     Category       `json:"category"`
	AssignmentID string         `json:"assignment_id,omitempty"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	Message      string         `json:"message"`
	RetryCount   int            `json:"retry_count"`
	FileID       string         `json:"file_id,omitempty"`
	SubmissionID string         `json:"submission_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// EnqueueOptions carries category-specific submission fields
type EnqueueOptions struct {
	AssignmentID string `json:"assignment_id,omitempty"`
}

// Rejection explains why a file never entered the queue
type Rejection struct {
	File   FileDescriptor `json:"file"`
	Reason string         `json:"reason"`
}

// EnqueueResult is returned immediately by Enqueue
type EnqueueResult struct {
	BatchID   string      `json:"batch_id,omitempty"`
	TaskIDs   []string    `json:"task_ids"`
	Rejected  []Rejection `json:"rejected"`
	Duplicate bool        `json:"duplicate"`
}

// BatchResult aggregates the outcome of one Enqueue call
type BatchResult struct {
	BatchID   string `json:"batch_id"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Rejected  int    `json:"rejected"`
}
