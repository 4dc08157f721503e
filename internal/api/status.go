package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
)

// ErrMalformedStatus is returned when a status payload does not match any known shape
var ErrMalformedStatus = errors.New("malformed submission status")

// StageState is the sub-status reported for one pipeline stage
type StageState string

const (
	StageProcessing StageState = "processing"
	StageCompleted  StageState = "completed"
	StageFailed     StageState = "failed"
)

// RecognitionResult is the payload of a completed recognition stage
type RecognitionResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// GradingResult is the payload of a completed grading stage
type GradingResult struct {
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score,omitempty"`
	Feedback string  `json:"feedback"`
}

// StageRecord is one stage parsed into a tagged variant:
// processing, completed with its payload, or failed with a reason.
type StageRecord struct {
	State       StageState         `json:"state"`
	Reason      string             `json:"reason,omitempty"`
	Recognition *RecognitionResult `json:"recognition,omitempty"`
	Grading     *GradingResult     `json:"grading,omitempty"`
}

// SubmissionStatus is the validated status of a submission.
// A nil stage record means the backend has not started that stage yet.
type SubmissionStatus struct {
	SubmissionID string       `json:"submission_id"`
	Overall      string       `json:"status"`
	Recognition  *StageRecord `json:"recognition,omitempty"`
	Grading      *StageRecord `json:"grading,omitempty"`
}

// rawStatus mirrors the loosely-structured backend payload
type rawStatus struct {
	SubmissionID string    `json:"submission_id"`
	Status       string    `json:"status"`
	Error        string    `json:"error"`
	Recognition  *rawStage `json:"recognition"`
	Grading      *rawStage `json:"grading"`
}

type rawStage struct {
	Status     string   `json:"status"`
	Text       *string  `json:"text"`
	Confidence *float64 `json:"confidence"`
	Score      *float64 `json:"score"`
	MaxScore   *float64 `json:"max_score"`
	Feedback   *string  `json:"feedback"`
	Error      string   `json:"error"`
	Message    string   `json:"message"`
}

// ParseSubmissionStatus validates a status response at the boundary
func ParseSubmissionStatus(body []byte) (*SubmissionStatus, error) {
	var raw rawStatus
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStatus, err)
	}

	status := &SubmissionStatus{
		SubmissionID: raw.SubmissionID,
		Overall:      normalize(raw.Status),
	}

	var err error
	if raw.Recognition != nil {
		if status.Recognition, err = parseStage("recognition", raw.Recognition); err != nil {
			return nil, err
		}
	}
	if raw.Grading != nil {
		if status.Grading, err = parseStage("grading", raw.Grading); err != nil {
			return nil, err
		}
	}

	// overall failure without a failed stage still needs a reason
	if status.Overall == string(StageFailed) && !status.HasFailedStage() {
		reason := strings.TrimSpace(raw.Error)
		if reason == "" {
			reason = "submission processing failed"
		}
		failed := &StageRecord{State: StageFailed, Reason: reason}
		if status.Recognition != nil && status.Recognition.State == StageCompleted {
			status.Grading = failed
		} else {
			status.Recognition = failed
		}
	}

	return status, nil
}

func parseStage(name string, raw *rawStage) (*StageRecord, error) {
	switch StageState(normalize(raw.Status)) {
	case StageProcessing:
		return &StageRecord{State: StageProcessing}, nil

	case StageCompleted:
		rec := &StageRecord{State: StageCompleted}
		if name == "recognition" {
			rec.Recognition = &RecognitionResult{}
			if raw.Text != nil {
				rec.Recognition.Text = *raw.Text
			}
			if raw.Confidence != nil {
				rec.Recognition.Confidence = *raw.Confidence
			}
			return rec, nil
		}
		if raw.Score == nil {
			return nil, fmt.Errorf("%w: completed grading stage without score", ErrMalformedStatus)
		}
		rec.Grading = &GradingResult{Score: *raw.Score}
		if raw.MaxScore != nil {
			rec.Grading.MaxScore = *raw.MaxScore
		}
		if raw.Feedback != nil {
			rec.Grading.Feedback = *raw.Feedback
		}
		return rec, nil

	case StageFailed:
		reason := strings.TrimSpace(raw.Error)
		if reason == "" {
			reason = strings.TrimSpace(raw.Message)
		}
		if reason == "" {
			reason = name + " failed"
		}
		return &StageRecord{State: StageFailed, Reason: reason}, nil

	default:
		return nil, fmt.Errorf("%w: unknown %s status %q", ErrMalformedStatus, name, raw.Status)
	}
}

// HasFailedStage reports whether any stage record is a failure
func (s *SubmissionStatus) HasFailedStage() bool {
	return (s.Recognition != nil && s.Recognition.State == StageFailed) ||
		(s.Grading != nil && s.Grading.State == StageFailed)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ServerError is a non-success response from the backend
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return e.Message
}

func newServerError(resp *resty.Response) *ServerError {
	var body struct {
		Detail  interface{} `json:"detail"`
		Error   string      `json:"error"`
		Message string      `json:"message"`
	}

	msg := ""
	if err := sonic.Unmarshal(resp.Body(), &body); err == nil {
		switch d := body.Detail.(type) {
		case string:
			msg = d
		case nil:
		default:
			// FastAPI validation errors come back as a list of objects
			if b, err := sonic.Marshal(d); err == nil {
				msg = string(b)
			}
		}
		if msg == "" {
			msg = body.Error
		}
		if msg == "" {
			msg = body.Message
		}
	}

	if msg == "" {
		msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), http.StatusText(resp.StatusCode()))
	}

	return &ServerError{StatusCode: resp.StatusCode(), Message: msg}
}
