package events

import (
	"context"
	"strings"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// Event names emitted to the frontend
const (
	UploadTask       = "upload:task"
	UploadBatch      = "upload:batch"
	UploadRemoved    = "upload:removed"
	GradingProgress  = "grading:progress"
	GradingCompleted = "grading:completed"
	GradingFailed    = "grading:failed"
	GradingCleared   = "grading:cleared"
)

// Emitter delivers progress notifications to whoever renders them
type Emitter interface {
	Emit(name string, payload interface{})
}

// WailsEmitter forwards events to the desktop frontend
type WailsEmitter struct {
	ctx context.Context
}

// NewWailsEmitter creates an emitter bound to the Wails runtime context
func NewWailsEmitter(ctx context.Context) *WailsEmitter {
	return &WailsEmitter{ctx: ctx}
}

// Emit sends the payload to the frontend
func (w *WailsEmitter) Emit(name string, payload interface{}) {
	runtime.EventsEmit(w.ctx, name, payload)
}

// Nop discards every event
type Nop struct{}

// Emit does nothing
func (Nop) Emit(string, interface{}) {}

// Event is a single recorded emission
type Event struct {
	Name    string
	Payload interface{}
}

// Recorder keeps every emitted event in memory. Used by tests and the
// headless fallback when no frontend is attached.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records the event
func (r *Recorder) Emit(name string, payload interface{}) {
	r.mu.Lock()
	r.events = append(r.events, Event{Name: name, Payload: payload})
	r.mu.Unlock()
}

// Events returns a copy of recorded events whose name starts with prefix
func (r *Recorder) Events(prefix string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if strings.HasPrefix(e.Name, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events with exactly this name were recorded
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}
