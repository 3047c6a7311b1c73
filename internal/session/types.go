package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/huddlelabs/burrow/internal/audio"
	"github.com/huddlelabs/burrow/internal/stream"
)

type Status string

const (
	StatusConnecting    Status = "connecting"
	StatusActive        Status = "active"
	StatusIdle          Status = "idle"
	StatusDisconnecting Status = "disconnecting"
	StatusTerminated    Status = "terminated"
)

var (
	ErrNotFound = errors.New("session not found")

	// ErrSessionLimit rejects a connection at admission; no session is
	// created when it fires.
	ErrSessionLimit = errors.New("session limit reached")
)

// ValidationError rejects a connection before acceptance.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,32}$`)

// ConnectRequest carries the device identity for admission.
type ConnectRequest struct {
	DeviceID  string
	ChildID   string
	ChildName string
	ChildAge  int
}

// Validate enforces COPPA age bounds and device id shape.
func (r ConnectRequest) Validate() error {
	if r.ChildAge < 3 || r.ChildAge > 13 {
		return &ValidationError{Field: "child_age", Reason: "must be between 3 and 13"}
	}
	if !deviceIDPattern.MatchString(r.DeviceID) {
		return &ValidationError{Field: "device_id", Reason: "must be 8-32 alphanumeric, underscore or dash characters"}
	}
	return nil
}

// audioOut asks the writer goroutine to frame and stream one synthesized
// response; all other outbound values are plain JSON envelopes.
type audioOut struct {
	mp3  []byte
	text string
}

// Session is one connected device. Mutable state is guarded by mu; the
// manager owns lifecycle transitions.
type Session struct {
	ID        string
	DeviceID  string
	ChildID   string
	ChildName string
	ChildAge  int
	CreatedAt time.Time

	streamer *stream.Streamer
	buffer   *audio.CircularBuffer
	outbound chan any
	ctx      context.Context
	cancel   func()
	done     chan struct{}

	mu           sync.Mutex
	status       Status
	lastActivity time.Time
	messageCount int
	utterance    *audio.Utterance
	processing   bool
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Touch records activity before any message handling so a slow pipeline
// cannot make a busy session look idle.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.messageCount++
	if s.status == StatusIdle {
		s.status = StatusActive
	}
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

func (s *Session) beginUtterance(id string) *audio.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterance = audio.NewUtterance(s.ID, id)
	return s.utterance
}

func (s *Session) currentUtterance() *audio.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.utterance
}

// takeAudio consumes whichever capture path has data: the explicit
// utterance when one exists, otherwise the legacy circular buffer.
func (s *Session) takeAudio() []byte {
	s.mu.Lock()
	u := s.utterance
	s.mu.Unlock()

	if u != nil && u.Size() > 0 {
		return u.Bytes()
	}
	return audio.PCM16LEFromSamples(s.buffer.Drain())
}

// clearAudio releases the utterance and capture buffer. Runs after every
// finalize regardless of pipeline outcome.
func (s *Session) clearAudio() {
	s.mu.Lock()
	s.utterance = nil
	s.mu.Unlock()
	s.buffer.Clear()
}

// beginProcessing reserves the single pipeline slot for this session.
func (s *Session) beginProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return false
	}
	s.processing = true
	return true
}

func (s *Session) endProcessing() {
	s.mu.Lock()
	s.processing = false
	s.mu.Unlock()
}

// send queues one outbound value without blocking; the device write path
// stays single-threaded and saturation drops rather than stalls.
func (s *Session) send(v any) bool {
	select {
	case s.outbound <- v:
		return true
	default:
		return false
	}
}

// Done closes when the session has fully terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Streamer() *stream.Streamer { return s.streamer }
