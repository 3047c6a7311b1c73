package pipeline

import (
	"context"
	"time"

	"github.com/huddlelabs/burrow/internal/history"
)

// The provider implementations behind these interfaces live outside this
// service and are injected at wiring time. The orchestrator only depends on
// the shapes below.

type Transcription struct {
	Text       string
	Confidence float64
}

type SpeechToText interface {
	Transcribe(ctx context.Context, wav []byte, language string, childAge int) (Transcription, error)
}

type TextVerdict struct {
	Safe       bool
	Violations []string
}

type AudioVerdict struct {
	Safe       bool
	Violations []string
	ChildAge   int
}

type Safety interface {
	CheckText(ctx context.Context, text string, childAge int) (TextVerdict, error)
	CheckAudio(ctx context.Context, wav []byte) (AudioVerdict, error)
	Filter(ctx context.Context, text string) (string, error)
}

type Reply struct {
	Text      string
	Emotion   string
	Sentiment string
}

type ReplyGenerator interface {
	Respond(ctx context.Context, childID string, turns []history.Turn, text string, prefs map[string]string) (Reply, error)
}

// TextToSpeech is the simple synthesis shape: text in, encoded audio out.
type TextToSpeech interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type SynthRequest struct {
	Text               string
	VoiceProfile       string
	Emotion            string
	Speed              float64
	Format             string
	Quality            string
	ChildAge           int
	ParentalControls   bool
	ContentFilterLevel string
}

type SynthResult struct {
	Audio     []byte
	Cached    bool
	Duration  time.Duration
	Provider  string
	CostMicro int64
}

// StructuredSynthesizer is the richer synthesis shape carrying child-safety
// context. Providers that support it are detected with a type assertion and
// preferred over the plain TextToSpeech call.
type StructuredSynthesizer interface {
	SynthesizeRequest(ctx context.Context, req SynthRequest) (SynthResult, error)
}

type ChildProfile struct {
	Age         int
	Preferences map[string]string
}

type ChildDirectory interface {
	GetByID(ctx context.Context, childID string) (ChildProfile, error)
}
