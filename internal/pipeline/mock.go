package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/huddlelabs/burrow/internal/history"
)

// Mock collaborators used when no real providers are wired, and by tests.
// They behave deterministically: transcription is canned and the safety
// gate blocks a fixed phrase list.

type MockSpeechToText struct{}

func NewMockSpeechToText() *MockSpeechToText { return &MockSpeechToText{} }

func (m *MockSpeechToText) Transcribe(_ context.Context, wav []byte, _ string, _ int) (Transcription, error) {
	if len(wav) <= 44 { // header only
		return Transcription{}, nil
	}
	return Transcription{Text: "tell me a story", Confidence: 0.9}, nil
}

var mockBlockedPhrases = []string{
	"violence", "weapon", "scary movie", "phone number", "home address",
}

type MockSafety struct{}

func NewMockSafety() *MockSafety { return &MockSafety{} }

func (m *MockSafety) CheckText(_ context.Context, text string, _ int) (TextVerdict, error) {
	lowered := strings.ToLower(text)
	for _, phrase := range mockBlockedPhrases {
		if strings.Contains(lowered, phrase) {
			return TextVerdict{Safe: false, Violations: []string{phrase}}, nil
		}
	}
	return TextVerdict{Safe: true}, nil
}

func (m *MockSafety) CheckAudio(_ context.Context, _ []byte) (AudioVerdict, error) {
	return AudioVerdict{Safe: true}, nil
}

func (m *MockSafety) Filter(_ context.Context, text string) (string, error) {
	out := text
	for _, phrase := range mockBlockedPhrases {
		out = strings.ReplaceAll(out, phrase, strings.Repeat("*", len(phrase)))
	}
	return out, nil
}

type MockReplyGenerator struct{}

func NewMockReplyGenerator() *MockReplyGenerator { return &MockReplyGenerator{} }

func (m *MockReplyGenerator) Respond(_ context.Context, _ string, _ []history.Turn, text string, _ map[string]string) (Reply, error) {
	return Reply{
		Text:      fmt.Sprintf("What a fun thing to say! Tell me more about %s.", text),
		Emotion:   "cheerful",
		Sentiment: "positive",
	}, nil
}

type MockTextToSpeech struct{}

func NewMockTextToSpeech() *MockTextToSpeech { return &MockTextToSpeech{} }

func (m *MockTextToSpeech) Synthesize(_ context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []byte("mp3:" + text), nil
}

// MockStructuredTTS exercises the structured request/response shape.
type MockStructuredTTS struct {
	MockTextToSpeech
}

func NewMockStructuredTTS() *MockStructuredTTS { return &MockStructuredTTS{} }

func (m *MockStructuredTTS) SynthesizeRequest(_ context.Context, req SynthRequest) (SynthResult, error) {
	return SynthResult{
		Audio:    []byte("mp3:" + req.Text),
		Cached:   false,
		Duration: time.Duration(len(req.Text)) * 50 * time.Millisecond,
		Provider: "mock",
	}, nil
}

type MockChildDirectory struct{}

func NewMockChildDirectory() *MockChildDirectory { return &MockChildDirectory{} }

func (m *MockChildDirectory) GetByID(_ context.Context, _ string) (ChildProfile, error) {
	return ChildProfile{Age: 8, Preferences: map[string]string{"topic": "dinosaurs"}}, nil
}
