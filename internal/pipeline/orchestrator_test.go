package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/huddlelabs/burrow/internal/history"
	"github.com/huddlelabs/burrow/internal/observability"
)

func testOrchestrator(t *testing.T, opts ...func(*deps)) (*Orchestrator, *deps) {
	t.Helper()
	d := &deps{
		stt:       NewMockSpeechToText(),
		safety:    NewMockSafety(),
		replies:   NewMockReplyGenerator(),
		tts:       NewMockTextToSpeech(),
		directory: NewMockChildDirectory(),
		store:     history.NewInMemoryStore(),
	}
	for _, opt := range opts {
		opt(d)
	}
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	o := NewOrchestrator(d.stt, d.safety, d.replies, d.tts, d.directory, d.store, metrics, Config{
		SampleRate:   16000,
		StageTimeout: time.Second,
	})
	return o, d
}

type deps struct {
	stt       SpeechToText
	safety    Safety
	replies   ReplyGenerator
	tts       TextToSpeech
	directory ChildDirectory
	store     history.Store
}

func testRequest() Request {
	return Request{SessionID: "s1", ChildID: "child-1", ChildName: "Ada", ChildAge: 8}
}

func pcmOfSize(n int) []byte {
	return bytes.Repeat([]byte{0x01, 0x02}, n/2)
}

func TestProcessAudioHappyPath(t *testing.T) {
	o, _ := testOrchestrator(t)

	resp := o.ProcessAudio(context.Background(), testRequest(), pcmOfSize(4000))
	if resp.Fallback {
		t.Fatalf("happy path marked fallback: %+v", resp)
	}
	if len(resp.Audio) == 0 {
		t.Fatalf("expected synthesized audio")
	}
	if resp.Text == "" || resp.CorrelationID == "" {
		t.Fatalf("missing text or correlation id: %+v", resp)
	}
}

func TestProcessAudioEmptyTranscriptionFallsBack(t *testing.T) {
	o, _ := testOrchestrator(t, func(d *deps) {
		d.stt = sttFunc(func(context.Context, []byte, string, int) (Transcription, error) {
			return Transcription{Text: "   "}, nil
		})
	})

	resp := o.ProcessAudio(context.Background(), testRequest(), pcmOfSize(4000))
	if !resp.Fallback {
		t.Fatalf("empty transcription should fall back")
	}
	if resp.Text != FallbackNoHear {
		t.Fatalf("Text = %q, want %q", resp.Text, FallbackNoHear)
	}
}

func TestProcessAudioBlockedPhraseYieldsRedirect(t *testing.T) {
	o, _ := testOrchestrator(t, func(d *deps) {
		d.stt = sttFunc(func(context.Context, []byte, string, int) (Transcription, error) {
			return Transcription{Text: "can I watch a scary movie", Confidence: 0.95}, nil
		})
	})

	resp := o.ProcessAudio(context.Background(), testRequest(), pcmOfSize(4000))
	if resp.Text != FallbackRedirect {
		t.Fatalf("Text = %q, want neutral redirect %q", resp.Text, FallbackRedirect)
	}
	if strings.Contains(resp.Text, "scary movie") {
		t.Fatalf("unsafe transcription leaked into response: %q", resp.Text)
	}
	if got := o.ProviderSnapshots()["safety"].SafetyBlocks; got != 1 {
		t.Fatalf("safety blocks = %d, want 1", got)
	}
}

func TestProcessAudioProviderErrorNeverSurfaces(t *testing.T) {
	o, _ := testOrchestrator(t, func(d *deps) {
		d.stt = sttFunc(func(context.Context, []byte, string, int) (Transcription, error) {
			return Transcription{}, errors.New("stt backend exploded")
		})
	})

	resp := o.ProcessAudio(context.Background(), testRequest(), pcmOfSize(4000))
	if !resp.Fallback {
		t.Fatalf("provider error should produce a fallback response")
	}
	if resp.Text == "" {
		t.Fatalf("device must never receive silence")
	}
	if got := o.ProviderSnapshots()["stt"].Failures; got != 1 {
		t.Fatalf("stt failures = %d, want 1", got)
	}
}

func TestProcessAudioTTSFailureDegradesToText(t *testing.T) {
	o, _ := testOrchestrator(t, func(d *deps) {
		d.tts = ttsFunc(func(context.Context, string) ([]byte, error) {
			return nil, errors.New("synth down")
		})
	})

	resp := o.ProcessAudio(context.Background(), testRequest(), pcmOfSize(4000))
	if len(resp.Audio) != 0 {
		t.Fatalf("expected no audio when synthesis fails")
	}
	if resp.Text == "" {
		t.Fatalf("expected text degradation, got empty response")
	}
	if resp.Fallback {
		t.Fatalf("text degradation of a real reply is not a fallback")
	}
}

func TestStructuredSynthesizerPreferred(t *testing.T) {
	var gotReq SynthRequest
	var mu sync.Mutex
	structured := &structuredFunc{fn: func(_ context.Context, req SynthRequest) (SynthResult, error) {
		mu.Lock()
		gotReq = req
		mu.Unlock()
		return SynthResult{Audio: []byte("mp3"), Provider: "structured"}, nil
	}}
	o, _ := testOrchestrator(t, func(d *deps) { d.tts = structured })

	resp := o.ProcessText(context.Background(), testRequest(), "hello friend")
	if len(resp.Audio) == 0 {
		t.Fatalf("structured synthesis produced no audio")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotReq.ChildAge != 8 {
		t.Fatalf("ChildAge = %d, want 8", gotReq.ChildAge)
	}
	if !gotReq.ParentalControls {
		t.Fatalf("ParentalControls must always be set")
	}
	if gotReq.ContentFilterLevel != "strict" {
		t.Fatalf("ContentFilterLevel = %q, want strict", gotReq.ContentFilterLevel)
	}
}

func TestSentenceFanoutSkipsFailedSentences(t *testing.T) {
	o, _ := testOrchestrator(t, func(d *deps) {
		d.replies = replyFunc(func(context.Context, string, []history.Turn, string, map[string]string) (Reply, error) {
			return Reply{Text: "One. Two. Three."}, nil
		})
		d.tts = ttsFunc(func(_ context.Context, text string) ([]byte, error) {
			if strings.HasPrefix(text, "Two") {
				return nil, errors.New("one slow sentence errored")
			}
			return []byte("<" + text + ">"), nil
		})
	})

	resp := o.ProcessText(context.Background(), testRequest(), "count for me")
	if len(resp.Audio) == 0 {
		t.Fatalf("partial synthesis should still produce audio")
	}
	got := string(resp.Audio)
	if !strings.Contains(got, "One.") || !strings.Contains(got, "Three.") {
		t.Fatalf("surviving sentences missing: %q", got)
	}
	if strings.Contains(got, "Two.") {
		t.Fatalf("failed sentence should be skipped: %q", got)
	}
	if idx1, idx3 := strings.Index(got, "One."), strings.Index(got, "Three."); idx1 > idx3 {
		t.Fatalf("sentence order not preserved: %q", got)
	}
}

func TestFanoutBoundedConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	o, _ := testOrchestrator(t, func(d *deps) {
		d.replies = replyFunc(func(context.Context, string, []history.Turn, string, map[string]string) (Reply, error) {
			return Reply{Text: "A one. A two. A three. A four. A five. A six."}, nil
		})
		d.tts = ttsFunc(func(_ context.Context, text string) ([]byte, error) {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return []byte(text), nil
		})
	})

	resp := o.ProcessText(context.Background(), testRequest(), "count slowly")
	if len(resp.Audio) == 0 {
		t.Fatalf("expected audio")
	}
	if p := peak.Load(); p > 3 {
		t.Fatalf("synthesis concurrency peaked at %d, want <= 3", p)
	}
}

func TestHistorySavedForExchange(t *testing.T) {
	store := history.NewInMemoryStore()
	o, _ := testOrchestrator(t, func(d *deps) { d.store = store })

	o.ProcessText(context.Background(), testRequest(), "do you like dinosaurs?")

	deadline := time.After(time.Second)
	for {
		turns, err := store.RecentTurns(context.Background(), "child-1", 10)
		if err != nil {
			t.Fatalf("RecentTurns() error = %v", err)
		}
		if len(turns) == 2 {
			if turns[0].Role != "child" || turns[1].Role != "companion" {
				t.Fatalf("unexpected roles: %+v", turns)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("history never saved, got %d turns", len(turns))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUnsafeAudioGateBlocks(t *testing.T) {
	o, _ := testOrchestrator(t, func(d *deps) {
		d.safety = safetyStub{
			audio: AudioVerdict{Safe: false, Violations: []string{"distress"}},
			text:  TextVerdict{Safe: true},
		}
	})

	resp := o.ProcessAudio(context.Background(), testRequest(), pcmOfSize(4000))
	if resp.Text != FallbackRedirect {
		t.Fatalf("Text = %q, want %q", resp.Text, FallbackRedirect)
	}
}

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"Hello there", 1},
		{"One. Two! Three?", 3},
		{"Trailing fragment. And more", 2},
	}
	for _, tc := range cases {
		if got := splitSentences(tc.in); len(got) != tc.want {
			t.Fatalf("splitSentences(%q) = %v, want %d parts", tc.in, got, tc.want)
		}
	}
}

// Function adapters for stubbing single collaborators.

type sttFunc func(context.Context, []byte, string, int) (Transcription, error)

func (f sttFunc) Transcribe(ctx context.Context, wav []byte, lang string, age int) (Transcription, error) {
	return f(ctx, wav, lang, age)
}

type ttsFunc func(context.Context, string) ([]byte, error)

func (f ttsFunc) Synthesize(ctx context.Context, text string) ([]byte, error) { return f(ctx, text) }

type replyFunc func(context.Context, string, []history.Turn, string, map[string]string) (Reply, error)

func (f replyFunc) Respond(ctx context.Context, id string, turns []history.Turn, text string, prefs map[string]string) (Reply, error) {
	return f(ctx, id, turns, text, prefs)
}

type structuredFunc struct {
	MockTextToSpeech
	fn func(context.Context, SynthRequest) (SynthResult, error)
}

func (s *structuredFunc) SynthesizeRequest(ctx context.Context, req SynthRequest) (SynthResult, error) {
	return s.fn(ctx, req)
}

type safetyStub struct {
	audio AudioVerdict
	text  TextVerdict
}

func (s safetyStub) CheckAudio(context.Context, []byte) (AudioVerdict, error) { return s.audio, nil }
func (s safetyStub) CheckText(context.Context, string, int) (TextVerdict, error) {
	return s.text, nil
}
func (s safetyStub) Filter(_ context.Context, text string) (string, error) { return text, nil }

func TestProviderErrorFeedsPrometheusCounter(t *testing.T) {
	metrics := observability.NewMetrics("test_provider_errors", prometheus.NewRegistry())
	stt := sttFunc(func(context.Context, []byte, string, int) (Transcription, error) {
		return Transcription{}, errors.New("stt unreachable")
	})
	o := NewOrchestrator(stt, NewMockSafety(), NewMockReplyGenerator(), NewMockTextToSpeech(),
		NewMockChildDirectory(), history.NewInMemoryStore(), metrics, Config{StageTimeout: time.Second})

	resp := o.ProcessAudio(context.Background(), testRequest(), pcmOfSize(4000))
	if !resp.Fallback {
		t.Fatalf("provider error should fall back: %+v", resp)
	}

	if got := testutil.ToFloat64(metrics.ProviderErrors.WithLabelValues("stt", StageTranscribe)); got != 1 {
		t.Fatalf("provider_errors_total{stt,transcribe} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ProviderErrors.WithLabelValues("tts", StageSynthesize)); got != 0 {
		t.Fatalf("provider_errors_total{tts,synthesize} = %v, want 0", got)
	}
}
