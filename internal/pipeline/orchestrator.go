package pipeline

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/huddlelabs/burrow/internal/audio"
	"github.com/huddlelabs/burrow/internal/history"
	"github.com/huddlelabs/burrow/internal/observability"
)

// Pre-approved fallback utterances. The device must always receive some
// response; these stand in whenever a stage cannot produce a real one.
const (
	FallbackNoHear   = "I didn't hear anything, try again?"
	FallbackRedirect = "Let's talk about something else!"
	FallbackTrouble  = "Oops, I got a little mixed up. Can you say that again?"
)

const (
	defaultStageTimeout   = 10 * time.Second
	historyContextLimit   = 8
	historySaveTimeout    = 2 * time.Second
	maxConcurrentSynth    = 3
	minSentenceFanoutRune = 2
)

// Config tunes the orchestrator.
type Config struct {
	SampleRate   int
	StageTimeout time.Duration
	VoiceProfile string
}

// Request carries the session context for one utterance.
type Request struct {
	SessionID string
	ChildID   string
	ChildName string
	ChildAge  int
}

// Response is what goes back to the device: synthesized audio when
// available, text otherwise. Fallback marks substituted utterances.
type Response struct {
	Audio         []byte
	Text          string
	Emotion       string
	Fallback      bool
	CorrelationID string
}

// Orchestrator chains audio gate, transcription, text gate, reply
// generation and synthesis, short-circuiting into a safe fallback at the
// first failing stage.
type Orchestrator struct {
	stt       SpeechToText
	safety    Safety
	replies   ReplyGenerator
	tts       TextToSpeech
	directory ChildDirectory
	store     history.Store
	metrics   *observability.Metrics
	cfg       Config
	synthSem  *semaphore.Weighted

	sttStats    ProviderStats
	safetyStats ProviderStats
	replyStats  ProviderStats
	ttsStats    ProviderStats
}

func NewOrchestrator(
	stt SpeechToText,
	safety Safety,
	replies ReplyGenerator,
	tts TextToSpeech,
	directory ChildDirectory,
	store history.Store,
	metrics *observability.Metrics,
	cfg Config,
) *Orchestrator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = defaultStageTimeout
	}
	if cfg.VoiceProfile == "" {
		cfg.VoiceProfile = "companion_default"
	}
	return &Orchestrator{
		stt:       stt,
		safety:    safety,
		replies:   replies,
		tts:       tts,
		directory: directory,
		store:     store,
		metrics:   metrics,
		cfg:       cfg,
		synthSem:  semaphore.NewWeighted(maxConcurrentSynth),
	}
}

// ProcessAudio runs the full safety-gated pipeline on one finalized
// utterance of raw PCM16 audio. It never returns an error: every failure
// mode maps to a fallback response.
func (o *Orchestrator) ProcessAudio(ctx context.Context, req Request, pcm []byte) (resp Response) {
	corr := uuid.NewString()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pipeline %s: recovered: %v", corr, r)
			resp = o.respondWith(ctx, req, corr, FallbackTrouble, true)
		}
		o.observeLatency(time.Since(start))
	}()

	wav, err := audio.EncodeWAVPCM16LE(pcm, o.cfg.SampleRate)
	if err != nil {
		log.Printf("pipeline %s: wav framing failed: %v", corr, err)
		return o.respondWith(ctx, req, corr, FallbackTrouble, true)
	}

	// Audio safety gate. Fails closed: an unreachable safety collaborator
	// must not let unchecked child audio through.
	verdict, stageErr := o.checkAudio(ctx, wav)
	switch {
	case stageErr != nil:
		log.Printf("pipeline %s: %v", corr, stageErr)
		return o.respondWith(ctx, req, corr, FallbackTrouble, true)
	case !verdict.Safe:
		o.safetyStats.safetyBlock()
		o.observeStage(StageAudioGate, "blocked")
		return o.respondWith(ctx, req, corr, FallbackRedirect, true)
	}

	text, stageErr := o.transcribe(ctx, wav, req.ChildAge)
	if stageErr != nil {
		log.Printf("pipeline %s: %v", corr, stageErr)
		return o.respondWith(ctx, req, corr, FallbackTrouble, true)
	}
	if strings.TrimSpace(text) == "" {
		o.observeStage(StageTranscribe, "empty")
		return o.respondWith(ctx, req, corr, FallbackNoHear, true)
	}

	return o.respondToText(ctx, req, corr, text)
}

// ProcessText handles a typed text_message with the same gates the audio
// path applies after transcription.
func (o *Orchestrator) ProcessText(ctx context.Context, req Request, text string) (resp Response) {
	corr := uuid.NewString()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pipeline %s: recovered: %v", corr, r)
			resp = o.respondWith(ctx, req, corr, FallbackTrouble, true)
		}
		o.observeLatency(time.Since(start))
	}()

	if strings.TrimSpace(text) == "" {
		return o.respondWith(ctx, req, corr, FallbackNoHear, true)
	}
	return o.respondToText(ctx, req, corr, text)
}

// respondToText runs text gate → reply → filter → synthesis.
func (o *Orchestrator) respondToText(ctx context.Context, req Request, corr, text string) Response {
	verdict, stageErr := o.checkText(ctx, text, req.ChildAge)
	switch {
	case stageErr != nil:
		log.Printf("pipeline %s: %v", corr, stageErr)
		return o.respondWith(ctx, req, corr, FallbackTrouble, true)
	case !verdict.Safe:
		// The unsafe transcription never travels further; the neutral
		// redirect becomes the reply itself.
		o.safetyStats.safetyBlock()
		o.observeStage(StageTextGate, "blocked")
		o.saveExchange(req, "[redacted]", FallbackRedirect)
		return o.respondWith(ctx, req, corr, FallbackRedirect, true)
	}

	reply, stageErr := o.generateReply(ctx, req, text)
	if stageErr != nil {
		log.Printf("pipeline %s: %v", corr, stageErr)
		return o.respondWith(ctx, req, corr, FallbackTrouble, true)
	}
	if strings.TrimSpace(reply.Text) == "" {
		o.observeStage(StageReply, "empty")
		return o.respondWith(ctx, req, corr, FallbackTrouble, true)
	}

	if filtered, err := o.filterReply(ctx, reply.Text); err == nil {
		reply.Text = filtered
	}

	o.saveExchange(req, text, reply.Text)

	mp3, stageErr := o.synthesize(ctx, req, reply.Text, reply.Emotion)
	if stageErr != nil || len(mp3) == 0 {
		if stageErr != nil {
			log.Printf("pipeline %s: %v", corr, stageErr)
		}
		// Synthesis failed after a good reply: degrade to text rather
		// than dropping the interaction.
		o.observeStage(StageSynthesize, "degraded_text")
		return Response{Text: reply.Text, Emotion: reply.Emotion, CorrelationID: corr}
	}

	o.observeStage(StageSynthesize, "ok")
	return Response{Audio: mp3, Text: reply.Text, Emotion: reply.Emotion, CorrelationID: corr}
}

// respondWith builds a fallback response, speaking it when synthesis works.
func (o *Orchestrator) respondWith(ctx context.Context, req Request, corr, text string, fallback bool) Response {
	mp3, stageErr := o.synthesize(ctx, req, text, "warm")
	if stageErr != nil || len(mp3) == 0 {
		return Response{Text: text, Fallback: fallback, CorrelationID: corr}
	}
	return Response{Audio: mp3, Text: text, Fallback: fallback, CorrelationID: corr}
}

func (o *Orchestrator) checkAudio(ctx context.Context, wav []byte) (AudioVerdict, *StageError) {
	o.safetyStats.request()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	verdict, err := o.safety.CheckAudio(ctx, wav)
	if err != nil {
		o.safetyStats.failure()
		o.observeStage(StageAudioGate, "error")
		o.observeProviderError("safety", StageAudioGate)
		return AudioVerdict{}, &StageError{Stage: StageAudioGate, Err: err}
	}
	o.safetyStats.success()
	o.observeStage(StageAudioGate, "ok")
	return verdict, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, wav []byte, childAge int) (string, *StageError) {
	o.sttStats.request()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	tr, err := o.stt.Transcribe(ctx, wav, "auto", childAge)
	if err != nil {
		o.sttStats.failure()
		o.observeStage(StageTranscribe, "error")
		o.observeProviderError("stt", StageTranscribe)
		return "", &StageError{Stage: StageTranscribe, Err: err}
	}
	o.sttStats.success()
	o.observeStage(StageTranscribe, "ok")
	return tr.Text, nil
}

func (o *Orchestrator) checkText(ctx context.Context, text string, childAge int) (TextVerdict, *StageError) {
	o.safetyStats.request()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	verdict, err := o.safety.CheckText(ctx, text, childAge)
	if err != nil {
		o.safetyStats.failure()
		o.observeStage(StageTextGate, "error")
		o.observeProviderError("safety", StageTextGate)
		return TextVerdict{}, &StageError{Stage: StageTextGate, Err: err}
	}
	o.safetyStats.success()
	o.observeStage(StageTextGate, "ok")
	return verdict, nil
}

func (o *Orchestrator) generateReply(ctx context.Context, req Request, text string) (Reply, *StageError) {
	o.replyStats.request()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	var prefs map[string]string
	if o.directory != nil {
		if profile, err := o.directory.GetByID(ctx, req.ChildID); err == nil {
			prefs = profile.Preferences
		}
	}

	var turns []history.Turn
	if o.store != nil {
		if recent, err := o.store.RecentTurns(ctx, req.ChildID, historyContextLimit); err == nil {
			turns = recent
		}
	}

	reply, err := o.replies.Respond(ctx, req.ChildID, turns, text, prefs)
	if err != nil {
		o.replyStats.failure()
		o.observeStage(StageReply, "error")
		o.observeProviderError("reply", StageReply)
		return Reply{}, &StageError{Stage: StageReply, Err: err}
	}
	o.replyStats.success()
	o.observeStage(StageReply, "ok")
	return reply, nil
}

func (o *Orchestrator) filterReply(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	return o.safety.Filter(ctx, text)
}

// synthesize fans sentence-level synthesis out under a bounded limiter so
// one slow sentence cannot stall the others. Sentences that fail are
// skipped; order is preserved.
func (o *Orchestrator) synthesize(ctx context.Context, req Request, text, emotion string) ([]byte, *StageError) {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}
	if len(sentences) == 1 {
		return o.synthesizeOne(ctx, req, sentences[0], emotion)
	}

	parts := make([][]byte, len(sentences))
	var wg sync.WaitGroup
	for i, sentence := range sentences {
		if err := o.synthSem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, sentence string) {
			defer wg.Done()
			defer o.synthSem.Release(1)
			part, stageErr := o.synthesizeOne(ctx, req, sentence, emotion)
			if stageErr != nil {
				return
			}
			parts[i] = part
		}(i, sentence)
	}
	wg.Wait()

	var out []byte
	for _, part := range parts {
		out = append(out, part...)
	}
	if len(out) == 0 {
		return nil, &StageError{Stage: StageSynthesize, Err: context.Canceled}
	}
	return out, nil
}

func (o *Orchestrator) synthesizeOne(ctx context.Context, req Request, text, emotion string) ([]byte, *StageError) {
	o.ttsStats.request()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	if structured, ok := o.tts.(StructuredSynthesizer); ok {
		res, err := structured.SynthesizeRequest(ctx, SynthRequest{
			Text:               text,
			VoiceProfile:       o.cfg.VoiceProfile,
			Emotion:            emotion,
			Speed:              1.0,
			Format:             "mp3",
			Quality:            "standard",
			ChildAge:           req.ChildAge,
			ParentalControls:   true,
			ContentFilterLevel: "strict",
		})
		if err != nil {
			o.ttsStats.failure()
			o.observeProviderError("tts", StageSynthesize)
			return nil, &StageError{Stage: StageSynthesize, Err: err}
		}
		o.ttsStats.success()
		if res.Cached {
			o.ttsStats.cacheHit()
		}
		o.ttsStats.addCost(res.CostMicro)
		return res.Audio, nil
	}

	mp3, err := o.tts.Synthesize(ctx, text)
	if err != nil {
		o.ttsStats.failure()
		o.observeProviderError("tts", StageSynthesize)
		return nil, &StageError{Stage: StageSynthesize, Err: err}
	}
	o.ttsStats.success()
	return mp3, nil
}

// saveExchange records both sides of the exchange, best effort.
func (o *Orchestrator) saveExchange(req Request, childText, companionText string) {
	if o.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), historySaveTimeout)
		defer cancel()
		_ = o.store.SaveTurn(ctx, history.Turn{
			ChildID:   req.ChildID,
			SessionID: req.SessionID,
			Role:      "child",
			Content:   childText,
		})
		_ = o.store.SaveTurn(ctx, history.Turn{
			ChildID:   req.ChildID,
			SessionID: req.SessionID,
			Role:      "companion",
			Content:   companionText,
		})
	}()
}

// ProviderSnapshots exposes per-collaborator counters for the health surface.
func (o *Orchestrator) ProviderSnapshots() map[string]ProviderSnapshot {
	return map[string]ProviderSnapshot{
		"stt":    o.sttStats.Snapshot(),
		"safety": o.safetyStats.Snapshot(),
		"reply":  o.replyStats.Snapshot(),
		"tts":    o.ttsStats.Snapshot(),
	}
}

func (o *Orchestrator) observeStage(stage, outcome string) {
	if o.metrics == nil {
		return
	}
	o.metrics.PipelineStages.WithLabelValues(stage, outcome).Inc()
}

func (o *Orchestrator) observeProviderError(provider, stage string) {
	if o.metrics == nil {
		return
	}
	o.metrics.ProviderErrors.WithLabelValues(provider, stage).Inc()
}

func (o *Orchestrator) observeLatency(d time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObservePipelineLatency(d)
}

// splitSentences breaks reply text at terminal punctuation, keeping the
// punctuation with its sentence.
func splitSentences(text string) []string {
	var out []string
	var sb strings.Builder
	for _, r := range text {
		sb.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(sb.String()); len([]rune(s)) >= minSentenceFanoutRune {
				out = append(out, s)
			}
			sb.Reset()
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		out = append(out, s)
	}
	return out
}
