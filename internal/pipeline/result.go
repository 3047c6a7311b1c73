package pipeline

import (
	"fmt"
	"sync/atomic"

	"github.com/huddlelabs/burrow/internal/reliability"
)

// StageError is the tagged failure outcome of one pipeline stage. The
// orchestrator matches on it to decide between fallback and continuation
// instead of letting provider failures propagate.
type StageError struct {
	Stage      string
	StatusCode int
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// Stage names used for counters and logs.
const (
	StageAudioGate  = "audio_gate"
	StageTranscribe = "transcribe"
	StageTextGate   = "text_gate"
	StageReply      = "reply"
	StageSynthesize = "synthesize"
)

// ProviderStats aggregates per-collaborator counters. Updated atomically;
// reset only on process restart.
type ProviderStats struct {
	requests     atomic.Uint64
	successes    atomic.Uint64
	failures     atomic.Uint64
	cacheHits    atomic.Uint64
	safetyBlocks atomic.Uint64
	costMicro    atomic.Int64
}

func (p *ProviderStats) request() { p.requests.Add(1) }

func (p *ProviderStats) success() { p.successes.Add(1) }

func (p *ProviderStats) failure() { p.failures.Add(1) }

func (p *ProviderStats) cacheHit() { p.cacheHits.Add(1) }

func (p *ProviderStats) safetyBlock() { p.safetyBlocks.Add(1) }

func (p *ProviderStats) addCost(micro int64) { p.costMicro.Add(micro) }

// ProviderSnapshot is the JSON view of one provider's counters.
type ProviderSnapshot struct {
	Requests     uint64 `json:"requests"`
	Successes    uint64 `json:"successes"`
	Failures     uint64 `json:"failures"`
	CacheHits    uint64 `json:"cache_hits"`
	SafetyBlocks uint64 `json:"safety_blocks"`
	CostMicro    int64  `json:"cost_micro"`
}

func (p *ProviderStats) Snapshot() ProviderSnapshot {
	return ProviderSnapshot{
		Requests:     p.requests.Load(),
		Successes:    p.successes.Load(),
		Failures:     p.failures.Load(),
		CacheHits:    p.cacheHits.Load(),
		SafetyBlocks: p.safetyBlocks.Load(),
		CostMicro:    p.costMicro.Load(),
	}
}
