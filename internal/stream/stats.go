package stream

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats aggregates per-streamer counters for the health surface. Counters
// live for the process lifetime and use atomic increments because sessions
// update them without any shared lock.
type Stats struct {
	packetsSent    atomic.Uint64
	packetsDropped atomic.Uint64
	reconnects     atomic.Uint64
	latencyMs      atomic.Int64
	bufferUsage    atomic.Int64 // percent
	lastPacketMs   atomic.Int64

	promSent       prometheus.Counter
	promDropped    prometheus.Counter
	promReconnects prometheus.Counter
}

// Mirror forwards every increment to the given prometheus counters so the
// per-streamer atomics and the process-wide /metrics series stay in step.
// Must be called before the streamer starts; any counter may be nil.
func (s *Stats) Mirror(sent, dropped, reconnects prometheus.Counter) {
	s.promSent = sent
	s.promDropped = dropped
	s.promReconnects = reconnects
}

func (s *Stats) PacketSent(latencyMs, atUnixMs int64) {
	s.packetsSent.Add(1)
	s.latencyMs.Store(latencyMs)
	s.lastPacketMs.Store(atUnixMs)
	if s.promSent != nil {
		s.promSent.Inc()
	}
}

func (s *Stats) PacketDropped() {
	s.packetsDropped.Add(1)
	if s.promDropped != nil {
		s.promDropped.Inc()
	}
}

func (s *Stats) Reconnected() {
	s.reconnects.Add(1)
	if s.promReconnects != nil {
		s.promReconnects.Inc()
	}
}

func (s *Stats) SetBufferUsage(p int) { s.bufferUsage.Store(int64(p)) }

func (s *Stats) Reconnects() uint64 { return s.reconnects.Load() }

func (s *Stats) PacketsSent() uint64 { return s.packetsSent.Load() }

func (s *Stats) PacketsDropped() uint64 { return s.packetsDropped.Load() }

// Snapshot is the JSON shape returned by the metrics endpoint.
type Snapshot struct {
	PacketsSent      uint64 `json:"packets_sent"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	Reconnects       uint64 `json:"reconnections"`
	CurrentLatencyMs int64  `json:"current_latency_ms"`
	BufferUsagePct   int64  `json:"buffer_usage_pct"`
	LastPacketUnixMs int64  `json:"last_packet_ts_ms"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		PacketsSent:      s.packetsSent.Load(),
		PacketsDropped:   s.packetsDropped.Load(),
		Reconnects:       s.reconnects.Load(),
		CurrentLatencyMs: s.latencyMs.Load(),
		BufferUsagePct:   s.bufferUsage.Load(),
		LastPacketUnixMs: s.lastPacketMs.Load(),
	}
}
