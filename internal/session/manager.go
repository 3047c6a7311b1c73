package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/huddlelabs/burrow/internal/audio"
	"github.com/huddlelabs/burrow/internal/observability"
	"github.com/huddlelabs/burrow/internal/pipeline"
	"github.com/huddlelabs/burrow/internal/protocol"
	"github.com/huddlelabs/burrow/internal/stream"
)

const outboundQueueSize = 64

// Pipeline is the safety-gated orchestrator consumed by the manager.
type Pipeline interface {
	ProcessAudio(ctx context.Context, req pipeline.Request, pcm []byte) pipeline.Response
	ProcessText(ctx context.Context, req pipeline.Request, text string) pipeline.Response
}

// ManagerConfig tunes session lifecycle and audio capture.
type ManagerConfig struct {
	MaxSessions       int
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	MinUtteranceBytes int
	MaxUtteranceBytes int
	SampleRate        int
	Stream            stream.Config
}

// Manager owns every connected device session: admission, message
// dispatch, finalize, idle sweep and teardown.
type Manager struct {
	cfg      ManagerConfig
	registry *Registry
	pipe     Pipeline
	metrics  *observability.Metrics
}

func NewManager(cfg ManagerConfig, pipe Pipeline, metrics *observability.Metrics) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.MinUtteranceBytes <= 0 {
		cfg.MinUtteranceBytes = 1000
	}
	if cfg.MaxUtteranceBytes <= 0 {
		cfg.MaxUtteranceBytes = 10 << 20
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Manager{
		cfg:      cfg,
		registry: NewRegistry(cfg.MaxSessions),
		pipe:     pipe,
		metrics:  metrics,
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

// Authorize runs the pre-accept checks without creating anything, so the
// HTTP layer can reject before upgrading the connection.
func (m *Manager) Authorize(req ConnectRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	// Preemption frees the slot for a reconnecting device.
	if _, exists := m.registry.GetByDevice(req.DeviceID); !exists && m.registry.Count() >= m.registry.Max() {
		return ErrSessionLimit
	}
	return nil
}

// Connect admits a device connection and starts its reader and writer
// goroutines. A device that already holds a session preempts it: the old
// session terminates before the new one is admitted.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest, conn stream.DeviceConn, dial stream.DialFunc) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if old, ok := m.registry.GetByDevice(req.DeviceID); ok {
		m.Terminate(old.ID, "reconnected")
	}

	sessCtx, cancel := context.WithCancel(ctx)
	now := time.Now().UTC()
	buffer := audio.NewCircularBuffer(m.cfg.Stream.BufferSeconds, m.cfg.SampleRate)
	s := &Session{
		ID:           uuid.NewString(),
		DeviceID:     req.DeviceID,
		ChildID:      req.ChildID,
		ChildName:    req.ChildName,
		ChildAge:     req.ChildAge,
		CreatedAt:    now,
		streamer:     stream.NewStreamer(conn, buffer, m.cfg.Stream, dial),
		buffer:       buffer,
		outbound:     make(chan any, outboundQueueSize),
		ctx:          sessCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
		status:       StatusConnecting,
		lastActivity: now,
	}
	if m.metrics != nil {
		s.streamer.Stats().Mirror(m.metrics.PacketsSent, m.metrics.PacketsDropped, m.metrics.Reconnects)
	}

	if err := m.registry.Add(s); err != nil {
		cancel()
		return nil, err
	}

	s.setStatus(StatusActive)
	m.observeSessionEvent("connected")
	m.setActiveGauge()

	go m.writeLoop(sessCtx, s)
	go m.readLoop(sessCtx, s)

	s.send(protocol.NewSystemMessage(map[string]any{
		"event":      "welcome",
		"session_id": s.ID,
		"child_name": s.ChildName,
	}))

	return s, nil
}

func (m *Manager) writeLoop(ctx context.Context, s *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-s.outbound:
			var err error
			switch out := v.(type) {
			case audioOut:
				err = s.streamer.SendAudio(out.mp3, out.text)
			default:
				err = s.streamer.SendEnvelope(v)
			}
			if err != nil {
				log.Printf("session %s: outbound write failed: %v", s.ID, err)
			} else if m.metrics != nil {
				if t, ok := outboundTypeOf(v); ok {
					m.metrics.WSMessages.WithLabelValues("outbound", t).Inc()
				}
			}
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, s *Session) {
	err := s.streamer.Run(ctx, func(raw []byte) {
		m.HandleMessage(s, raw)
	})

	switch {
	case errors.Is(err, context.Canceled):
		// Terminate already ran or the server is shutting down.
	case errors.Is(err, stream.ErrMaxReconnects):
		m.Terminate(s.ID, "max_reconnects_exceeded")
	default:
		m.Terminate(s.ID, "connection_lost")
	}
}

// HandleMessage dispatches one raw inbound frame. Malformed payloads fail
// softly: the device gets an error envelope and the session survives.
func (m *Manager) HandleMessage(s *Session, raw []byte) {
	s.Touch()

	parsed, err := protocol.ParseDeviceMessage(raw)
	if err != nil {
		log.Printf("session %s: protocol error: %v", s.ID, err)
		m.observeSessionEvent("protocol_error")
		s.send(protocol.NewErrorMessage("protocol_error", "message not understood"))
		return
	}

	if m.metrics != nil {
		if t, ok := inboundTypeOf(parsed); ok {
			m.metrics.WSMessages.WithLabelValues("inbound", t).Inc()
		}
	}

	switch msg := parsed.(type) {
	case protocol.AudioStart:
		u := s.beginUtterance(msg.AudioSessionID)
		s.send(protocol.NewSystemMessage(map[string]any{
			"event":            "audio_ready",
			"audio_session_id": u.ID(),
		}))

	case protocol.AudioChunk:
		m.handleAudioChunk(s, msg)

	case protocol.AudioEnd:
		if u := s.currentUtterance(); u != nil {
			u.MarkComplete()
		}
		m.finalize(s)

	case protocol.TextMessage:
		m.processText(s, msg.Text)

	case protocol.Heartbeat:
		s.send(protocol.NewSystemMessage(map[string]any{"event": "heartbeat_ack"}))

	case protocol.SystemStatus:
		s.send(protocol.NewSystemMessage(map[string]any{
			"event":         "status",
			"status":        string(s.Status()),
			"message_count": s.MessageCount(),
			"uptime_ms":     time.Since(s.CreatedAt).Milliseconds(),
		}))
	}
}

func (m *Manager) handleAudioChunk(s *Session, msg protocol.AudioChunk) {
	data, err := msg.Payload()
	if err != nil {
		s.send(protocol.NewErrorMessage("invalid_audio", "audio_data is not valid base64"))
		return
	}

	u := s.currentUtterance()
	if u != nil && (msg.AudioSessionID == "" || msg.AudioSessionID == u.ID()) {
		u.Append(data)
	} else {
		// Legacy firmware path: chunks outside an announced utterance land
		// in the rolling capture buffer.
		log.Printf("session %s: chunk without matching audio session, using capture buffer", s.ID)
		dropped := s.buffer.Write(audio.SamplesFromPCM16LE(data))
		if dropped > 0 && m.metrics != nil {
			m.metrics.SamplesDropped.Add(float64(dropped))
		}
	}

	if msg.IsFinal {
		if u != nil {
			u.MarkComplete()
		}
		m.finalize(s)
	}
}

// finalize drains the accumulated utterance and runs the pipeline once.
// Capture state is released whatever the outcome, and a session never
// pipelines two utterances concurrently.
func (m *Manager) finalize(s *Session) {
	if !s.beginProcessing() {
		return
	}

	go func() {
		defer s.endProcessing()
		defer s.clearAudio()

		pcm := s.takeAudio()
		switch {
		case len(pcm) < m.cfg.MinUtteranceBytes:
			m.observeSessionEvent("utterance_too_short")
			s.send(protocol.NewTextResponse("Audio too short! Try holding the button a little longer."))
			return
		case len(pcm) > m.cfg.MaxUtteranceBytes:
			m.observeSessionEvent("utterance_too_long")
			s.send(protocol.NewTextResponse("That was a lot! Try a shorter question."))
			return
		}

		// Session context: Terminate cancels in-flight provider calls.
		resp := m.pipe.ProcessAudio(s.ctx, m.pipelineRequest(s), pcm)
		m.deliver(s, resp)
	}()
}

func (m *Manager) processText(s *Session, text string) {
	if !s.beginProcessing() {
		return
	}
	go func() {
		defer s.endProcessing()
		resp := m.pipe.ProcessText(s.ctx, m.pipelineRequest(s), text)
		m.deliver(s, resp)
	}()
}

func (m *Manager) pipelineRequest(s *Session) pipeline.Request {
	return pipeline.Request{
		SessionID: s.ID,
		ChildID:   s.ChildID,
		ChildName: s.ChildName,
		ChildAge:  s.ChildAge,
	}
}

func (m *Manager) deliver(s *Session, resp pipeline.Response) {
	if len(resp.Audio) > 0 {
		if !s.send(audioOut{mp3: resp.Audio, text: resp.Text}) {
			m.observeSessionEvent("outbound_dropped")
		}
		return
	}
	if !s.send(protocol.NewTextResponse(resp.Text)) {
		m.observeSessionEvent("outbound_dropped")
	}
}

// StartSweeper runs the periodic idle scan until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepIdle()
			}
		}
	}()
}

func (m *Manager) sweepIdle() {
	now := time.Now().UTC()
	for _, s := range m.registry.All() {
		idle := now.Sub(s.LastActivity())
		if idle > m.cfg.IdleTimeout {
			m.Terminate(s.ID, "timeout")
			continue
		}
		if idle > m.cfg.IdleTimeout/2 && s.Status() == StatusActive {
			s.setStatus(StatusIdle)
		}
	}
}

// Terminate tears one session down: cancels its goroutines, closes the
// transport and releases capture state. Safe to call twice; the second
// call finds nothing in the registry.
func (m *Manager) Terminate(id, reason string) {
	s, ok := m.registry.Remove(id)
	if !ok {
		return
	}

	s.setStatus(StatusDisconnecting)
	s.cancel()
	_ = s.streamer.Close()
	s.clearAudio()
	s.setStatus(StatusTerminated)
	close(s.done)

	log.Printf("session %s terminated (%s): lived %s, %d messages",
		s.ID, reason, time.Since(s.CreatedAt).Round(time.Second), s.MessageCount())
	m.observeSessionEvent("terminated_" + reason)
	m.setActiveGauge()
}

// Shutdown terminates every session with reason server_shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.registry.All() {
		m.Terminate(s.ID, "server_shutdown")
		if ctx.Err() != nil {
			return
		}
	}
}

// Health aggregates the health surface: status, active sessions and
// summed streaming counters.
type Health struct {
	Status         string          `json:"status"`
	ActiveSessions int             `json:"active_sessions"`
	MaxSessions    int             `json:"max_sessions"`
	Streaming      stream.Snapshot `json:"streaming"`
}

func (m *Manager) Health() Health {
	sessions := m.registry.All()
	var agg stream.Snapshot
	for _, s := range sessions {
		snap := s.streamer.Stats().Snapshot()
		agg.PacketsSent += snap.PacketsSent
		agg.PacketsDropped += snap.PacketsDropped
		agg.Reconnects += snap.Reconnects
		if snap.LastPacketUnixMs > agg.LastPacketUnixMs {
			agg.LastPacketUnixMs = snap.LastPacketUnixMs
			agg.CurrentLatencyMs = snap.CurrentLatencyMs
		}
	}

	status := "healthy"
	if len(sessions)*10 >= m.registry.Max()*9 {
		status = "degraded"
	}

	return Health{
		Status:         status,
		ActiveSessions: len(sessions),
		MaxSessions:    m.registry.Max(),
		Streaming:      agg,
	}
}

func (m *Manager) observeSessionEvent(event string) {
	if m.metrics == nil {
		return
	}
	m.metrics.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Manager) setActiveGauge() {
	if m.metrics == nil {
		return
	}
	m.metrics.ActiveSessions.Set(float64(m.registry.Count()))
}

func inboundTypeOf(v any) (string, bool) {
	switch msg := v.(type) {
	case protocol.AudioStart:
		return string(msg.Type), true
	case protocol.AudioChunk:
		return string(msg.Type), true
	case protocol.AudioEnd:
		return string(msg.Type), true
	case protocol.TextMessage:
		return string(msg.Type), true
	case protocol.Heartbeat:
		return string(msg.Type), true
	case protocol.SystemStatus:
		return string(msg.Type), true
	default:
		return "", false
	}
}

func outboundTypeOf(v any) (string, bool) {
	switch msg := v.(type) {
	case protocol.SystemMessage:
		return string(msg.Type), true
	case protocol.ErrorMessage:
		return string(msg.Type), true
	case protocol.TextResponse:
		return string(msg.Type), true
	case audioOut:
		return string(protocol.TypeAudioResponse), true
	default:
		return "", false
	}
}
