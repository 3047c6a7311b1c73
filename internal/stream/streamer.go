package stream

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/huddlelabs/burrow/internal/audio"
	"github.com/huddlelabs/burrow/internal/protocol"
	"github.com/huddlelabs/burrow/internal/reliability"
)

var (
	ErrConnectionLost = errors.New("device connection lost")
	ErrMaxReconnects  = errors.New("max reconnect attempts exceeded")
)

// DeviceConn is the subset of *websocket.Conn the streamer needs. Tests
// substitute in-memory fakes.
type DeviceConn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// DialFunc re-establishes the device connection during reconnection.
type DialFunc func(ctx context.Context) (DeviceConn, error)

// Config tunes one streamer. Defaults favour robustness; OptimizeForLatency
// trades it for responsiveness.
type Config struct {
	LatencyBudget    time.Duration
	HeartbeatTimeout time.Duration
	MaxReconnects    int
	ReconnectBackoff time.Duration
	PacketDuration   time.Duration
	AckEnabled       bool
	BufferSeconds    int
}

func DefaultConfig() Config {
	return Config{
		LatencyBudget:    300 * time.Millisecond,
		HeartbeatTimeout: 5 * time.Second,
		MaxReconnects:    5,
		ReconnectBackoff: 500 * time.Millisecond,
		PacketDuration:   200 * time.Millisecond,
		AckEnabled:       true,
		BufferSeconds:    2,
	}
}

// OptimizeForLatency shrinks packets to at most 50ms, disables
// acknowledgments and narrows the capture buffer to one second.
func (c *Config) OptimizeForLatency() {
	if c.PacketDuration > 50*time.Millisecond {
		c.PacketDuration = 50 * time.Millisecond
	}
	c.AckEnabled = false
	if c.BufferSeconds > 1 {
		c.BufferSeconds = 1
	}
}

// Streamer owns one device connection: sequenced outbound packets, the
// inbound receive loop with its heartbeat watchdog, and bounded reconnection.
type Streamer struct {
	cfg    Config
	stats  *Stats
	buffer *audio.CircularBuffer
	seq    Sequencer
	dial   DialFunc

	mu          sync.Mutex
	conn        DeviceConn
	lastInbound time.Time
}

func NewStreamer(conn DeviceConn, buffer *audio.CircularBuffer, cfg Config, dial DialFunc) *Streamer {
	return &Streamer{
		cfg:         cfg,
		stats:       &Stats{},
		buffer:      buffer,
		dial:        dial,
		conn:        conn,
		lastInbound: time.Now(),
	}
}

func (s *Streamer) Stats() *Stats { return s.stats }

type audioFrame struct {
	protocol.AudioResponse
	PacketID    string `json:"packet_id"`
	Seq         uint64 `json:"sequence_number"`
	PacketTSMs  int64  `json:"packet_ts_ms"`
	DurationMs  int64  `json:"duration_ms"`
	IsFinal     bool   `json:"is_final"`
	AckRequired bool   `json:"ack_required,omitempty"`
}

// SendAudio frames synthesized audio into sequenced packets and writes them.
// A transport error is surfaced to the caller but does not tear down the
// session; the receive loop owns recovery.
func (s *Streamer) SendAudio(mp3 []byte, text string) error {
	for _, p := range s.seq.Split(mp3, s.cfg.PacketDuration) {
		frame := audioFrame{
			AudioResponse: protocol.NewAudioResponse(p.Payload, text),
			PacketID:      p.ID,
			Seq:           p.Seq,
			PacketTSMs:    p.Timestamp,
			DurationMs:    p.DurationMs,
			IsFinal:       p.Final,
			AckRequired:   s.cfg.AckEnabled,
		}
		start := time.Now()
		if err := s.SendEnvelope(frame); err != nil {
			s.stats.PacketDropped()
			return err
		}
		s.stats.PacketSent(time.Since(start).Milliseconds(), time.Now().UnixMilli())
	}
	s.updateBufferUsage()
	return nil
}

// SendEnvelope writes one outbound JSON envelope.
func (s *Streamer) SendEnvelope(v any) error {
	conn := s.current()
	if conn == nil {
		return ErrConnectionLost
	}
	return conn.WriteJSON(v)
}

// Run is the per-session receive loop. Each read waits at most the latency
// budget; on timeout the heartbeat watchdog decides whether the device is
// merely quiet or gone. Lost connections go through bounded reconnection
// before the loop gives up with ErrMaxReconnects.
func (s *Streamer) Run(ctx context.Context, handle func(raw []byte)) error {
	s.touch()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn := s.current()
		if conn == nil {
			return ErrConnectionLost
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.LatencyBudget))
		_, data, err := conn.ReadMessage()
		if err == nil {
			s.touch()
			handle(data)
			continue
		}

		if isTimeout(err) {
			if s.sinceInbound() < s.cfg.HeartbeatTimeout {
				continue
			}
			// Heartbeat window blown: treat as a lost connection.
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if rerr := s.reconnect(ctx); rerr != nil {
			return rerr
		}
	}
}

// reconnect retries the dial with linear backoff, clearing the capture
// buffer between attempts so stale audio never replays after recovery.
func (s *Streamer) reconnect(ctx context.Context) error {
	if s.dial == nil {
		return ErrConnectionLost
	}
	for attempt := 1; attempt <= s.cfg.MaxReconnects; attempt++ {
		delay := reliability.LinearBackoff(attempt, s.cfg.ReconnectBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if s.buffer != nil {
			s.buffer.Clear()
		}
		s.stats.Reconnected()

		conn, err := s.dial(ctx)
		if err != nil {
			continue
		}
		s.swap(conn)
		s.touch()
		return nil
	}
	return ErrMaxReconnects
}

func (s *Streamer) Close() error {
	conn := s.current()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *Streamer) current() DeviceConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Streamer) swap(conn DeviceConn) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (s *Streamer) touch() {
	s.mu.Lock()
	s.lastInbound = time.Now()
	s.mu.Unlock()
}

func (s *Streamer) sinceInbound() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastInbound)
}

func (s *Streamer) updateBufferUsage() {
	if s.buffer == nil || s.buffer.Cap() == 0 {
		return
	}
	s.stats.SetBufferUsage(s.buffer.Len() * 100 / s.buffer.Cap())
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
