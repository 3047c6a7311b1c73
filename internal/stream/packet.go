package stream

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Nominal MP3 byte rate used to size packets, ~32 kbps mono speech.
const mp3ByteRate = 4000

// Packet is one outbound audio unit. Packets are constructed per response,
// serialized immediately and discarded.
type Packet struct {
	ID         string `json:"packet_id"`
	Seq        uint64 `json:"sequence_number"`
	Timestamp  int64  `json:"timestamp"`
	Payload    []byte `json:"payload"`
	DurationMs int64  `json:"duration_ms"`
	Final      bool   `json:"is_final"`
}

// Sequencer hands out strictly increasing per-session sequence numbers,
// starting at zero.
type Sequencer struct {
	next atomic.Uint64
}

func (s *Sequencer) NewPacket(payload []byte, final bool) Packet {
	return Packet{
		ID:         uuid.NewString(),
		Seq:        s.next.Add(1) - 1,
		Timestamp:  time.Now().UnixMilli(),
		Payload:    payload,
		DurationMs: int64(len(payload)) * 1000 / mp3ByteRate,
		Final:      final,
	}
}

// Split frames one synthesized response into packets no longer than
// maxDuration each. The last packet carries the final flag.
func (s *Sequencer) Split(audio []byte, maxDuration time.Duration) []Packet {
	budget := int(maxDuration.Milliseconds()) * mp3ByteRate / 1000
	if budget <= 0 {
		budget = len(audio)
	}
	if len(audio) == 0 {
		return []Packet{s.NewPacket(nil, true)}
	}

	var packets []Packet
	for off := 0; off < len(audio); off += budget {
		end := off + budget
		if end > len(audio) {
			end = len(audio)
		}
		packets = append(packets, s.NewPacket(audio[off:end], end == len(audio)))
	}
	return packets
}
