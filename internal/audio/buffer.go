package audio

import (
	"sync"
	"time"
)

// CircularBuffer is a fixed-capacity ring of PCM16 samples. Writes beyond
// capacity evict the oldest samples and count them as dropped. The realtime
// ingestion path and the pipeline drain the same buffer from different
// goroutines, so every operation takes the buffer lock.
type CircularBuffer struct {
	mu         sync.Mutex
	buf        []int16
	head       int
	length     int
	dropped    uint64
	sampleRate int
}

// NewCircularBuffer sizes the ring for seconds of audio at sampleRate.
func NewCircularBuffer(seconds, sampleRate int) *CircularBuffer {
	if seconds <= 0 {
		seconds = 2
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &CircularBuffer{
		buf:        make([]int16, seconds*sampleRate),
		sampleRate: sampleRate,
	}
}

// Write appends samples, evicting the oldest when the ring is full.
// It returns how many samples were dropped to make room.
func (b *CircularBuffer) Write(samples []int16) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(samples)
	if n == 0 {
		return 0
	}
	capacity := len(b.buf)

	if n >= capacity {
		// The incoming block alone overfills the ring; keep only its tail.
		drop := b.length + n - capacity
		copy(b.buf, samples[n-capacity:])
		b.head = 0
		b.length = capacity
		b.dropped += uint64(drop)
		return drop
	}

	drop := 0
	if overflow := b.length + n - capacity; overflow > 0 {
		b.head = (b.head + overflow) % capacity
		b.length -= overflow
		drop = overflow
		b.dropped += uint64(overflow)
	}

	tail := (b.head + b.length) % capacity
	first := copy(b.buf[tail:], samples)
	if first < n {
		copy(b.buf, samples[first:])
	}
	b.length += n
	return drop
}

// Latest returns the most recent d worth of samples in arrival order,
// or fewer if the ring holds less.
func (b *CircularBuffer) Latest(d time.Duration) []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := int(d.Milliseconds()) * b.sampleRate / 1000
	if n <= 0 {
		return nil
	}
	if n > b.length {
		n = b.length
	}
	out := make([]int16, n)
	capacity := len(b.buf)
	start := (b.head + b.length - n) % capacity
	first := copy(out, b.buf[start:min(start+n, capacity)])
	if first < n {
		copy(out[first:], b.buf)
	}
	return out
}

// Drain returns everything in the ring in arrival order and resets it.
func (b *CircularBuffer) Drain() []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]int16, b.length)
	capacity := len(b.buf)
	first := copy(out, b.buf[b.head:min(b.head+b.length, capacity)])
	if first < b.length {
		copy(out[first:], b.buf)
	}
	b.head = 0
	b.length = 0
	return out
}

func (b *CircularBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.length = 0
}

func (b *CircularBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

func (b *CircularBuffer) Cap() int {
	return len(b.buf)
}

// Dropped reports the total samples evicted since creation.
func (b *CircularBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *CircularBuffer) SampleRate() int {
	return b.sampleRate
}
