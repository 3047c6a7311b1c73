package audio

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Utterance accumulates raw audio chunks for one in-progress spoken input,
// from audio_start until it is finalized. Chunk order is arrival order.
type Utterance struct {
	mu        sync.Mutex
	id        string
	sessionID string
	chunks    [][]byte
	size      int
	complete  bool
	startedAt time.Time
}

func NewUtterance(sessionID, id string) *Utterance {
	if id == "" {
		id = uuid.NewString()
	}
	return &Utterance{
		id:        id,
		sessionID: sessionID,
		startedAt: time.Now().UTC(),
	}
}

func (u *Utterance) ID() string        { return u.id }
func (u *Utterance) SessionID() string { return u.sessionID }

// Append adds one chunk. Appends after completion are ignored so a
// straggling chunk cannot mutate an utterance already handed to the pipeline.
func (u *Utterance) Append(chunk []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.complete || len(chunk) == 0 {
		return
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	u.chunks = append(u.chunks, buf)
	u.size += len(buf)
}

func (u *Utterance) MarkComplete() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.complete = true
}

func (u *Utterance) Complete() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.complete
}

func (u *Utterance) Size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.size
}

func (u *Utterance) ChunkCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.chunks)
}

func (u *Utterance) Age() time.Duration {
	return time.Since(u.startedAt)
}

// Bytes concatenates all chunks in arrival order.
func (u *Utterance) Bytes() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]byte, 0, u.size)
	for _, c := range u.chunks {
		out = append(out, c...)
	}
	return out
}
