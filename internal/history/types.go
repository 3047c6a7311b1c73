package history

import (
	"context"
	"time"
)

// Turn stores a single child or companion conversational turn.
type Turn struct {
	ID        string    `json:"id"`
	ChildID   string    `json:"child_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "child" or "companion"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves conversation history for reply generation.
type Store interface {
	SaveTurn(ctx context.Context, turn Turn) error
	RecentTurns(ctx context.Context, childID string, limit int) ([]Turn, error)
	Close() error
}
