// ABOUTME: Store interface and data types for the turn ledger
// ABOUTME: Defines the Turn record written after every coalesced flush

package store

import (
	"context"
	"errors"
	"time"
)

// ErrTurnNotFound is returned when a requested turn does not exist
var ErrTurnNotFound = errors.New("turn not found")

// Turn is one coalesced unit of work handed to the agent: the combined text of
// a sender's buffered messages, what triggered the flush, and how it ended.
type Turn struct {
	ID             string
	SenderID       string
	Text           string // buffered messages joined with "\n"
	MessageCount   int
	Trigger        string // size, chars, max_wait, idle, direct, shutdown
	FirstMessageAt time.Time
	FlushedAt      time.Time
	Reply          string
	ImageIDs       []string
	Error          string // agent error, empty on success
}

// ListTurnsParams filters a ListTurns query.
type ListTurnsParams struct {
	SenderID string     // Optional: only turns for this sender
	Since    *time.Time // Optional: only turns flushed at or after this time
	Limit    int        // 1-1000, defaults to 50
}

// TurnStore persists flushed turns.
type TurnStore interface {
	SaveTurn(ctx context.Context, turn *Turn) error
	GetTurn(ctx context.Context, id string) (*Turn, error)
	ListTurns(ctx context.Context, params ListTurnsParams) ([]*Turn, error)
	CountTurns(ctx context.Context, senderID string) (int, error)
	Close() error
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// normalizeLimit clamps a caller-supplied limit to the supported range.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
