// ABOUTME: Turn ledger operations on the SQLite store
// ABOUTME: Saves flushed turns and lists them per sender for the turns API and CLI

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// SaveTurn inserts a turn. A missing ID is filled with a new UUID.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn *Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.FlushedAt.IsZero() {
		turn.FlushedAt = time.Now()
	}

	imageIDs := turn.ImageIDs
	if imageIDs == nil {
		imageIDs = []string{}
	}
	imagesJSON, err := json.Marshal(imageIDs)
	if err != nil {
		return fmt.Errorf("marshaling image ids: %w", err)
	}

	query := `
		INSERT INTO turns (id, sender_id, text, message_count, flush_trigger,
			first_message_at, flushed_at, reply, image_ids, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		turn.ID,
		turn.SenderID,
		turn.Text,
		turn.MessageCount,
		turn.Trigger,
		formatTime(turn.FirstMessageAt),
		formatTime(turn.FlushedAt),
		turn.Reply,
		string(imagesJSON),
		turn.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}
	return nil
}

// GetTurn retrieves a turn by ID.
func (s *SQLiteStore) GetTurn(ctx context.Context, id string) (*Turn, error) {
	query := `
		SELECT id, sender_id, text, message_count, flush_trigger,
			first_message_at, flushed_at, reply, image_ids, error
		FROM turns
		WHERE id = ?
	`

	turn, err := scanTurn(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTurnNotFound
	}
	if err != nil {
		return nil, err
	}
	return turn, nil
}

// ListTurns returns turns newest first, optionally filtered by sender and time.
func (s *SQLiteStore) ListTurns(ctx context.Context, params ListTurnsParams) ([]*Turn, error) {
	var (
		where []string
		args  []any
	)
	if params.SenderID != "" {
		where = append(where, "sender_id = ?")
		args = append(args, params.SenderID)
	}
	if params.Since != nil {
		where = append(where, "flushed_at >= ?")
		args = append(args, formatTime(*params.Since))
	}

	query := `
		SELECT id, sender_id, text, message_count, flush_trigger,
			first_message_at, flushed_at, reply, image_ids, error
		FROM turns
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY flushed_at DESC, id DESC LIMIT ?"
	args = append(args, normalizeLimit(params.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}

	return turns, nil
}

// CountTurns returns how many turns are stored, for one sender or all of them.
func (s *SQLiteStore) CountTurns(ctx context.Context, senderID string) (int, error) {
	query := `SELECT COUNT(*) FROM turns`
	var args []any
	if senderID != "" {
		query += ` WHERE sender_id = ?`
		args = append(args, senderID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting turns: %w", err)
	}
	return count, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*Turn, error) {
	var (
		turn                 Turn
		firstStr, flushedStr string
		imagesJSON           string
	)

	err := row.Scan(
		&turn.ID,
		&turn.SenderID,
		&turn.Text,
		&turn.MessageCount,
		&turn.Trigger,
		&firstStr,
		&flushedStr,
		&turn.Reply,
		&imagesJSON,
		&turn.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning turn row: %w", err)
	}

	turn.FirstMessageAt, err = time.Parse(timeFormat, firstStr)
	if err != nil {
		return nil, fmt.Errorf("parsing first_message_at: %w", err)
	}
	turn.FlushedAt, err = time.Parse(timeFormat, flushedStr)
	if err != nil {
		return nil, fmt.Errorf("parsing flushed_at: %w", err)
	}

	if err := json.Unmarshal([]byte(imagesJSON), &turn.ImageIDs); err != nil {
		return nil, fmt.Errorf("parsing image_ids: %w", err)
	}
	if len(turn.ImageIDs) == 0 {
		turn.ImageIDs = nil
	}

	return &turn, nil
}
