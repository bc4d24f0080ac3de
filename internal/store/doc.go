// Package store provides the turn ledger for coven-messenger using SQLite.
//
// # Overview
//
// Every flush of a sender's buffer produces one Turn: the combined text that
// went to the agent, how many inbound messages it covered, what triggered the
// flush, and what came back. Turns are append-only and exist for operators;
// nothing in the message path reads them back.
//
// # Interfaces
//
//   - TurnStore: SaveTurn, GetTurn, ListTurns, CountTurns
//
// SQLiteStore is the production implementation (modernc.org/sqlite, no cgo).
// MockStore is an in-memory implementation used by tests.
//
// # Schema
//
//	turns(id, sender_id, text, message_count, flush_trigger,
//	      first_message_at, flushed_at, reply, image_ids, error)
//
// Timestamps are stored as fixed-width UTC strings so ORDER BY flushed_at is
// chronological. image_ids holds a JSON array.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/coven/messenger.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	turns, err := s.ListTurns(ctx, store.ListTurnsParams{SenderID: "2468", Limit: 20})
package store
