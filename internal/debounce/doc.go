// Package debounce coalesces bursts of inbound messages into single agent turns.
//
// # Overview
//
// Messenger users often type one thought as several short messages. Sending
// each one to the agent separately produces several disjointed replies, so
// the Coalescer holds a per-sender window open until the sender goes quiet:
//
//	EMPTY -> BUFFERING -> FLUSHING -> EMPTY
//
// Each Enqueue appends to the sender's window and restarts the idle timer.
// When the timer fires the window is flushed: the buffered messages are
// joined with "\n", sent to the agent, and the reply is relayed back through
// the delivery client.
//
// # Force Flush
//
// Three thresholds flush immediately, inside the Enqueue call that crossed
// them, checked in this order:
//
//   - message count reaches MaxBufferSize
//   - combined rune count reaches MaxBufferChars
//   - MaxWait has elapsed since the first buffered message
//
// MaxWait bounds latency for a sender who never pauses long enough for the
// idle timer.
//
// # Concurrency
//
// The registry lock is only held for map lookups. Each sender buffer has its
// own mutex, so senders never block each other. A flush detaches the buffer
// from the registry and marks it closed while holding the buffer lock, then
// calls the agent with no lock held. A message that arrives during the agent
// call opens a new window.
//
// Every armed timer carries a token. Re-arming or flushing bumps the token,
// so a timer that fires after being superseded does nothing. Whichever path
// detaches a buffer first owns its only flush.
//
// # Failure Handling
//
// Agent errors are logged and replaced with Config.FallbackReply. Delivery
// and typing indicator errors are logged and dropped. Neither affects buffer
// state, which is already cleared by the time the agent is called.
//
// # Shutdown
//
// Close stops accepting messages, flushes every open window with
// TriggerShutdown and waits for in-flight timer flushes.
package debounce
