// ABOUTME: Per-sender debounce engine that coalesces bursts of inbound messages into turns.
// ABOUTME: Owns the buffer registry, idle timers, force-flush triggers, and the flush handoff.

package debounce

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-messenger/internal/agent"
	"github.com/2389/coven-messenger/internal/store"
)

// Default tuning, matching the production webhook.
const (
	DefaultDelay          = 1500 * time.Millisecond
	DefaultMaxWait        = 10 * time.Second
	DefaultMaxBufferSize  = 5
	DefaultMaxBufferChars = 1000
	DefaultFallbackReply  = "ขออภัย ระบบไม่สามารถประมวลผลได้ในขณะนี้"
)

var (
	// ErrClosed is returned when a message arrives after Close.
	ErrClosed = errors.New("coalescer closed")

	// ErrDuplicate is returned by AddMessage and Direct for a message id
	// already seen within the dedupe window.
	ErrDuplicate = errors.New("duplicate message")
)

// Trigger records why a turn was flushed.
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerChars    Trigger = "chars"
	TriggerMaxWait  Trigger = "max_wait"
	TriggerIdle     Trigger = "idle"
	TriggerDirect   Trigger = "direct"
	TriggerShutdown Trigger = "shutdown"
)

// Agent answers one combined turn for a sender.
type Agent interface {
	SendTurn(ctx context.Context, senderID, text string) (*agent.Reply, error)
}

// Delivery relays replies back to the sender. All calls are best effort.
type Delivery interface {
	SendText(ctx context.Context, recipientID, text string) error
	SendImages(ctx context.Context, recipientID string, imageIDs []string) error
	SendTypingIndicator(ctx context.Context, recipientID string) error
}

// Deduper drops provider events that were already delivered.
type Deduper interface {
	CheckAndMark(id string) bool
}

// Recorder persists flushed turns.
type Recorder interface {
	SaveTurn(ctx context.Context, turn *store.Turn) error
}

// Config holds the coalescing tunables.
type Config struct {
	Delay          time.Duration // quiet period before an idle flush
	MaxWait        time.Duration // ceiling measured from the first buffered message
	MaxBufferSize  int           // message count that forces a flush
	MaxBufferChars int           // combined rune count that forces a flush
	FallbackReply  string        // sent when the agent fails
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Delay:          DefaultDelay,
		MaxWait:        DefaultMaxWait,
		MaxBufferSize:  DefaultMaxBufferSize,
		MaxBufferChars: DefaultMaxBufferChars,
		FallbackReply:  DefaultFallbackReply,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Delay <= 0 {
		c.Delay = d.Delay
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = d.MaxBufferSize
	}
	if c.MaxBufferChars <= 0 {
		c.MaxBufferChars = d.MaxBufferChars
	}
	if c.FallbackReply == "" {
		c.FallbackReply = d.FallbackReply
	}
	return c
}

// Option customizes a Coalescer.
type Option func(*Coalescer)

// WithDeduper makes AddMessage and Direct drop repeated message ids.
func WithDeduper(d Deduper) Option {
	return func(c *Coalescer) { c.dedupe = d }
}

// WithRecorder records every flushed turn.
func WithRecorder(r Recorder) Option {
	return func(c *Coalescer) { c.recorder = r }
}

// WithClock replaces the time source used for buffer timestamps and the
// max-wait ceiling. Idle timers still run on wall time.
func WithClock(now func() time.Time) Option {
	return func(c *Coalescer) { c.now = now }
}

// senderBuffer is the mutable state of one sender's open window.
// Every field is guarded by mu.
type senderBuffer struct {
	mu             sync.Mutex
	messages       []string
	chars          int
	firstMessageAt time.Time
	lastMessageAt  time.Time
	timer          *time.Timer
	token          uint64
	closed         bool // detached from the registry; never reused
}

// batch is a detached buffer snapshot on its way to the agent.
type batch struct {
	senderID       string
	messages       []string
	firstMessageAt time.Time
	trigger        Trigger
}

// Coalescer merges rapid messages per sender into single agent turns.
// Different senders never share a lock beyond the short registry lookup.
type Coalescer struct {
	cfg      Config
	agent    Agent
	delivery Delivery
	dedupe   Deduper
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	buffers map[string]*senderBuffer
	closed  bool

	// timers counts armed idle timers plus timer flushes in progress.
	timers sync.WaitGroup
}

// New creates a Coalescer that hands turns to ag and replies through del.
func New(cfg Config, ag Agent, del Delivery, logger *slog.Logger, opts ...Option) *Coalescer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coalescer{
		cfg:      cfg.withDefaults(),
		agent:    ag,
		delivery: del,
		logger:   logger.With("component", "debounce"),
		now:      time.Now,
		buffers:  make(map[string]*senderBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddMessage is the inbound entry point for one validated text event.
// A non-empty messageID that was already seen returns ErrDuplicate and the
// text never reaches the buffer.
func (c *Coalescer) AddMessage(ctx context.Context, senderID, text, messageID string) error {
	if c.isDuplicate(messageID) {
		c.logger.Debug("dropping duplicate message", "sender_id", senderID, "message_id", messageID)
		return ErrDuplicate
	}
	return c.Enqueue(ctx, senderID, text)
}

// Enqueue appends text to the sender's window. When a force-flush threshold
// is reached the flush runs synchronously before Enqueue returns; otherwise
// the idle timer is restarted.
func (c *Coalescer) Enqueue(ctx context.Context, senderID, text string) error {
	for {
		buf, err := c.acquire(senderID)
		if err != nil {
			return err
		}

		buf.mu.Lock()
		if buf.closed {
			// Lost the race with a flush; the next acquire opens a fresh window.
			buf.mu.Unlock()
			continue
		}

		now := c.now()
		opened := len(buf.messages) == 0
		if opened {
			buf.firstMessageAt = now
		}
		buf.messages = append(buf.messages, text)
		buf.chars += utf8.RuneCountInString(text)
		buf.lastMessageAt = now

		trigger, force := c.evaluate(buf, now)
		if !force {
			c.armLocked(senderID, buf)
			count := len(buf.messages)
			buf.mu.Unlock()

			c.logger.Debug("message buffered", "sender_id", senderID, "buffered", count)
			if opened {
				c.signalTyping(senderID)
			}
			return nil
		}

		b := c.detachLocked(senderID, buf, trigger)
		buf.mu.Unlock()

		if opened {
			c.signalTyping(senderID)
		}
		c.process(ctx, b)
		return nil
	}
}

// Direct sends text to the agent as its own turn, bypassing buffering.
// Used for postbacks, which are explicit user choices rather than typing.
func (c *Coalescer) Direct(ctx context.Context, senderID, text, messageID string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if c.isDuplicate(messageID) {
		c.logger.Debug("dropping duplicate postback", "sender_id", senderID, "message_id", messageID)
		return ErrDuplicate
	}

	c.signalTyping(senderID)
	c.process(ctx, batch{
		senderID:       senderID,
		messages:       []string{text},
		firstMessageAt: c.now(),
		trigger:        TriggerDirect,
	})
	return nil
}

// Pending returns the number of senders with an open window.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}

// Close rejects new messages, flushes every open window with the shutdown
// trigger and waits for timer flushes already running. It returns ctx.Err()
// if ctx ends first.
func (c *Coalescer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	senders := make(map[string]*senderBuffer, len(c.buffers))
	for id, buf := range c.buffers {
		senders[id] = buf
	}
	c.mu.Unlock()

	var batches []batch
	for id, buf := range senders {
		buf.mu.Lock()
		if !buf.closed {
			b := c.detachLocked(id, buf, TriggerShutdown)
			if len(b.messages) > 0 {
				batches = append(batches, b)
			}
		}
		buf.mu.Unlock()
	}

	if len(batches) > 0 {
		c.logger.Info("flushing buffered senders on shutdown", "senders", len(batches))
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, b := range batches {
			wg.Add(1)
			go func(b batch) {
				defer wg.Done()
				c.process(context.WithoutCancel(ctx), b)
			}(b)
		}
		wg.Wait()
		c.timers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coalescer) isDuplicate(messageID string) bool {
	if c.dedupe == nil || messageID == "" {
		return false
	}
	return c.dedupe.CheckAndMark(messageID)
}

// acquire returns the sender's open buffer, creating it if needed.
func (c *Coalescer) acquire(senderID string) (*senderBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	buf, ok := c.buffers[senderID]
	if !ok {
		buf = &senderBuffer{}
		c.buffers[senderID] = buf
	}
	return buf, nil
}

// evaluate checks the force-flush thresholds in priority order.
// Must be called with buf.mu held.
func (c *Coalescer) evaluate(buf *senderBuffer, now time.Time) (Trigger, bool) {
	switch {
	case len(buf.messages) >= c.cfg.MaxBufferSize:
		return TriggerSize, true
	case buf.chars >= c.cfg.MaxBufferChars:
		return TriggerChars, true
	case now.Sub(buf.firstMessageAt) >= c.cfg.MaxWait:
		return TriggerMaxWait, true
	}
	return "", false
}

// armLocked cancels the pending idle timer and starts a new one. The token
// bump makes any timer that already fired but has not yet taken the lock a
// no-op. Must be called with buf.mu held.
func (c *Coalescer) armLocked(senderID string, buf *senderBuffer) {
	c.stopTimerLocked(buf)

	buf.token++
	token := buf.token

	c.timers.Add(1)
	buf.timer = time.AfterFunc(c.cfg.Delay, func() {
		defer c.timers.Done()
		c.onTimerFire(senderID, buf, token)
	})
}

// stopTimerLocked stops the pending timer, releasing its wait slot if it
// had not fired yet. Must be called with buf.mu held.
func (c *Coalescer) stopTimerLocked(buf *senderBuffer) {
	if buf.timer == nil {
		return
	}
	if buf.timer.Stop() {
		c.timers.Done()
	}
	buf.timer = nil
}

func (c *Coalescer) onTimerFire(senderID string, buf *senderBuffer, token uint64) {
	buf.mu.Lock()
	if buf.closed || buf.token != token {
		buf.mu.Unlock()
		return
	}
	// This timer is the one firing; Stop would report false.
	buf.timer = nil
	b := c.detachLocked(senderID, buf, TriggerIdle)
	buf.mu.Unlock()

	c.process(context.Background(), b)
}

// detachLocked closes the buffer, removes it from the registry and returns
// its contents. Whoever detaches first owns the only flush of this window.
// Must be called with buf.mu held.
func (c *Coalescer) detachLocked(senderID string, buf *senderBuffer, trigger Trigger) batch {
	buf.closed = true
	buf.token++
	c.stopTimerLocked(buf)

	c.mu.Lock()
	if c.buffers[senderID] == buf {
		delete(c.buffers, senderID)
	}
	c.mu.Unlock()

	messages := buf.messages
	buf.messages = nil
	return batch{
		senderID:       senderID,
		messages:       messages,
		firstMessageAt: buf.firstMessageAt,
		trigger:        trigger,
	}
}

// process hands a detached batch to the agent and relays the reply.
// It never returns an error: agent failures become the fallback reply and
// delivery failures are logged.
func (c *Coalescer) process(ctx context.Context, b batch) {
	if len(b.messages) == 0 {
		return
	}

	combined := strings.Join(b.messages, "\n")
	logger := c.logger.With("sender_id", b.senderID, "trigger", string(b.trigger))
	logger.Info("flushing turn", "messages", len(b.messages), "chars", utf8.RuneCountInString(combined))

	turn := &store.Turn{
		SenderID:       b.senderID,
		Text:           combined,
		MessageCount:   len(b.messages),
		Trigger:        string(b.trigger),
		FirstMessageAt: b.firstMessageAt,
	}

	text := c.cfg.FallbackReply
	var imageIDs []string

	reply, err := c.agent.SendTurn(ctx, b.senderID, combined)
	if err != nil {
		logger.Error("agent request failed", "error", err)
		turn.Error = err.Error()
	} else if reply != nil {
		text = reply.Text
		imageIDs = reply.ImageIDs
	} else {
		text = ""
	}

	if text != "" {
		if err := c.delivery.SendText(ctx, b.senderID, text); err != nil {
			logger.Warn("failed to send reply", "error", err)
		}
	}
	if len(imageIDs) > 0 {
		if err := c.delivery.SendImages(ctx, b.senderID, imageIDs); err != nil {
			logger.Warn("failed to send images", "error", err, "images", len(imageIDs))
		}
	}

	turn.Reply = text
	turn.ImageIDs = imageIDs
	turn.FlushedAt = c.now()

	if c.recorder != nil {
		if err := c.recorder.SaveTurn(ctx, turn); err != nil {
			logger.Warn("failed to record turn", "error", err)
		}
	}
}

// signalTyping shows the typing indicator without blocking the caller. It is
// sent once per window so bursts do not spend Send API quota on it.
func (c *Coalescer) signalTyping(senderID string) {
	go func() {
		if err := c.delivery.SendTypingIndicator(context.Background(), senderID); err != nil {
			c.logger.Debug("failed to send typing indicator", "sender_id", senderID, "error", err)
		}
	}()
}
