// ABOUTME: Tests for the per-sender coalescing engine.
// ABOUTME: Covers idle flush, force-flush triggers, timer restarts, isolation, shutdown, and no-loss under races.

package debounce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-messenger/internal/agent"
	"github.com/2389/coven-messenger/internal/dedupe"
	"github.com/2389/coven-messenger/internal/store"
)

type turnCall struct {
	senderID string
	text     string
	at       time.Time
}

// fakeAgent records every turn and answers with a fixed reply.
type fakeAgent struct {
	mu    sync.Mutex
	calls []turnCall
	reply *agent.Reply
	err   error

	// block, when set, holds SendTurn for senders listed in blockFor.
	block    chan struct{}
	blockFor map[string]bool
	entered  chan string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{reply: &agent.Reply{Text: "ok"}}
}

func (f *fakeAgent) SendTurn(ctx context.Context, senderID, text string) (*agent.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, turnCall{senderID: senderID, text: text, at: time.Now()})
	reply, err := f.reply, f.err
	block, blocked := f.block, f.blockFor[senderID]
	entered := f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- senderID
	}
	if block != nil && blocked {
		<-block
	}
	return reply, err
}

func (f *fakeAgent) Calls() []turnCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turnCall(nil), f.calls...)
}

func (f *fakeAgent) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeDelivery records outbound traffic in order.
type fakeDelivery struct {
	mu      sync.Mutex
	texts   []string
	images  [][]string
	order   []string
	typing  int
	sendErr error
}

func (f *fakeDelivery) SendText(ctx context.Context, recipientID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, recipientID+":"+text)
	f.order = append(f.order, "text")
	return f.sendErr
}

func (f *fakeDelivery) SendImages(ctx context.Context, recipientID string, imageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, imageIDs)
	f.order = append(f.order, "images")
	return f.sendErr
}

func (f *fakeDelivery) SendTypingIndicator(ctx context.Context, recipientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return errors.New("typing is best effort")
}

func (f *fakeDelivery) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeDelivery) Typing() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	c        *Coalescer
	agent    *fakeAgent
	delivery *fakeDelivery
	ledger   *store.MockStore
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		agent:    newFakeAgent(),
		delivery: &fakeDelivery{},
		ledger:   store.NewMockStore(),
	}
	opts = append([]Option{WithRecorder(h.ledger)}, opts...)
	h.c = New(cfg, h.agent, h.delivery, nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.c.Close(ctx)
	})
	return h
}

func (h *harness) turns(t *testing.T) []*store.Turn {
	t.Helper()
	turns, err := h.ledger.ListTurns(context.Background(), store.ListTurnsParams{})
	require.NoError(t, err)
	return turns
}

// buffered returns how many messages are waiting in senderID's open window.
func buffered(c *Coalescer, senderID string) int {
	c.mu.Lock()
	buf, ok := c.buffers[senderID]
	c.mu.Unlock()
	if !ok {
		return 0
	}

	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.closed {
		return 0
	}
	return len(buf.messages)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, 1500*time.Millisecond, cfg.Delay)
	assert.Equal(t, 10*time.Second, cfg.MaxWait)
	assert.Equal(t, 5, cfg.MaxBufferSize)
	assert.Equal(t, 1000, cfg.MaxBufferChars)
	assert.Equal(t, DefaultFallbackReply, cfg.FallbackReply)
}

func TestCoalescer_IdleFlushAfterDelay(t *testing.T) {
	h := newHarness(t, Config{Delay: 150 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, h.c.Enqueue(ctx, "u1", "hi"))
	assert.Equal(t, 1, buffered(h.c, "u1"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.agent.CallCount(), "must not flush before the delay")

	require.Eventually(t, func() bool { return h.agent.CallCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	call := h.agent.Calls()[0]
	assert.Equal(t, "hi", call.text)
	assert.GreaterOrEqual(t, call.at.Sub(start), 150*time.Millisecond)
	assert.Equal(t, 0, h.c.Pending())

	require.Eventually(t, func() bool {
		n, _ := h.ledger.CountTurns(context.Background(), "")
		return n == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, string(TriggerIdle), h.turns(t)[0].Trigger)
}

func TestCoalescer_CombinesBurstInOrder(t *testing.T) {
	// size 5, chars 1000, wait 10s; "hi" then "there" shortly after
	h := newHarness(t, Config{Delay: 150 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, h.c.Enqueue(ctx, "u1", "hi"))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.c.Enqueue(ctx, "u1", "there"))

	require.Eventually(t, func() bool { return h.agent.CallCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	call := h.agent.Calls()[0]
	assert.Equal(t, "hi\nthere", call.text)
	assert.GreaterOrEqual(t, call.at.Sub(start), 200*time.Millisecond, "window restarts on the second message")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, h.agent.CallCount(), "exactly one flush for the window")
	assert.Equal(t, []string{"u1:ok"}, h.delivery.Texts())
}

func TestCoalescer_DebounceRestart(t *testing.T) {
	h := newHarness(t, Config{Delay: 100 * time.Millisecond, MaxBufferSize: 100})
	ctx := context.Background()

	// Keep typing faster than the delay; nothing may flush meanwhile.
	for i := 0; i < 5; i++ {
		require.NoError(t, h.c.Enqueue(ctx, "u1", fmt.Sprintf("m%d", i)))
		time.Sleep(40 * time.Millisecond)
		assert.Equal(t, 0, h.agent.CallCount(), "flushed during continuous typing")
	}

	require.Eventually(t, func() bool { return h.agent.CallCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "m0\nm1\nm2\nm3\nm4", h.agent.Calls()[0].text)
}

func TestCoalescer_SizeTriggerFlushesSynchronously(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour, MaxBufferSize: 3})
	ctx := context.Background()

	require.NoError(t, h.c.Enqueue(ctx, "u1", "a"))
	require.NoError(t, h.c.Enqueue(ctx, "u1", "b"))
	assert.Equal(t, 0, h.agent.CallCount())

	require.NoError(t, h.c.Enqueue(ctx, "u1", "c"))

	// The third message is included and flushed before Enqueue returns.
	calls := h.agent.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "a\nb\nc", calls[0].text)
	assert.Equal(t, 0, h.c.Pending())

	turns := h.turns(t)
	require.Len(t, turns, 1)
	assert.Equal(t, string(TriggerSize), turns[0].Trigger)
	assert.Equal(t, 3, turns[0].MessageCount)
}

func TestCoalescer_CharTriggerCountsRunes(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour, MaxBufferChars: 10})
	ctx := context.Background()

	// Six runes but eighteen bytes: below the limit.
	require.NoError(t, h.c.Enqueue(ctx, "u1", "สวัสดี"))
	assert.Equal(t, 0, h.agent.CallCount())

	require.NoError(t, h.c.Enqueue(ctx, "u1", "hello"))

	calls := h.agent.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "สวัสดี\nhello", calls[0].text)
	assert.Equal(t, string(TriggerChars), h.turns(t)[0].Trigger)
}

func TestCoalescer_MaxWaitCeiling(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	h := newHarness(t, Config{Delay: time.Hour, MaxWait: 10 * time.Second, MaxBufferSize: 100},
		WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, h.c.Enqueue(ctx, "u1", "a"))
	clock.Advance(4 * time.Second)
	require.NoError(t, h.c.Enqueue(ctx, "u1", "b"))
	clock.Advance(4 * time.Second)
	require.NoError(t, h.c.Enqueue(ctx, "u1", "c"))
	assert.Equal(t, 0, h.agent.CallCount())

	// Measured from the first message, not the last.
	clock.Advance(2 * time.Second)
	require.NoError(t, h.c.Enqueue(ctx, "u1", "d"))

	calls := h.agent.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "a\nb\nc\nd", calls[0].text)

	turns := h.turns(t)
	require.Len(t, turns, 1)
	assert.Equal(t, string(TriggerMaxWait), turns[0].Trigger)
	assert.Equal(t, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), turns[0].FirstMessageAt)
}

func TestCoalescer_StaleTimerIsNoop(t *testing.T) {
	h := newHarness(t, Config{Delay: 60 * time.Millisecond, MaxBufferSize: 2})
	ctx := context.Background()

	require.NoError(t, h.c.Enqueue(ctx, "u1", "a"))
	require.NoError(t, h.c.Enqueue(ctx, "u1", "b")) // force flush cancels the timer
	require.Equal(t, 1, h.agent.CallCount())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, h.agent.CallCount(), "cancelled timer must not flush again")
}

func TestCoalescer_AgentFailureSendsFallbackAndResets(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour, MaxBufferSize: 2, FallbackReply: "sorry"})
	h.agent.err = errors.New("agent down")
	ctx := context.Background()

	require.NoError(t, h.c.Enqueue(ctx, "u1", "a"))
	require.NoError(t, h.c.Enqueue(ctx, "u1", "b"))

	assert.Equal(t, []string{"u1:sorry"}, h.delivery.Texts())
	assert.Equal(t, 0, h.c.Pending())

	turns := h.turns(t)
	require.Len(t, turns, 1)
	assert.Equal(t, "agent down", turns[0].Error)
	assert.Equal(t, "sorry", turns[0].Reply)

	// The next message opens a fresh window.
	require.NoError(t, h.c.Enqueue(ctx, "u1", "c"))
	assert.Equal(t, 1, buffered(h.c, "u1"))
}

func TestCoalescer_DeliveryFailureDoesNotStick(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour, MaxBufferSize: 1})
	h.delivery.sendErr = errors.New("graph api 500")
	ctx := context.Background()

	require.NoError(t, h.c.Enqueue(ctx, "u1", "a"))
	require.NoError(t, h.c.Enqueue(ctx, "u1", "b"))

	assert.Equal(t, 2, h.agent.CallCount())
	assert.Equal(t, 0, h.c.Pending())
}

func TestCoalescer_RepliesTextThenImages(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour, MaxBufferSize: 1})
	h.agent.reply = &agent.Reply{Text: "here you go", ImageIDs: []string{"IMG_PROD_001"}}

	require.NoError(t, h.c.Enqueue(context.Background(), "u1", "show me"))

	h.delivery.mu.Lock()
	defer h.delivery.mu.Unlock()
	assert.Equal(t, []string{"text", "images"}, h.delivery.order)
	assert.Equal(t, [][]string{{"IMG_PROD_001"}}, h.delivery.images)
}

func TestCoalescer_EmptyReplySkipsText(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour, MaxBufferSize: 1})
	h.agent.reply = &agent.Reply{ImageIDs: []string{"IMG_A_1"}}

	require.NoError(t, h.c.Enqueue(context.Background(), "u1", "pic"))

	h.delivery.mu.Lock()
	defer h.delivery.mu.Unlock()
	assert.Empty(t, h.delivery.texts)
	assert.Equal(t, []string{"images"}, h.delivery.order)
}

func TestCoalescer_TypingIndicatorIsBestEffort(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour})

	require.NoError(t, h.c.Enqueue(context.Background(), "u1", "hi"))

	assert.Eventually(t, func() bool { return h.delivery.Typing() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, buffered(h.c, "u1"), "typing failure must not affect the buffer")
}

func TestCoalescer_TypingIndicatorOncePerWindow(t *testing.T) {
	h := newHarness(t, Config{Delay: 50 * time.Millisecond})
	ctx := context.Background()

	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, h.c.Enqueue(ctx, "u1", msg))
	}
	require.Eventually(t, func() bool { return h.agent.CallCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.delivery.Typing() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.delivery.Typing(), "one indicator per window")

	require.NoError(t, h.c.Enqueue(ctx, "u1", "d"))
	assert.Eventually(t, func() bool { return h.delivery.Typing() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCoalescer_AddMessageDedupes(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour}, WithDeduper(dedupe.New(5*time.Minute, 100)))
	ctx := context.Background()

	require.NoError(t, h.c.AddMessage(ctx, "u1", "hi", "mid.1"))
	err := h.c.AddMessage(ctx, "u1", "hi", "mid.1")
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, h.c.AddMessage(ctx, "u1", "again", "mid.2"))
	// Messages without an id are never deduplicated.
	require.NoError(t, h.c.AddMessage(ctx, "u1", "no id", ""))
	require.NoError(t, h.c.AddMessage(ctx, "u1", "no id", ""))

	assert.Equal(t, 4, buffered(h.c, "u1"))
}

func TestCoalescer_SendersAreIsolated(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour, MaxBufferSize: 1})
	release := make(chan struct{})
	h.agent.block = release
	h.agent.blockFor = map[string]bool{"alice": true}
	h.agent.entered = make(chan string, 8)
	ctx := context.Background()

	aliceDone := make(chan struct{})
	go func() {
		defer close(aliceDone)
		assert.NoError(t, h.c.Enqueue(ctx, "alice", "slow"))
	}()
	require.Equal(t, "alice", <-h.agent.entered)

	// Bob is not blocked by Alice's in-flight turn.
	require.NoError(t, h.c.Enqueue(ctx, "bob", "fast"))
	require.Equal(t, "bob", <-h.agent.entered)
	assert.Contains(t, h.delivery.Texts(), "bob:ok")

	close(release)
	<-aliceDone
	assert.Contains(t, h.delivery.Texts(), "alice:ok")
}

func TestCoalescer_FlushDoesNotBlockSameSender(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour, MaxBufferSize: 2})
	release := make(chan struct{})
	h.agent.block = release
	h.agent.blockFor = map[string]bool{"u1": true}
	h.agent.entered = make(chan string, 8)
	ctx := context.Background()

	require.NoError(t, h.c.Enqueue(ctx, "u1", "a"))
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		assert.NoError(t, h.c.Enqueue(ctx, "u1", "b"))
	}()
	<-h.agent.entered

	// While the first turn waits on the agent, a new window opens immediately.
	require.NoError(t, h.c.Enqueue(ctx, "u1", "c"))
	assert.Equal(t, 1, buffered(h.c, "u1"))

	close(release)
	<-flushDone
	assert.Equal(t, "a\nb", h.agent.Calls()[0].text)
}

func TestCoalescer_Direct(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour}, WithDeduper(dedupe.New(time.Minute, 100)))
	ctx := context.Background()

	require.NoError(t, h.c.Enqueue(ctx, "u1", "typed"))
	require.NoError(t, h.c.Direct(ctx, "u1", "GET_STARTED", "pb.1"))

	calls := h.agent.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "GET_STARTED", calls[0].text)
	assert.Equal(t, 1, buffered(h.c, "u1"), "postbacks leave the open window alone")

	assert.ErrorIs(t, h.c.Direct(ctx, "u1", "GET_STARTED", "pb.1"), ErrDuplicate)
	assert.Equal(t, string(TriggerDirect), h.turns(t)[0].Trigger)
}

func TestCoalescer_CloseFlushesAndRejects(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour})
	ctx := context.Background()

	require.NoError(t, h.c.Enqueue(ctx, "u1", "a"))
	require.NoError(t, h.c.Enqueue(ctx, "u1", "b"))
	require.NoError(t, h.c.Enqueue(ctx, "u2", "c"))

	require.NoError(t, h.c.Close(ctx))

	texts := map[string]string{}
	for _, call := range h.agent.Calls() {
		texts[call.senderID] = call.text
	}
	assert.Equal(t, map[string]string{"u1": "a\nb", "u2": "c"}, texts)
	for _, turn := range h.turns(t) {
		assert.Equal(t, string(TriggerShutdown), turn.Trigger)
	}

	assert.ErrorIs(t, h.c.Enqueue(ctx, "u1", "late"), ErrClosed)
	assert.ErrorIs(t, h.c.Direct(ctx, "u1", "late", ""), ErrClosed)
	assert.NoError(t, h.c.Close(ctx), "second close is a no-op")
	assert.Equal(t, 0, h.c.Pending())
}

func TestCoalescer_CloseRespectsContext(t *testing.T) {
	h := newHarness(t, Config{Delay: time.Hour})
	release := make(chan struct{})
	defer close(release)
	h.agent.block = release
	h.agent.blockFor = map[string]bool{"u1": true}

	require.NoError(t, h.c.Enqueue(context.Background(), "u1", "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.c.Close(ctx), context.DeadlineExceeded)
}

func TestCoalescer_NoLossUnderConcurrentTraffic(t *testing.T) {
	h := newHarness(t, Config{Delay: 5 * time.Millisecond, MaxBufferSize: 4, MaxWait: 50 * time.Millisecond})
	ctx := context.Background()

	const senders = 8
	const perSender = 50

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				assert.NoError(t, h.c.Enqueue(ctx, fmt.Sprintf("s%d", s), fmt.Sprintf("s%d-%d", s, i)))
				if i%7 == 0 {
					time.Sleep(6 * time.Millisecond)
				}
			}
		}(s)
	}
	wg.Wait()

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.c.Close(closeCtx))

	// Every message lands in exactly one turn. Windows of one sender may reach
	// the agent out of order, but each window keeps its arrival order.
	got := map[string][]string{}
	for _, call := range h.agent.Calls() {
		parts := strings.Split(call.text, "\n")
		for i := 1; i < len(parts); i++ {
			assert.Less(t, seq(parts[i-1]), seq(parts[i]), "order inside %q", call.text)
		}
		got[call.senderID] = append(got[call.senderID], parts...)
	}
	for s := 0; s < senders; s++ {
		id := fmt.Sprintf("s%d", s)
		want := make([]string, perSender)
		for i := range want {
			want[i] = fmt.Sprintf("%s-%d", id, i)
		}
		assert.ElementsMatch(t, want, got[id], "sender %s", id)
	}
}

// seq extracts the message index from "sN-I".
func seq(msg string) int {
	var s, i int
	_, _ = fmt.Sscanf(msg, "s%d-%d", &s, &i)
	return i
}
