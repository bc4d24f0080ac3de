// ABOUTME: HTTP handler for the Messenger webhook endpoint
// ABOUTME: Verifies subscriptions and signatures, then hands events to the coalescer

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/2389/coven-messenger/internal/debounce"
	"github.com/2389/coven-messenger/internal/messenger"
)

// DefaultMaxBodyBytes caps the size of a webhook POST body.
const DefaultMaxBodyBytes = 1 << 20

// EventReceived is the body Meta expects on a successful POST.
const EventReceived = "EVENT_RECEIVED"

// Receiver accepts validated inbound events. *debounce.Coalescer satisfies it.
type Receiver interface {
	AddMessage(ctx context.Context, senderID, text, messageID string) error
	Direct(ctx context.Context, senderID, text, messageID string) error
}

// Config holds the webhook credentials.
type Config struct {
	// VerifyToken must match hub.verify_token on subscription requests.
	VerifyToken string
	// AppSecret enables X-Hub-Signature-256 verification when non-empty.
	AppSecret    string
	MaxBodyBytes int64
}

// Handler serves GET and POST on the webhook path.
type Handler struct {
	cfg      Config
	receiver Receiver
	logger   *slog.Logger

	// inflight tracks dispatch goroutines so shutdown can wait for them.
	inflight sync.WaitGroup
}

// NewHandler creates a webhook handler that forwards events to receiver.
func NewHandler(cfg Config, receiver Receiver, logger *slog.Logger) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		receiver: receiver,
		logger:   logger.With("component", "webhook"),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerify(w, r)
	case http.MethodPost:
		h.handleEvent(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the subscription handshake Meta sends when the
// webhook URL is registered.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")

	if mode != "subscribe" || h.cfg.VerifyToken == "" || token != h.cfg.VerifyToken {
		h.logger.Warn("webhook verification failed", "mode", mode)
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}

	h.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// handleEvent validates a delivery and dispatches its events in the
// background so Meta gets its 200 without waiting on the agent.
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if h.cfg.AppSecret != "" && !messenger.VerifySignature(h.cfg.AppSecret, body, r.Header.Get(messenger.SignatureHeader)) {
		h.logger.Warn("invalid webhook signature", "remote_addr", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	var event messenger.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Warn("malformed webhook body", "error", err)
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if event.Object != messenger.ObjectPage {
		http.Error(w, "not a page event", http.StatusNotFound)
		return
	}

	// Dispatch outlives the request. Each sender's events run in delivery
	// order on one goroutine; different senders proceed in parallel.
	ctx := context.WithoutCancel(r.Context())
	for _, events := range groupBySender(event.Entry) {
		h.inflight.Add(1)
		go func(events []messenger.Messaging) {
			defer h.inflight.Done()
			for _, m := range events {
				h.dispatch(ctx, m)
			}
		}(events)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, EventReceived)
}

// groupBySender splits a delivery into per-sender event lists, keeping the
// order in which each sender's events appear in the body.
func groupBySender(entries []messenger.Entry) [][]messenger.Messaging {
	index := make(map[string]int)
	var groups [][]messenger.Messaging
	for _, entry := range entries {
		for _, m := range entry.Messaging {
			i, ok := index[m.Sender.ID]
			if !ok {
				i = len(groups)
				index[m.Sender.ID] = i
				groups = append(groups, nil)
			}
			groups[i] = append(groups[i], m)
		}
	}
	return groups
}

// dispatch routes one messaging event: text to the coalescer, postbacks
// straight to the agent, attachments to the log.
func (h *Handler) dispatch(ctx context.Context, m messenger.Messaging) {
	senderID := m.Sender.ID
	if senderID == "" {
		h.logger.Debug("skipping event without sender")
		return
	}

	if msg := m.Message; msg != nil {
		if msg.IsEcho {
			h.logger.Debug("skipping echo message", "sender_id", senderID)
			return
		}

		if msg.Text != "" {
			h.logger.Info("message received", "sender_id", senderID, "message_id", msg.MID)
			h.deliver(senderID, msg.MID, h.receiver.AddMessage(ctx, senderID, msg.Text, msg.MID))
		}

		if len(msg.Attachments) > 0 {
			h.logger.Info("attachments received", "sender_id", senderID, "types", msg.AttachmentTypes())
		}
	}

	if pb := m.Postback; pb != nil {
		text := pb.Payload
		if text == "" {
			text = pb.Title
		}
		h.logger.Info("postback received", "sender_id", senderID, "title", pb.Title)
		h.deliver(senderID, pb.MID, h.receiver.Direct(ctx, senderID, text, pb.MID))
	}
}

func (h *Handler) deliver(senderID, messageID string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, debounce.ErrDuplicate):
		h.logger.Info("duplicate delivery skipped", "sender_id", senderID, "message_id", messageID)
	case errors.Is(err, debounce.ErrClosed):
		h.logger.Warn("event dropped during shutdown", "sender_id", senderID, "message_id", messageID)
	default:
		h.logger.Error("failed to hand off event", "sender_id", senderID, "error", err)
	}
}

// Drain waits for in-flight dispatches to finish or ctx to end.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
