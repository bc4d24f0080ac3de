// ABOUTME: HTTP client for the conversational agent that answers coalesced turns.
// ABOUTME: Posts the combined text per sender session and parses reply text and image ids.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// DefaultTimeout bounds a single agent round-trip.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response body ends up in the error.
const maxErrorBody = 512

// ErrEmptyURL indicates the client was built without an agent endpoint.
var ErrEmptyURL = errors.New("agent url is required")

// imageMarker matches inline image markers such as <<IMG:IMG_PROD_001>>.
var imageMarker = regexp.MustCompile(`<<IMG:([A-Za-z0-9_\-]+)>>`)

// ChatRequest is the body posted to the agent endpoint.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse is the agent's JSON answer. Older agents reply under "reply"
// instead of "response".
type ChatResponse struct {
	SessionID   string   `json:"session_id,omitempty"`
	Response    string   `json:"response"`
	Reply       string   `json:"reply,omitempty"`
	ImageIDs    []string `json:"image_ids,omitempty"`
	MemoryCount int      `json:"memory_count,omitempty"`
}

// Reply is what a turn produced: plain reply text plus image ids to attach.
type Reply struct {
	Text     string
	ImageIDs []string
}

// Client talks to the agent over HTTP.
type Client struct {
	url    string
	client *http.Client
}

// NewClient creates an agent client posting to url. A non-positive timeout
// falls back to DefaultTimeout.
func NewClient(url string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrEmptyURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// SendTurn sends one combined turn for senderID and returns the parsed reply.
// The sender id doubles as the agent session id.
func (c *Client) SendTurn(ctx context.Context, senderID, text string) (*Reply, error) {
	body, err := json.Marshal(ChatRequest{SessionID: senderID, Message: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, handleErrorResponse(resp)
	}

	var chat ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return chat.toReply(), nil
}

// toReply picks the reply text and merges inline image markers with the
// explicit image id list.
func (r *ChatResponse) toReply() *Reply {
	text := r.Response
	if text == "" {
		text = r.Reply
	}

	clean, markerIDs := ExtractImageMarkers(text)
	return &Reply{
		Text:     clean,
		ImageIDs: uniqueIDs(append(append([]string{}, r.ImageIDs...), markerIDs...)),
	}
}

// ExtractImageMarkers removes <<IMG:ID>> markers from text and returns the
// cleaned text along with the ids in order of appearance, without repeats.
func ExtractImageMarkers(text string) (string, []string) {
	matches := imageMarker.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text), nil
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m[1])
	}
	clean := strings.TrimSpace(imageMarker.ReplaceAllString(text, ""))
	return clean, uniqueIDs(ids)
}

func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// handleErrorResponse builds an error from a non-2xx agent response.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &errResp) == nil {
			switch {
			case errResp.Error != "":
				msg = errResp.Error
			case errResp.Detail != "":
				msg = errResp.Detail
			}
		}
	}

	return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, msg)
}
