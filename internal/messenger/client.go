// ABOUTME: Graph Send API client that relays replies, images, and typing indicators.
// ABOUTME: Rate-limits outbound calls and formats markdown replies as Messenger text.

package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for the Graph API client.
const (
	DefaultGraphAPIURL   = "https://graph.facebook.com/v24.0"
	DefaultSendRate      = 20.0
	DefaultSendBurst     = 40
	DefaultSendTimeout   = 10 * time.Second
	DefaultTypingTimeout = 5 * time.Second
	DefaultUploadTimeout = 30 * time.Second
)

const maxErrorBody = 1024

// ErrNoAccessToken indicates the page access token is missing.
var ErrNoAccessToken = errors.New("page access token is required")

// ClientConfig configures the Send API client.
type ClientConfig struct {
	GraphAPIURL     string        // base URL including version, without /me/messages
	PageAccessToken string        // sent as the access_token query parameter
	SendRate        float64       // sustained requests per second
	SendBurst       int           // burst size for the token bucket
	SendTimeout     time.Duration // per-request timeout for messages
	TypingTimeout   time.Duration // per-request timeout for sender actions
}

// Client sends messages through the Messenger Send API.
type Client struct {
	baseURL       string
	token         string
	http          *http.Client
	limiter       *rate.Limiter
	sendTimeout   time.Duration
	typingTimeout time.Duration
	attachments   *AttachmentMap
	logger        *slog.Logger
}

// NewClient creates a Send API client. Images are resolved through attachments,
// which may be nil when the bot never sends images.
func NewClient(cfg ClientConfig, attachments *AttachmentMap, logger *slog.Logger) (*Client, error) {
	if cfg.PageAccessToken == "" {
		return nil, ErrNoAccessToken
	}
	if cfg.GraphAPIURL == "" {
		cfg.GraphAPIURL = DefaultGraphAPIURL
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = DefaultSendRate
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = DefaultSendBurst
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if attachments == nil {
		attachments = NewAttachmentMap(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:       strings.TrimSuffix(cfg.GraphAPIURL, "/"),
		token:         cfg.PageAccessToken,
		http:          &http.Client{},
		limiter:       rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		sendTimeout:   cfg.SendTimeout,
		typingTimeout: cfg.TypingTimeout,
		attachments:   attachments,
		logger:        logger.With("component", "messenger"),
	}, nil
}

// SendText formats text as plain Messenger text and sends it, split into
// several messages when it exceeds the Send API limit.
func (c *Client) SendText(ctx context.Context, recipientID, text string) error {
	chunks := SplitText(FormatText(text), MaxTextRunes)
	for i, chunk := range chunks {
		req := SendRequest{
			Recipient:     Party{ID: recipientID},
			MessagingType: MessagingTypeResponse,
			Message:       &SendMessage{Text: chunk},
		}
		if err := c.send(ctx, req); err != nil {
			return fmt.Errorf("sending text part %d/%d: %w", i+1, len(chunks), err)
		}
	}
	c.logger.Debug("message sent", "recipient_id", recipientID, "parts", len(chunks))
	return nil
}

// SendImages sends one image message per id. Ids without an attachment
// mapping are skipped with a warning; send failures are joined and returned
// after every image has been attempted.
func (c *Client) SendImages(ctx context.Context, recipientID string, imageIDs []string) error {
	var errs []error
	for _, imageID := range imageIDs {
		attachmentID, ok := c.attachments.Lookup(imageID)
		if !ok {
			c.logger.Warn("no attachment id for image, skipping", "image_id", imageID)
			continue
		}

		req := SendRequest{
			Recipient:     Party{ID: recipientID},
			MessagingType: MessagingTypeResponse,
			Message: &SendMessage{Attachment: &SendAttachment{
				Type:    "image",
				Payload: AttachmentPayload{AttachmentID: attachmentID},
			}},
		}
		if err := c.send(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("sending image %s: %w", imageID, err))
		}
	}
	return errors.Join(errs...)
}

// SendTypingIndicator shows the typing bubble. It is bounded by the typing
// timeout so a slow Graph API never delays a reply.
func (c *Client) SendTypingIndicator(ctx context.Context, recipientID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.typingTimeout)
	defer cancel()

	return c.send(ctx, SendRequest{
		Recipient:    Party{ID: recipientID},
		SenderAction: ActionTypingOn,
	})
}

// UploadImage uploads a local image as a reusable attachment and returns its
// attachment id.
func (c *Client) UploadImage(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	message, err := json.Marshal(map[string]any{
		"attachment": SendAttachment{Type: "image", Payload: AttachmentPayload{IsReusable: true}},
	})
	if err != nil {
		return "", fmt.Errorf("encoding upload message: %w", err)
	}
	if err := w.WriteField("message", string(message)); err != nil {
		return "", fmt.Errorf("writing message field: %w", err)
	}
	part, err := w.CreateFormFile("filedata", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("creating file part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("copying image: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultUploadTimeout)
	defer cancel()

	var out struct {
		AttachmentID string `json:"attachment_id"`
	}
	if err := c.post(ctx, "/me/message_attachments", w.FormDataContentType(), &body, &out); err != nil {
		return "", err
	}
	if out.AttachmentID == "" {
		return "", errors.New("upload response has no attachment_id")
	}
	return out.AttachmentID, nil
}

func (c *Client) send(ctx context.Context, req SendRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	return c.post(ctx, "/me/messages", "application/json", bytes.NewReader(body), nil)
}

// post waits for the rate limiter and performs one Graph API call, decoding
// the response into out when it is non-nil.
func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	endpoint := c.baseURL + path + "?" + url.Values{"access_token": {c.token}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", redactToken(err, c.token))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// handleErrorResponse extracts the Graph API error message from a non-200 response.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var gerr graphError
	if json.Unmarshal(body, &gerr) == nil && gerr.Error.Message != "" {
		return fmt.Errorf("send api error (%d, code %d): %s", resp.StatusCode, gerr.Error.Code, gerr.Error.Message)
	}
	return fmt.Errorf("send api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// redactToken keeps the page token out of logged *url.Error values.
func redactToken(err error, token string) error {
	if token == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), url.QueryEscape(token), "REDACTED")
	if msg == err.Error() {
		return err
	}
	return errors.New(msg)
}
