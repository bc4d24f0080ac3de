// Package webhook implements the Messenger webhook endpoint.
//
// GET requests answer the hub.challenge subscription handshake. POST
// requests are checked against X-Hub-Signature-256 when an app secret is
// configured, decoded, and split into messaging events. Each event is
// dispatched on its own goroutine so the handler can return
// "200 EVENT_RECEIVED" before the agent is consulted:
//
//   - text messages go to Receiver.AddMessage, which dedupes by mid and
//     coalesces bursts per sender
//   - postbacks go to Receiver.Direct and skip coalescing
//   - echoes of the page's own messages are ignored
//   - attachments are logged only
//
// Drain waits for outstanding dispatches during shutdown.
package webhook
