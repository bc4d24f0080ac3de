// Package messenger talks to Facebook Messenger: webhook payload types,
// signature verification, and the Graph Send API client used to reply.
//
// # Send API
//
// Client implements the delivery side of the coalescing engine:
//
//   - SendText: markdown is flattened to plain text and split into
//     2000-rune messages
//   - SendImages: image ids are resolved through an AttachmentMap and sent
//     as reusable attachments, one message per image
//   - SendTypingIndicator: sender_action typing_on with a short timeout
//
// All calls share a token-bucket limiter so a burst of flushes cannot trip
// the page-level Send API rate limit.
//
// # Attachments
//
// Images are uploaded once (see Client.UploadImage) and referenced by
// attachment id afterwards. AttachmentMap holds the image id to attachment id
// mapping and can reload its JSON file while the service runs.
//
// # Signatures
//
// Webhook bodies are signed with the app secret:
//
//	X-Hub-Signature-256: sha256=<hex hmac of raw body>
//
// VerifySignature checks the header in constant time.
package messenger
