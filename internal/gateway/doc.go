// Package gateway orchestrates the coven-messenger server components.
//
// # Overview
//
// The Gateway owns every long-lived component and wires them together:
//
//	webhook.Handler -> debounce.Coalescer -> agent.Client
//	                        |                     |
//	                  dedupe.Cache          messenger.Client -> Graph Send API
//	                        |
//	                  store.TurnStore (optional ledger)
//
// # HTTP Routes
//
//	GET  /health        liveness, always "OK"
//	GET  /health/ready  "ready (N active senders, M tracked message ids)"
//	GET  /webhook       Meta subscription handshake
//	POST /webhook       Messenger events
//	GET  /api/turns     recent ledger turns, JWT protected when auth.jwt_secret is set
//
// # Listeners
//
// Without tailscale the server binds server.http_addr. With tailscale
// enabled a tsnet node is started instead; tailscale.funnel exposes it on
// public HTTPS port 443, which is what Meta needs for the callback URL.
//
// # Shutdown
//
// Shutdown stops the HTTP server, waits for in-flight webhook dispatches,
// then closes the coalescer so every open sender buffer is flushed to the
// agent before the ledger is closed.
package gateway
