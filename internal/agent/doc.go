// Package agent is the HTTP client for the conversational agent.
//
// # Overview
//
// Each flushed turn is posted to the agent as one JSON request. The sender id
// is used as the agent's session id so the agent keeps per-user memory:
//
//	POST {agent.url}
//	{"session_id": "<sender id>", "message": "hi\nthere"}
//
// The agent answers with the reply text and any image ids to attach:
//
//	{"session_id": "...", "response": "...", "image_ids": ["IMG_PROD_001"], "memory_count": 4}
//
// Older agents answer under "reply" instead of "response"; both are accepted.
//
// # Image Markers
//
// Agents may also embed images inline as <<IMG:ID>> markers. SendTurn strips
// the markers from the text and appends their ids to Reply.ImageIDs, keeping
// first-seen order and dropping repeats.
//
// # Errors
//
// Transport failures, non-2xx statuses and undecodable bodies are returned as
// errors. Callers decide what the user sees; the coalescing engine replaces a
// failed turn with a fixed fallback reply.
package agent
