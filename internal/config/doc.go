// Package config handles configuration loading for coven-messenger.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from the --config flag
//  2. Path from COVEN_MESSENGER_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/messenger.yaml (~/.config when unset)
//
// Files ending in .toml are decoded as TOML, everything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	messenger:
//	  page_access_token: "${FB_PAGE_ACCESS_TOKEN}"
//	  app_secret: "${FB_APP_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	debounce:
//	  delay: "1.5s"
//	  max_wait: "10s"
//	dedupe:
//	  ttl: "5m"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-messenger"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: true                 # public webhook URL for Meta
//
//	messenger:
//	  verify_token: "${FB_VERIFY_TOKEN}"
//	  app_secret: "${FB_APP_SECRET}"       # enables X-Hub-Signature-256 checks
//	  page_access_token: "${FB_PAGE_ACCESS_TOKEN}"
//	  attachments_file: "./fb_attachment_ids.json"
//	  send_rate: 20                        # Send API calls per second
//	  send_burst: 40
//
//	agent:
//	  url: "http://localhost:8000/chat"
//	  timeout: "30s"
//
//	debounce:
//	  delay: "1.5s"
//	  max_wait: "10s"
//	  max_buffer_size: 5
//	  max_buffer_chars: 1000
//
//	dedupe:
//	  ttl: "5m"
//	  cleanup_watermark: 100
//
//	database:
//	  path: "./turns.db"                   # empty disables the turn ledger
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"    # protects /api/turns, 32 bytes minimum
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
