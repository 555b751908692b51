// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, then defaults are applied, environment overrides are merged and
// the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/relay/gateway.yaml
//  3. ~/.config/relay/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Environment Overrides
//
//	RELAY_DB_PATH        database.path
//	BASE_WEBHOOK_URL     events.base_webhook_url
//	DISABLED_CALLBACKS   events.disabled_callbacks, pipe separated ("message_ack|unread_count")
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  base_delay: "5s"
//	  max_delay: "60s"
//	  network_floor: "30s"
//
// # Example
//
//	server:
//	  http_addr: "localhost:3000"
//	database:
//	  path: "~/.local/share/relay/gateway.db"
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//	  api_key: "${RELAY_API_KEY}"
//	sessions:
//	  folder_path: "./sessions"
//	  recover: true
//	  max_attempts: 5
//	events:
//	  base_webhook_url: "https://hooks.example.com/relay"
//	  session_webhooks:
//	    support: "https://hooks.example.com/support"
//	  set_messages_as_seen: true
//	webhooks:
//	  default_rate_limit: 10
//	  history_limit: 500
//	driver:
//	  kind: runner
//	  runner:
//	    url: "ws://localhost:9300"
//
// The gateway refuses to start without a base webhook URL unless
// events.require_base_url is false.
package config
