package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Buffered events per push channel before the broker drops.
	defaultChannelBuffer = 256

	// Max concurrent topic subscriptions per websocket session.
	maxSubscriptionsPerSession = 64
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// How long a websocket client waits for a subscribe confirmation.
	subscribeTimeout = 10 * time.Second
)
