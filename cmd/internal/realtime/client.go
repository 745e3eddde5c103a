package realtime

import (
	"sync"

	v1 "github.com/RUNHUB2131/runhub-link-sub000/shared/contracts/push/v1"
)

// Client represents one connected websocket session on the push gateway.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent forwarders.
// - done is used to signal goroutines to stop.
// - Close is idempotent and closes every push channel the session opened.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	partyID string
	subs    map[string]Channel
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		subs:      make(map[string]Channel),
	}
}

// PartyID returns the party bound by hello, or "" before hello.
func (c *Client) PartyID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partyID
}

func (c *Client) bindParty(partyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partyID = partyID
}

// track registers ch for topic. It returns false when the session is closing
// or the subscription limit is reached.
func (c *Client) track(topic string, ch Channel, limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	if len(c.subs) >= limit {
		return false
	}
	c.subs[topic] = ch
	return true
}

func (c *Client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[topic]
	return ok
}

func (c *Client) subscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// untrack removes topic and returns its channel only if it is still ch
// (or any channel when ch is nil).
func (c *Client) untrack(topic string, ch Channel) Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.subs[topic]
	if !ok || (ch != nil && cur != ch) {
		return nil
	}
	delete(c.subs, topic)
	return cur
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent) and closes its push channels.
// It does NOT close Send to keep forwarding safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		subs := c.subs
		c.subs = make(map[string]Channel)
		c.mu.Unlock()

		for _, ch := range subs {
			_ = ch.Close()
		}
	})
}
