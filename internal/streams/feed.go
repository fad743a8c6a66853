package streams

import "sync"

// Feed is a plain broadcast channel without history, used for the chat
// event stream. Slow clients are dropped the same way the task fan-out
// drops them.
type Feed struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{clients: make(map[*Client]struct{})}
}

// Subscribe attaches a new client to the feed.
func (f *Feed) Subscribe() *Client {
	c := &Client{send: make(chan []byte, clientBuffer)}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[c] = struct{}{}
	return c
}

// Unsubscribe detaches a client. Safe to call twice.
func (f *Feed) Unsubscribe(c *Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}

// Publish frames one line and sends it to every attached client.
func (f *Feed) Publish(line string) {
	frame := Frame(line)
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- frame:
		default:
			delete(f.clients, c)
			close(c.send)
		}
	}
}

// Close drops every client.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}
