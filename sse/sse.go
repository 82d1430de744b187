// Package sse fans ADT relay events out to any number of Server-Sent
// Event streams, with optional per-client topic subscriptions.
package sse

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// pingInterval is the keep-alive cadence; proxies tend to drop idle
// streams well above this.
const pingInterval = 20 * time.Second

// frameBuffer bounds how far a slow consumer may fall behind before
// events are dropped for it.
const frameBuffer = 16

type client struct {
	id     string
	frames chan []byte
	subs   map[string]struct{}
}

// wants reports whether the client should receive an event published
// under topic. An empty subscription set receives everything; an empty
// topic reaches everyone.
func (c *client) wants(topic string) bool {
	if len(c.subs) == 0 || topic == "" {
		return true
	}
	_, ok := c.subs[topic]
	return ok
}

// Broadcaster tracks connected event streams and delivers frames to
// them. The zero value is not usable; construct with NewBroadcaster.
type Broadcaster struct {
	logger *slog.Logger

	mu       sync.Mutex
	clients  map[string]*client
	stopPing chan struct{} // nil while no keep-alive loop runs
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broadcaster{
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request to an event stream and blocks until
// the client disconnects. Topics come from ?subscribe=a,b.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")

	io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	c := b.register(r.URL.Query().Get("subscribe"))
	defer b.unregister(c)
	b.logger.Info("sse client connected", "client", c.id, "topics", len(c.subs))

	for {
		select {
		case <-r.Context().Done():
			b.logger.Info("sse client disconnected", "client", c.id)
			return
		case frame := <-c.frames:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Broadcast delivers one event to every matching client. String data is
// sent verbatim, anything else is JSON-encoded; multi-line payloads are
// split across data: lines. Slow clients miss the event rather than
// block the publisher.
func (b *Broadcaster) Broadcast(event string, data any, topic string) {
	payload, ok := data.(string)
	if !ok {
		raw, err := json.Marshal(data)
		if err != nil {
			b.logger.Warn("dropping unencodable event", "event", event, "error", err)
			return
		}
		payload = string(raw)
	}

	var frame bytes.Buffer
	frame.WriteString("event: " + event + "\n")
	for _, line := range strings.Split(payload, "\n") {
		frame.WriteString("data: " + line + "\n")
	}
	frame.WriteByte('\n')

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		if !c.wants(topic) {
			continue
		}
		select {
		case c.frames <- frame.Bytes():
		default:
		}
	}
}

// ConnectedCount returns the number of open streams.
func (b *Broadcaster) ConnectedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) register(subscribe string) *client {
	c := &client{
		id:     uuid.NewString(),
		frames: make(chan []byte, frameBuffer),
		subs:   make(map[string]struct{}),
	}
	for _, s := range strings.Split(subscribe, ",") {
		if s = strings.TrimSpace(s); s != "" {
			c.subs[s] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c.id] = c
	if b.stopPing == nil {
		b.stopPing = make(chan struct{})
		go b.pingLoop(b.stopPing)
	}
	return c
}

func (b *Broadcaster) unregister(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c.id)
	if len(b.clients) == 0 && b.stopPing != nil {
		close(b.stopPing)
		b.stopPing = nil
	}
}

// pingLoop writes a comment frame to every client until stopped. It
// holds no state of its own so a fresh loop can start for the next
// first client.
func (b *Broadcaster) pingLoop(stop <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			b.mu.Lock()
			for _, c := range b.clients {
				select {
				case c.frames <- []byte(": ping\n\n"):
				default:
				}
			}
			b.mu.Unlock()
		}
	}
}

// pingActive reports whether a keep-alive loop is running.
func (b *Broadcaster) pingActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopPing != nil
}
