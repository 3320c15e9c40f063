package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zafegard/zafegard/internal/idgen"
	"github.com/zafegard/zafegard/internal/metrics"
)

// Options tune a Hub. Zero fields take the defaults.
type Options struct {
	MaxClients int // default 10000
	QueueSize  int // pending broadcasts before events are dropped; default 256
	History    int // events retained for replay; default 1024, negative disables
	// AllowedOrigins lists browser origins allowed to connect. Empty allows
	// only same-host origins; "*" allows any.
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.MaxClients <= 0 {
		o.MaxClients = 10000
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	switch {
	case o.History == 0:
		o.History = 1024
	case o.History < 0:
		o.History = 0
	}
	return o
}

// Stats summarizes hub activity.
type Stats struct {
	ConnectedClients int    `json:"connectedClients"`
	TotalClients     int64  `json:"totalClients"`
	PeakClients      int64  `json:"peakClients"`
	TotalEvents      int64  `json:"totalEvents"`
	DroppedEvents    int64  `json:"droppedEvents"`
	LastSeq          uint64 `json:"lastSeq"`
}

// Hub fans events out to connected clients. Publishing never blocks: when
// the queue is full the event is dropped, and a client that cannot keep up
// is disconnected.
type Hub struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	queue    chan *Event

	mu      sync.RWMutex
	clients map[*client]struct{}
	history *history
	seq     uint64
	closed  bool

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a hub. Call Run to start delivering events.
func NewHub(logger *slog.Logger, opts Options) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		opts:    opts,
		logger:  logger,
		queue:   make(chan *Event, opts.QueueSize),
		clients: make(map[*client]struct{}),
		history: newHistory(opts.History),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	if len(h.opts.AllowedOrigins) > 0 {
		return slices.Contains(h.opts.AllowedOrigins, "*") || slices.Contains(h.opts.AllowedOrigins, origin)
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// Run delivers queued events until ctx is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			metrics.StreamClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return
		case e := <-h.queue:
			h.deliver(e)
		}
	}
}

func (h *Hub) deliver(e *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	e.Seq = h.seq
	h.history.add(e)
	h.totalEvents.Add(1)

	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode stream event", "type", e.Type, "error", err)
		return
	}
	for c := range h.clients {
		if !c.subscription().matches(e) {
			continue
		}
		if !c.enqueue(payload) {
			h.logger.Warn("dropping slow stream client", "client", c.id)
			h.dropLocked(c)
		}
	}
	metrics.StreamClients.Set(float64(len(h.clients)))
}

// Publish queues e for delivery.
func (h *Hub) Publish(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case h.queue <- e:
	default:
		h.dropped.Add(1)
		h.logger.Warn("stream queue full, dropping event", "type", e.Type)
	}
}

// PublishPolicyEvent streams a committed policy event.
func (h *Hub) PublishPolicyEvent(eventType string, data map[string]interface{}) {
	e := &Event{Type: EventType(eventType), Data: data}
	e.Signer, _ = data["signer"].(string)
	e.Source, _ = data["source"].(string)
	h.Publish(e)
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		ConnectedClients: len(h.clients),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.dropped.Load(),
		LastSeq:          h.seq,
	}
}

// HandleWebSocket upgrades the request and attaches a client that receives
// every event until it sends a Subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed, n := h.closed, len(h.clients)
	h.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if n >= h.opts.MaxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, idgen.New(idgen.Subscriber), conn)
	if !h.attach(c) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) attach(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.totalClients.Add(1)
	for {
		peak := h.peakClients.Load()
		if int64(n) <= peak || h.peakClients.CompareAndSwap(peak, int64(n)) {
			break
		}
	}
	metrics.StreamClients.Set(float64(n))
	h.logger.Info("stream client connected", "client", c.id, "total", n)
	return true
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Set(float64(n))
	h.logger.Info("stream client disconnected", "client", c.id, "total", n)
}

// Caller must hold h.mu.
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// subscribe installs sub for c, acknowledges it and replays retained events
// newer than sub.Since. Holding the lock keeps the replay ahead of live
// events.
func (h *Hub) subscribe(c *client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}

	c.setSubscription(sub)
	ack, _ := json.Marshal(&Event{
		Type:      EventSubscribed,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"id": c.id, "subscription": sub, "lastSeq": h.seq},
	})
	if !c.enqueue(ack) {
		h.dropLocked(c)
		return
	}
	if sub.Since == 0 {
		return
	}
	for _, e := range h.history.after(sub.Since) {
		if !sub.matches(e) {
			continue
		}
		payload, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if !c.enqueue(payload) {
			h.logger.Warn("replay overflowed stream client", "client", c.id)
			h.dropLocked(c)
			return
		}
	}
}
