package ws

import (
	"encoding/json"
	"sync"
	"time"

	"drivein/internal/models"
)

// Event types published by the lifecycle engine.
const (
	EventTokenRefreshed   = "token.refreshed"
	EventConnectionHealth = "connection.health"
	EventUploadRetry      = "upload.retry"
	EventJobUpdated       = "job.updated"
)

type Event struct {
	Type     string `json:"type"`
	Ts       string `json:"ts"`
	Seq      int64  `json:"seq"`
	UserID   string `json:"userId,omitempty"`
	Provider string `json:"provider,omitempty"`
	JobID    string `json:"jobId,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

type Message struct {
	Seq  int64
	Type string
	Data []byte
}

type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	seq     int64
	buffer  []Message
}

type Client struct {
	send chan Message
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
	}
}

func (h *Hub) Subscribe() *Client {
	c, _ := h.SubscribeFrom(0)
	return c
}

// SubscribeFrom registers a client and replays buffered events after
// the given sequence so reconnecting clients do not miss transitions.
func (h *Hub) SubscribeFrom(afterSeq int64) (client *Client, backlog []Message) {
	c := &Client{send: make(chan Message, 128)}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}

	if afterSeq > 0 && len(h.buffer) > 0 {
		out := make([]Message, 0, len(h.buffer))
		for _, msg := range h.buffer {
			if msg.Seq > afterSeq {
				out = append(out, msg)
			}
		}
		backlog = out
	}
	return c, backlog
}

func (c *Client) Messages() <-chan Message {
	return c.send
}

func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
}

func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	evt.Seq = h.seq
	evt.Ts = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(evt)
	if err != nil {
		return
	}

	msg := Message{Seq: evt.Seq, Type: evt.Type, Data: data}

	// Keep a small buffer for resume.
	const maxBuffered = 512
	h.buffer = append(h.buffer, msg)
	if len(h.buffer) > maxBuffered {
		h.buffer = h.buffer[len(h.buffer)-maxBuffered:]
	}

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// ConnectionHealthChanged satisfies health.Events.
func (h *Hub) ConnectionHealthChanged(rec models.HealthRecord) {
	h.Publish(Event{
		Type:     EventConnectionHealth,
		UserID:   rec.UserID,
		Provider: rec.Provider,
		Payload: map[string]any{
			"status":               rec.Status,
			"consecutiveFailures":  rec.ConsecutiveFailures,
			"requiresReconnection": rec.RequiresReconnection,
		},
	})
}
