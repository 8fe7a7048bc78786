package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"supportchat_backend/platform/httpkit"
	"supportchat_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// client represents a connected agent dashboard stream
type client struct {
	agentID uuid.UUID
	events  chan Envelope
}

// Hub manages agent SSE connections. Every connected agent receives every
// broadcast; dashboards show all active conversations, not just owned ones.
type Hub struct {
	rdb     redis.UniversalClient
	channel string
	log     *logger.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID][]*client
}

// NewHub creates a hub reading from the given broadcast channel.
func NewHub(rdb redis.UniversalClient, channel string, log *logger.Logger) *Hub {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Hub{
		rdb:     rdb,
		channel: channel,
		log:     log,
		clients: make(map[uuid.UUID][]*client),
	}
}

// Run subscribes to the broadcast channel and forwards envelopes to
// connected clients until the context ends.
func (h *Hub) Run(ctx context.Context) {
	sub := h.rdb.Subscribe(ctx, h.channel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Warn("dropping malformed broadcast", "error", err)
				continue
			}
			h.fanOut(env)
		}
	}
}

func (h *Hub) fanOut(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for agentID, clients := range h.clients {
		for _, c := range clients {
			select {
			case c.events <- env:
			default:
				h.log.Warn("agent stream buffer full, dropping event",
					"agent_id", agentID, "event", env.Event)
			}
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.agentID] = append(h.clients[c.agentID], c)
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[c.agentID]
	for i, cl := range clients {
		if cl == c {
			h.clients[c.agentID] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(h.clients[c.agentID]) == 0 {
		delete(h.clients, c.agentID)
	}
	close(c.events)
}

// ConnectedAgents returns the number of agents with at least one open stream.
func (h *Hub) ConnectedAgents() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler returns the gin handler streaming broadcasts to an authenticated
// agent over SSE.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := httpkit.GetIdentity(c)
		if !identity.IsAuthenticated() {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")

		cl := &client{
			agentID: identity.AgentID(),
			events:  make(chan Envelope, 64),
		}
		h.addClient(cl)
		defer h.removeClient(cl)

		c.SSEvent("connected", gin.H{"agentId": cl.agentID})
		c.Writer.Flush()

		clientGone := c.Request.Context().Done()
		for {
			select {
			case <-clientGone:
				return
			case env, ok := <-cl.events:
				if !ok {
					return
				}
				c.SSEvent(env.Event, string(env.Payload))
				c.Writer.Flush()
			}
		}
	}
}
