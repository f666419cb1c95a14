package hub

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Subscription narrows a client to one department's events. An empty
// subscription receives everything, which is what display boards in the
// waiting hall use.
type Subscription struct {
	Department string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	logger  zerolog.Logger
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action     string `json:"action"`
	Department string `json:"department"`
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Broadcast delivers to every client whose subscription matches. Slow
// clients lose messages rather than stalling the rest.
func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
}

func match(sub Subscription, meta Subscription) bool {
	if sub.Department != "" && meta.Department != sub.Department {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
