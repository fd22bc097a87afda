package ws

import "sync"

// AllAgents subscribes a client to the stream of every agent.
const AllAgents = "*"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans processed telemetry out to stream subscribers keyed by agent id.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	agentID string
	payload []byte
}

type subscription struct {
	agentID string
	client  Subscriber
}

// NewHub creates an initialized Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.agentID]; !ok {
				h.clients[sub.agentID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.agentID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			h.remove(sub.agentID, sub.client)
		case msg := <-h.broadcast:
			h.deliver(msg.agentID, msg.payload)
			if msg.agentID != AllAgents {
				h.deliver(AllAgents, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(key string, payload []byte) {
	clients, ok := h.clients[key]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, key)
	}
}

func (h *Hub) remove(key string, client Subscriber) {
	if clients, ok := h.clients[key]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, key)
		}
	}
}

// Register adds a client to an agent stream, or to every stream for AllAgents.
func (h *Hub) Register(agentID string, client Subscriber) {
	select {
	case h.register <- subscription{agentID: agentID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(agentID string, client Subscriber) {
	select {
	case h.unreg <- subscription{agentID: agentID, client: client}:
	case <-h.done:
	}
}

// Broadcast sends payload to the agent's subscribers and to AllAgents subscribers.
func (h *Hub) Broadcast(agentID string, payload []byte) {
	select {
	case h.broadcast <- message{agentID: agentID, payload: payload}:
	case <-h.done:
	}
}

// Close stops the dispatch loop and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
