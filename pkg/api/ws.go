package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"wg-mesh/pkg/model"
)

// WSMessage is the envelope pushed to connected agents.
type WSMessage struct {
	Type    string      `json:"type"`              // e.g. config_update
	Node    string      `json:"node,omitempty"`    // target node
	Version int64       `json:"version,omitempty"` // build version
	Payload interface{} `json:"payload,omitempty"`
}

// WSHub maintains agent connections keyed by node name so fresh configs
// reach nodes without polling.
type WSHub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	agents   map[string]*websocket.Conn
}

func NewWSHub() *WSHub {
	return &WSHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		agents: map[string]*websocket.Conn{},
	}
}

// HandleAgentWS upgrades and stores the connection for a node; expects
// ?node=xxx.
func (h *WSHub) HandleAgentWS(w http.ResponseWriter, r *http.Request) {
	node := r.URL.Query().Get("node")
	if node == "" {
		http.Error(w, "node required", http.StatusBadRequest)
		return
	}
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed node=%s err=%v", node, err)
		return
	}
	h.mu.Lock()
	if old, ok := h.agents[node]; ok {
		_ = old.Close()
	}
	h.agents[node] = c
	h.mu.Unlock()
	log.Printf("agent ws connected: %s", node)
	go h.readLoop(node, c)
}

// Send sends a message to a node if connected.
func (h *WSHub) Send(node string, msg WSMessage) {
	h.mu.RLock()
	c := h.agents[node]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	if err := c.WriteJSON(msg); err != nil {
		log.Printf("ws send to %s failed: %v", node, err)
	}
}

// PushConfigs delivers each connected agent its new record.
func (h *WSHub) PushConfigs(buildVersion int64, configs map[string]model.ConfigRecord) {
	h.mu.RLock()
	connected := make([]string, 0, len(h.agents))
	for node := range h.agents {
		connected = append(connected, node)
	}
	h.mu.RUnlock()
	for _, node := range connected {
		rec, ok := configs[node]
		if !ok {
			continue
		}
		h.Send(node, WSMessage{
			Type:    "config_update",
			Node:    node,
			Version: buildVersion,
			Payload: rec,
		})
	}
}

func (h *WSHub) readLoop(node string, c *websocket.Conn) {
	defer func() {
		c.Close()
		h.mu.Lock()
		delete(h.agents, node)
		h.mu.Unlock()
		log.Printf("agent ws disconnected: %s", node)
	}()
	for {
		// Agents only listen; drain anything they send.
		if _, _, err := c.NextReader(); err != nil {
			return
		}
	}
}
