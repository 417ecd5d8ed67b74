package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rawblock/trace-engine/internal/metrics"
	"github.com/rawblock/trace-engine/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for local dashboard
	},
}

// Hub maintains the set of active websocket clients and broadcasts messages.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
		metrics:   m,
		log:       log.With().Str("component", "stream").Logger(),
	}
}

// Run pushes broadcast messages to every client until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				// Write deadline keeps blocked clients from hanging the hub
				_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					h.log.Debug().Err(err).Msg("websocket write failed")
					client.Close()
					delete(h.clients, client)
				}
			}
			h.metrics.SetStreamClients(len(h.clients))
			h.mutex.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
	h.metrics.SetStreamClients(0)
}

// Subscribe handles incoming websocket connections
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade websocket")
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.metrics.SetStreamClients(total)
	h.mutex.Unlock()

	h.log.Info().Int("clients", total).Msg("websocket client connected")

	// We only push, but must read to notice disconnects
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			total := len(h.clients)
			h.metrics.SetStreamClients(total)
			h.mutex.Unlock()
			conn.Close()
			h.log.Info().Int("clients", total).Msg("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Warn().Err(err).Msg("websocket error")
				}
				return
			}
		}
	}()
}

// Broadcast queues data for all connected clients. When the queue is full
// the message is dropped.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn().Msg("broadcast queue full, dropping message")
	}
}

// TraceCompleted is the stream payload for a finished trace.
type TraceCompleted struct {
	Type        string              `json:"type"`
	RequestID   string              `json:"requestId"`
	RootAddress string              `json:"rootAddress"`
	Chain       models.Chain        `json:"chain,omitempty"`
	Nodes       int                 `json:"nodes"`
	Summary     models.TraceSummary `json:"summary"`
	Notes       []string            `json:"notes,omitempty"`
}

// BroadcastTraceCompleted returns the tracer completion hook that pushes a
// compact trace_completed event to the hub.
func BroadcastTraceCompleted(wsHub *Hub) func(models.TraceResult) {
	return func(r models.TraceResult) {
		payload, err := json.Marshal(TraceCompleted{
			Type:        "trace_completed",
			RequestID:   r.RequestID,
			RootAddress: r.RootAddress,
			Chain:       r.ChainHint,
			Nodes:       len(r.Nodes),
			Summary:     r.Summary,
			Notes:       r.Meta.Notes,
		})
		if err != nil {
			wsHub.log.Error().Err(err).Msg("encode trace_completed")
			return
		}
		wsHub.Broadcast(payload)
	}
}
