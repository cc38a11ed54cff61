package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope for every frame pushed to clients.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// LogEntry is the payload of a "log" frame.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	JobID     string `json:"job_id,omitempty"` // correlation ID when the line belongs to a job
}

// StatusUpdate greets a client on connect.
type StatusUpdate struct {
	Status           string `json:"status"`
	ServerInstanceID string `json:"serverInstanceId"` // clients clear state when this changes
}

type WebSocketHandler struct {
	logger       arbor.ILogger
	clients      map[*websocket.Conn]bool
	clientMutex  map[*websocket.Conn]*sync.Mutex
	mu           sync.RWMutex
	eventService interfaces.EventService

	// One limiter per job keeps a hot crawl from flooding clients with
	// progress frames.
	throttleMu sync.Mutex
	throttlers map[string]*rate.Limiter

	serverInstanceID string // Unique ID generated on startup - clients use to detect server restart
}

func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		eventService:     eventService,
		throttlers:       make(map[string]*rate.Limiter),
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	if eventService != nil {
		h.SubscribeToCrawlEvents()
	}

	return h
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	// Send initial status
	h.sendStatus(conn)

	// Handle client disconnection
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Read messages from client (keep connection alive)
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// sendStatus sends current status to a specific client
func (h *WebSocketHandler) sendStatus(conn *websocket.Conn) {
	data, err := json.Marshal(WSMessage{
		Type: "status",
		Payload: StatusUpdate{
			Status:           "online",
			ServerInstanceID: h.serverInstanceID,
		},
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal initial status")
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()

	if mutex != nil {
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send initial status")
		}
	}
}

// broadcast marshals one frame and writes it to every connected client.
// Writes are serialized per connection.
func (h *WebSocketHandler) broadcast(msgType string, payload interface{}) {
	data, err := json.Marshal(WSMessage{Type: msgType, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", msgType).Msg("Failed to send message to client")
		}
	}
}

// BroadcastLog sends one log frame to all connected clients.
func (h *WebSocketHandler) BroadcastLog(entry LogEntry) {
	h.broadcast("log", entry)
}

// SendLog formats and broadcasts a single log line.
func (h *WebSocketHandler) SendLog(level, message string) {
	h.BroadcastLog(LogEntry{
		Timestamp: time.Now().Format("15:04:05"),
		Level:     strings.ToLower(level),
		Message:   message,
	})
}

// BroadcastProgress sends a crawl_progress frame to all connected clients.
func (h *WebSocketHandler) BroadcastProgress(ev models.ProgressEvent) {
	h.broadcast("crawl_progress", ev)
}

// SubscribeToCrawlEvents wires the handler onto the event bus. Progress
// frames are throttled per job; lifecycle frames pass straight through.
func (h *WebSocketHandler) SubscribeToCrawlEvents() {
	if h.eventService == nil {
		return
	}

	h.eventService.Subscribe(interfaces.EventCrawlProgress, func(ctx context.Context, event interfaces.Event) error {
		ev, ok := event.Payload.(models.ProgressEvent)
		if !ok {
			h.logger.Warn().Msg("Invalid crawl progress event payload type")
			return nil
		}
		if !h.allowProgress(ev.JobID) {
			return nil
		}
		h.BroadcastProgress(ev)
		return nil
	})

	lifecycle := []interfaces.EventType{
		interfaces.EventJobStarted,
		interfaces.EventJobPaused,
		interfaces.EventJobResumed,
		interfaces.EventJobCompleted,
		interfaces.EventJobFailed,
		interfaces.EventJobStopped,
	}
	for _, eventType := range lifecycle {
		et := eventType
		h.eventService.Subscribe(et, func(ctx context.Context, event interfaces.Event) error {
			h.broadcast(string(et), event.Payload)
			if ev, ok := event.Payload.(models.ProgressEvent); ok && ev.State.IsTerminal() {
				h.dropThrottler(ev.JobID)
			}
			return nil
		})
	}
}

// allowProgress rate limits progress frames to one per second per job.
func (h *WebSocketHandler) allowProgress(jobID string) bool {
	h.throttleMu.Lock()
	limiter, ok := h.throttlers[jobID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Second), 1)
		h.throttlers[jobID] = limiter
	}
	h.throttleMu.Unlock()

	return limiter.Allow()
}

// dropThrottler forgets a finished job's limiter.
func (h *WebSocketHandler) dropThrottler(jobID string) {
	h.throttleMu.Lock()
	delete(h.throttlers, jobID)
	h.throttleMu.Unlock()
}
