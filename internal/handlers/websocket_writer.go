package handlers

import (
	"context"
	"strings"
	"sync"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor/levels"
	"github.com/ternarybob/arbor/models"
	"github.com/ternarybob/arbor/writers"

	"github.com/ternarybob/aranea/internal/common"
)

const (
	// Default buffer size for WebSocket log queue
	defaultWebSocketBufferSize = 1000
)

// defaultExcludePatterns keeps the handler's own chatter out of the stream.
// Broadcasting those lines would trigger further log writes and loop.
var defaultExcludePatterns = []string{
	"WebSocket client connected",
	"WebSocket client disconnected",
	"Failed to send message to client",
	"HTTP request",
	"HTTP response",
	"Publishing event",
}

// WebSocketWriter broadcasts logs to WebSocket clients. It accepts entries
// two ways: as an arbor writer via Write, and as batches on the channel
// registered with the logger through SetChannel.
type WebSocketWriter struct {
	handler         *WebSocketHandler
	writer          writers.IChannelWriter
	config          models.WriterConfiguration
	minLevel        levels.LogLevel
	excludePatterns []string

	channel chan []models.LogEvent
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWebSocketWriter creates a new WebSocket arbor writer using ChannelWriter pattern
func NewWebSocketWriter(handler *WebSocketHandler, config models.WriterConfiguration, wsConfig *common.WebSocketConfig) (*WebSocketWriter, error) {
	minLevel := levels.InfoLevel
	excludePatterns := defaultExcludePatterns

	if wsConfig != nil {
		minLevel = parseLogLevel(wsConfig.MinLevel)
		if len(wsConfig.ExcludePatterns) > 0 {
			excludePatterns = wsConfig.ExcludePatterns
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &WebSocketWriter{
		handler:         handler,
		config:          config,
		minLevel:        minLevel,
		excludePatterns: excludePatterns,
		channel:         make(chan []models.LogEvent, 10),
		ctx:             ctx,
		cancel:          cancel,
	}

	// Filter and broadcast off the hot path; writes from the logger only
	// enqueue onto the channel.
	cw, err := writers.NewChannelWriter(config, defaultWebSocketBufferSize, w.processEvent)
	if err != nil {
		cancel()
		return nil, err
	}
	cw.Start()
	w.writer = cw

	w.wg.Add(1)
	go w.consume()

	return w, nil
}

// Channel returns the batch channel to register on the logger with
// SetChannel, mirroring how arbor hands events to context consumers.
func (w *WebSocketWriter) Channel() chan []models.LogEvent {
	return w.channel
}

// consume drains log batches delivered by arbor until Close.
func (w *WebSocketWriter) consume() {
	defer w.wg.Done()

	for {
		select {
		case batch, ok := <-w.channel:
			if !ok {
				return
			}
			for _, event := range batch {
				_ = w.processEvent(event)
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// processEvent applies level and pattern filters, then broadcasts.
func (w *WebSocketWriter) processEvent(entry models.LogEvent) error {
	arborLevel := plogToArborLevel(entry.Level)

	if arborLevel < w.minLevel {
		return nil
	}

	for _, pattern := range w.excludePatterns {
		if strings.Contains(entry.Message, pattern) {
			return nil
		}
	}

	w.handler.BroadcastLog(LogEntry{
		Timestamp: entry.Timestamp.Format("15:04:05"),
		Level:     mapLevel(arborLevel),
		Message:   entry.Message,
		JobID:     entry.CorrelationID,
	})
	return nil
}

// plogToArborLevel converts phuslu/log.Level to arbor levels.LogLevel
func plogToArborLevel(level plog.Level) levels.LogLevel {
	switch level {
	case plog.ErrorLevel:
		return levels.ErrorLevel
	case plog.WarnLevel:
		return levels.WarnLevel
	case plog.InfoLevel:
		return levels.InfoLevel
	case plog.DebugLevel:
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// parseLogLevel converts string log level to arbor levels.LogLevel
func parseLogLevel(level string) levels.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return levels.ErrorLevel
	case "warn", "warning":
		return levels.WarnLevel
	case "info":
		return levels.InfoLevel
	case "debug":
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// mapLevel maps arbor log levels to UI strings
func mapLevel(level levels.LogLevel) string {
	switch level {
	case levels.ErrorLevel:
		return "error"
	case levels.WarnLevel:
		return "warn"
	case levels.InfoLevel:
		return "info"
	case levels.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}

// Write implements the IWriter interface - delegates to the channel writer
func (w *WebSocketWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

// WithLevel updates the minimum log level and returns self
func (w *WebSocketWriter) WithLevel(level plog.Level) writers.IWriter {
	w.minLevel = plogToArborLevel(level)
	return w
}

// GetFilePath returns empty string (not file-based)
func (w *WebSocketWriter) GetFilePath() string {
	return ""
}

// Close performs graceful shutdown with buffer draining
func (w *WebSocketWriter) Close() error {
	w.cancel()
	w.wg.Wait()
	return w.writer.Close()
}
