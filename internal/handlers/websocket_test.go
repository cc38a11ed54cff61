package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/aranea/internal/services/events"
)

// TestWebSocketStatusGreeting verifies that a client's first frame is the
// status greeting carrying the server instance ID
func TestWebSocketStatusGreeting(t *testing.T) {
	logger := arbor.NewLogger()
	handler := NewWebSocketHandler(nil, logger)

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read greeting: %v", err)
	}
	if msg.Type != "status" {
		t.Errorf("Expected status frame first, got %q", msg.Type)
	}
	payload, _ := msg.Payload.(map[string]interface{})
	if payload["status"] != "online" {
		t.Errorf("Expected online status, got %v", payload["status"])
	}
	if id, _ := payload["serverInstanceId"].(string); id == "" {
		t.Error("Expected serverInstanceId in greeting")
	}
}

// TestCrawlEventBroadcast verifies that events published on the bus reach
// connected clients as typed frames
func TestCrawlEventBroadcast(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	defer eventService.Close()

	handler := NewWebSocketHandler(eventService, logger)

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// Drain the status greeting
	var greeting WSMessage
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("Failed to read greeting: %v", err)
	}

	progress := models.ProgressEvent{
		JobID:     "job-1",
		State:     models.JobStateRunning,
		Stats:     models.CrawlStats{Visited: 3, Enqueued: 10, OK: 3},
		Timestamp: time.Now().UTC(),
	}
	err = eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventCrawlProgress,
		Payload: progress,
	})
	if err != nil {
		t.Fatalf("Failed to publish progress event: %v", err)
	}

	var frame WSMessage
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("Failed to read progress frame: %v", err)
	}
	if frame.Type != "crawl_progress" {
		t.Errorf("Expected crawl_progress frame, got %q", frame.Type)
	}
	payload, _ := frame.Payload.(map[string]interface{})
	if payload["job_id"] != "job-1" {
		t.Errorf("Expected job_id job-1, got %v", payload["job_id"])
	}

	final := progress
	final.State = models.JobStateCompleted
	err = eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobCompleted,
		Payload: final,
	})
	if err != nil {
		t.Fatalf("Failed to publish completion event: %v", err)
	}

	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("Failed to read completion frame: %v", err)
	}
	if frame.Type != "job_completed" {
		t.Errorf("Expected job_completed frame, got %q", frame.Type)
	}
}

// TestProgressThrottlePerJob verifies that progress frames are limited per
// job while other jobs stay unaffected
func TestProgressThrottlePerJob(t *testing.T) {
	handler := NewWebSocketHandler(nil, arbor.NewLogger())

	if !handler.allowProgress("job-a") {
		t.Error("Expected first frame for job-a to pass")
	}
	if handler.allowProgress("job-a") {
		t.Error("Expected second frame within a second to be throttled")
	}
	if !handler.allowProgress("job-b") {
		t.Error("Expected other jobs to be unaffected by job-a's limiter")
	}
	handler.dropThrottler("job-a")
	if !handler.allowProgress("job-a") {
		t.Error("Expected a fresh limiter after the job's throttler is dropped")
	}
}

// TestLogDispatchFanOut verifies that log broadcast correctly fans out to multiple subscribers
// without blocking or leaking goroutines
func TestLogDispatchFanOut(t *testing.T) {
	logger := arbor.NewLogger()
	handler := NewWebSocketHandler(nil, logger)

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	// Convert http:// to ws://
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	numSubscribers := 5

	// Track received messages for each subscriber
	receivedMessages := make([][]LogEntry, numSubscribers)
	var receivedMutex sync.Mutex

	var wg sync.WaitGroup
	wg.Add(numSubscribers)

	// Track goroutine count before test
	initialGoroutines := countGoroutines()

	subscribers := make([]*websocket.Conn, numSubscribers)
	for i := 0; i < numSubscribers; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("Failed to connect subscriber %d: %v", i, err)
		}
		subscribers[i] = conn

		subscriberIdx := i
		go func() {
			defer wg.Done()
			defer conn.Close()

			conn.SetReadDeadline(time.Now().Add(5 * time.Second))

			for {
				var msg WSMessage
				err := conn.ReadJSON(&msg)
				if err != nil {
					// Expected when connection closes or deadline reached
					return
				}

				// Filter for log messages only
				if msg.Type == "log" {
					logData, err := json.Marshal(msg.Payload)
					if err != nil {
						continue
					}

					var logEntry LogEntry
					if err := json.Unmarshal(logData, &logEntry); err != nil {
						continue
					}

					receivedMutex.Lock()
					receivedMessages[subscriberIdx] = append(receivedMessages[subscriberIdx], logEntry)
					receivedMutex.Unlock()
				}
			}
		}()
	}

	// Wait for all subscribers to connect
	time.Sleep(100 * time.Millisecond)

	handler.mu.RLock()
	connectedClients := len(handler.clients)
	handler.mu.RUnlock()

	if connectedClients != numSubscribers {
		t.Errorf("Expected %d connected clients, got %d", numSubscribers, connectedClients)
	}

	testLogs := []struct {
		level   string
		message string
	}{
		{"INFO", "Test log message 1"},
		{"DEBUG", "Test log message 2"},
		{"WARN", "Test log message 3"},
		{"ERROR", "Test log message 4"},
		{"INFO", "Test log message 5"},
	}

	// Send logs concurrently to test thread safety
	var sendWg sync.WaitGroup
	sendWg.Add(len(testLogs))

	for _, log := range testLogs {
		logCopy := log // Capture loop variable
		go func() {
			defer sendWg.Done()
			handler.SendLog(logCopy.level, logCopy.message)
		}()
	}

	sendWg.Wait()

	// Allow time for messages to be received
	time.Sleep(500 * time.Millisecond)

	for _, conn := range subscribers {
		conn.Close()
	}

	doneChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneChan)
	}()

	select {
	case <-doneChan:
		// All subscribers finished
	case <-time.After(2 * time.Second):
		t.Error("Timeout waiting for subscribers to finish")
	}

	// Verify all subscribers received all messages
	receivedMutex.Lock()
	defer receivedMutex.Unlock()

	for i, messages := range receivedMessages {
		// Each subscriber should also receive status messages, so count only
		// our test logs
		logCount := 0
		for _, msg := range messages {
			for _, testLog := range testLogs {
				if msg.Level == strings.ToLower(testLog.level) && msg.Message == testLog.message {
					logCount++
					break
				}
			}
		}

		if logCount != len(testLogs) {
			t.Errorf("Subscriber %d received %d test logs, expected %d", i, logCount, len(testLogs))
			t.Logf("Subscriber %d messages: %+v", i, messages)
		}
	}

	// Wait a bit for goroutines to clean up
	time.Sleep(100 * time.Millisecond)

	finalGoroutines := countGoroutines()
	goroutineDiff := finalGoroutines - initialGoroutines

	// Allow some tolerance for background goroutines
	if goroutineDiff > 2 {
		t.Errorf("Potential goroutine leak detected: %d goroutines leaked", goroutineDiff)
	}

	// Verify handler cleaned up all clients
	handler.mu.RLock()
	remainingClients := len(handler.clients)
	remainingMutexes := len(handler.clientMutex)
	handler.mu.RUnlock()

	if remainingClients != 0 {
		t.Errorf("Handler still has %d clients after cleanup", remainingClients)
	}

	if remainingMutexes != 0 {
		t.Errorf("Handler still has %d client mutexes after cleanup", remainingMutexes)
	}

	t.Logf("✓ Successfully broadcast %d logs to %d subscribers", len(testLogs), numSubscribers)
	t.Log("✓ No goroutine leaks detected")
	t.Log("✓ All resources cleaned up properly")
}

// TestConcurrentLogDispatch verifies that concurrent log dispatches don't cause race conditions
func TestConcurrentLogDispatch(t *testing.T) {
	logger := arbor.NewLogger()
	handler := NewWebSocketHandler(nil, logger)

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect subscriber: %v", err)
	}
	defer conn.Close()

	var messageCount int32
	done := make(chan struct{})

	// Read messages in background
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))

		for {
			var msg WSMessage
			err := conn.ReadJSON(&msg)
			if err != nil {
				return
			}

			if msg.Type == "log" {
				atomic.AddInt32(&messageCount, 1)
			}
		}
	}()

	numSenders := 10
	logsPerSender := 10

	var wg sync.WaitGroup
	wg.Add(numSenders)

	start := time.Now()

	for i := 0; i < numSenders; i++ {
		senderID := i
		go func() {
			defer wg.Done()

			for j := 0; j < logsPerSender; j++ {
				handler.SendLog("INFO", fmt.Sprintf("Sender %d message %d", senderID, j))
			}
		}()
	}

	wg.Wait()

	// Allow time for messages to be received
	time.Sleep(500 * time.Millisecond)

	// Close connection to stop reader
	conn.Close()
	<-done

	elapsed := time.Since(start)

	totalExpected := int32(numSenders * logsPerSender)
	received := atomic.LoadInt32(&messageCount)

	if received != totalExpected {
		t.Errorf("Received %d messages, expected %d", received, totalExpected)
	}

	t.Logf("✓ Successfully sent %d messages concurrently from %d senders", totalExpected, numSenders)
	t.Logf("✓ All messages received without blocking (elapsed: %v)", elapsed)
}

// TestLogDispatchWithSlowSubscriber verifies that a subscriber that never
// reads does not affect others
func TestLogDispatchWithSlowSubscriber(t *testing.T) {
	logger := arbor.NewLogger()
	handler := NewWebSocketHandler(nil, logger)

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	fastConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect fast subscriber: %v", err)
	}
	defer fastConn.Close()

	// Slow subscriber never reads
	slowConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect slow subscriber: %v", err)
	}
	defer slowConn.Close()

	var fastMessages int32
	fastDone := make(chan struct{})

	go func() {
		defer close(fastDone)
		fastConn.SetReadDeadline(time.Now().Add(3 * time.Second))

		for {
			var msg WSMessage
			err := fastConn.ReadJSON(&msg)
			if err != nil {
				return
			}

			if msg.Type == "log" {
				atomic.AddInt32(&fastMessages, 1)
			}
		}
	}()

	numLogs := 20
	for i := 0; i < numLogs; i++ {
		handler.SendLog("INFO", fmt.Sprintf("Test message %d", i))
		time.Sleep(10 * time.Millisecond)
	}

	// Allow time for messages to be processed
	time.Sleep(500 * time.Millisecond)

	fastConn.Close()
	slowConn.Close()
	<-fastDone

	received := atomic.LoadInt32(&fastMessages)
	if received != int32(numLogs) {
		t.Errorf("Fast subscriber received %d messages, expected %d", received, numLogs)
	}

	t.Logf("✓ Fast subscriber received all %d messages", numLogs)
	t.Log("✓ Slow subscriber did not affect fast subscriber")
}

// Helper function to count goroutines
func countGoroutines() int {
	return runtime.NumGoroutine()
}
