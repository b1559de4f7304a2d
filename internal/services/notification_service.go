package services

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Notification event types pushed to connected clients.
const (
	EventOperationStarted   = "operation_started"
	EventOperationCompleted = "operation_completed"
	EventOperationFailed    = "operation_failed"
	EventSmsReceived        = "sms_received"
	EventActivationExpired  = "activation_expired"
	EventBalanceUpdated     = "balance_updated"
	EventRechargeCompleted  = "recharge_completed"
)

type Notification struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type sseClient struct {
	customerID  int
	events      chan []byte
	connectedAt time.Time
}

// NotificationService fans lifecycle and ledger events out to connected SSE
// sessions. Delivery is best effort: a slow or absent client never blocks the
// caller, and failures are only logged.
type NotificationService struct {
	mu      sync.RWMutex
	clients map[int][]*sseClient

	heartbeatInterval time.Duration
}

func NewNotificationService() *NotificationService {
	return &NotificationService{
		clients:           make(map[int][]*sseClient),
		heartbeatInterval: 30 * time.Second,
	}
}

// SendToCustomer pushes an event to every connected session of one customer.
// Fire and forget: events to saturated sessions are dropped.
func (s *NotificationService) SendToCustomer(customerID int, notification Notification) {
	payload, err := json.Marshal(notification)
	if err != nil {
		log.Printf("[Notifications] Failed to encode event: %v", err)
		return
	}

	s.mu.RLock()
	clients := s.clients[customerID]
	s.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	for _, client := range clients {
		select {
		case client.events <- payload:
		default:
			log.Printf("[Notifications] Dropping event for slow client (customer %d)", customerID)
		}
	}
}

// Broadcast pushes an event to every connected session.
func (s *NotificationService) Broadcast(notification Notification) {
	s.mu.RLock()
	customerIDs := make([]int, 0, len(s.clients))
	for id := range s.clients {
		customerIDs = append(customerIDs, id)
	}
	s.mu.RUnlock()

	for _, id := range customerIDs {
		s.SendToCustomer(id, notification)
	}
}

// ConnectedClients reports the number of open sessions.
func (s *NotificationService) ConnectedClients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, clients := range s.clients {
		total += len(clients)
	}
	return total
}

func (s *NotificationService) addClient(customerID int) *sseClient {
	client := &sseClient{
		customerID:  customerID,
		events:      make(chan []byte, 16),
		connectedAt: time.Now(),
	}

	s.mu.Lock()
	s.clients[customerID] = append(s.clients[customerID], client)
	count := len(s.clients[customerID])
	s.mu.Unlock()

	log.Printf("[Notifications] Client connected: customer %d, total connections: %d", customerID, count)
	return client
}

func (s *NotificationService) removeClient(client *sseClient) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := s.clients[client.customerID]
	for i, c := range clients {
		if c == client {
			clients = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(clients) == 0 {
		delete(s.clients, client.customerID)
	} else {
		s.clients[client.customerID] = clients
	}
	log.Printf("[Notifications] Client disconnected: customer %d, remaining connections: %d", client.customerID, len(clients))
}

// Stream handles GET /notifications/stream — the SSE endpoint. The connection
// is kept alive with heartbeat comments every 30 seconds.
func (s *NotificationService) Stream(w http.ResponseWriter, r *http.Request) {
	customerID, ok := CustomerIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		SendErrorResponse(w, "Streaming not supported", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	client := s.addClient(customerID)
	defer s.removeClient(client)

	// Initial comment so proxies commit the stream.
	fmt.Fprint(w, ":connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case payload := <-client.events:
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
