package sse

import (
	"encoding/json"
	"sync"
	"time"

	"facecluster-go/internal/core/models"

	log "github.com/sirupsen/logrus"
)

// Client repräsentiert einen einzelnen verbundenen SSE-Client
type Client chan []byte

// Hub verwaltet die Menge der aktiven Clients und sendet Broadcasts an sie
type Hub struct {
	// Registrierte Clients
	clients map[Client]bool

	// Eingehende Nachrichten von der Anwendung
	broadcast chan []byte

	// Registrierungsanfragen von Clients
	register chan Client

	// Abmeldeanfragen von Clients
	unregister chan Client

	// Mutex zum Schutz des simultanen Zugriffs auf die Clients-Map
	mu sync.Mutex
}

// JobEventData definiert die Struktur eines Job-Updates über SSE
type JobEventData struct {
	Event        string     `json:"event"` // immer "job_update"
	JobID        uint       `json:"job_id"`
	Type         string     `json:"type"`
	CollectionID uint       `json:"collection_id"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Error        string     `json:"error,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// ClusterEventData definiert die Struktur eines Cluster-Updates über SSE
type ClusterEventData struct {
	Event        string `json:"event"` // "cluster_update"
	CollectionID uint   `json:"collection_id"`
	ClusterID    uint   `json:"cluster_id"`
	Action       string `json:"action"` // "renamed", "merged", "deleted", "member_removed"
}

// NewHub erstellt eine neue Hub-Instanz
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 100), // Puffer für 100 Nachrichten
		register:   make(chan Client),
		unregister: make(chan Client),
		clients:    make(map[Client]bool),
	}
}

// Run startet die Verarbeitungsschleife des Hubs
// Dies sollte in einer separaten Goroutine ausgeführt werden
func (h *Hub) Run() {
	log.Info("SSE Hub started and running")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Infof("SSE client registered. Total clients: %d", clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
				clientCount := len(h.clients)
				log.Infof("SSE client unregistered. Total clients: %d", clientCount)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			log.Debugf("Broadcasting message to %d SSE clients", len(h.clients))

			for client := range h.clients {
				select {
				case client <- message:
					// Nachricht erfolgreich gesendet
				default:
					// Client-Kanal ist voll oder geschlossen
					log.Warn("SSE client channel full or closed, removing client")
					delete(h.clients, client)
					close(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register registriert einen neuen Client am Hub
func (h *Hub) Register(client Client) {
	h.register <- client
}

// Unregister meldet einen Client vom Hub ab
func (h *Hub) Unregister(client Client) {
	h.unregister <- client
}

// Broadcast sendet eine Nachricht an alle registrierten Clients
func (h *Hub) Broadcast(message []byte) {
	// Blockieren vermeiden, wenn der Broadcast-Kanal voll ist
	select {
	case h.broadcast <- message:
		// Nachricht erfolgreich zum Senden in die Queue gestellt
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// NotifyJobUpdate sendet den aktuellen Zustand eines Jobs an alle Clients.
// Implementiert die Notifier-Schnittstelle der Pipeline.
func (h *Hub) NotifyJobUpdate(job *models.Job) {
	data := JobEventData{
		Event:        "job_update",
		JobID:        job.ID,
		Type:         job.Type,
		CollectionID: job.CollectionID,
		Status:       job.Status,
		Progress:     job.Progress,
		Error:        job.ErrorMessage,
		FinishedAt:   job.FinishedAt,
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Errorf("Failed to marshal job update for SSE: %v", err)
		return
	}
	h.Broadcast(jsonData)
}

// BroadcastClusterUpdate informiert die Clients über eine Änderung an einem
// Cluster (Benennung, Merge, Löschung, Mitglieds-Entfernung)
func (h *Hub) BroadcastClusterUpdate(collectionID, clusterID uint, action string) {
	data := ClusterEventData{
		Event:        "cluster_update",
		CollectionID: collectionID,
		ClusterID:    clusterID,
		Action:       action,
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Errorf("Failed to marshal cluster update for SSE: %v", err)
		return
	}
	h.Broadcast(jsonData)
}
