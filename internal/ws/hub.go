// Package ws fans project status events out to websocket subscribers.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/singh-krishan/idp/internal/domain"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Event is the payload pushed on every status change.
type Event struct {
	Type    string       `json:"type"`
	Project ProjectEvent `json:"project"`
}

// ProjectEvent is the project view carried by an Event.
type ProjectEvent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	TemplateType string    `json:"template_type"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RepoName     string    `json:"repo_name,omitempty"`
	RepoURL      string    `json:"repo_url,omitempty"`
	GitOpsApp    string    `json:"gitops_app,omitempty"`
	Terminal     bool      `json:"terminal"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EventTypeStatus marks a status change event.
const EventTypeStatus = "status"

// Hub manages stream subscriptions by project ID.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan chan int
	stop      chan struct{}
	stopOnce  sync.Once
	logger    *slog.Logger
}

// message couples payload with project identifier.
type message struct {
	projectID string
	payload   []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	projectID string
	client    Subscriber
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		count:     make(chan chan int),
		stop:      make(chan struct{}),
		logger:    logger.With("component", "ws_hub"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.stop:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.projectID]; !ok {
				h.clients[sub.projectID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.projectID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.projectID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.projectID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.projectID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.projectID)
				}
			}
		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		}
	}
}

// Register adds a client to a project stream.
func (h *Hub) Register(projectID string, client Subscriber) {
	select {
	case h.register <- subscription{projectID: projectID, client: client}:
	case <-h.stop:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	select {
	case h.unreg <- subscription{projectID: projectID, client: client}:
	case <-h.stop:
	}
}

// Broadcast sends payload to all project clients. It drops the payload when
// the hub is backed up so publishers never stall.
func (h *Hub) Broadcast(projectID string, payload []byte) {
	select {
	case h.broadcast <- message{projectID: projectID, payload: payload}:
	case <-h.stop:
	default:
		h.logger.Warn("event dropped, hub backlog full", "project_id", projectID)
	}
}

// Publish encodes the project as a status event and broadcasts it. Terminal
// events wait for room in the backlog instead of being dropped.
func (h *Hub) Publish(project domain.Project) {
	payload, err := json.Marshal(NewStatusEvent(project))
	if err != nil {
		h.logger.Error("failed to encode status event", "project_id", project.ID, "error", err)
		return
	}
	if !project.Status.IsTerminal() {
		h.Broadcast(project.ID, payload)
		return
	}
	select {
	case h.broadcast <- message{projectID: project.ID, payload: payload}:
	case <-h.stop:
	}
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.stop:
		return 0
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// NewStatusEvent builds the event for project.
func NewStatusEvent(project domain.Project) Event {
	return Event{
		Type: EventTypeStatus,
		Project: ProjectEvent{
			ID:           project.ID,
			Name:         project.Name,
			TemplateType: project.TemplateType,
			Status:       string(project.Status),
			ErrorMessage: project.ErrorMessage,
			RepoName:     project.RepoName,
			RepoURL:      project.RepoURL,
			GitOpsApp:    project.GitOpsApp,
			Terminal:     project.Status.IsTerminal(),
			UpdatedAt:    project.UpdatedAt,
		},
	}
}
