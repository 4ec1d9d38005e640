package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/singh-krishan/idp/internal/domain"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
	got      chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{got: make(chan struct{}, 8)}
}

func (s *recordingSubscriber) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.payloads = append(s.payloads, p)
	s.got <- struct{}{}
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestPublishDeliversStatusEvent(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	sub := newRecordingSubscriber()
	other := newRecordingSubscriber()
	hub.Register("p1", sub)
	hub.Register("p2", other)

	hub.Publish(domain.Project{ID: "p1", Name: "svc", Status: domain.StatusActive, RepoURL: "https://gitlab.local/svc"})

	select {
	case <-sub.got:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	var ev Event
	if err := json.Unmarshal(sub.payloads[0], &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != EventTypeStatus || ev.Project.Status != "active" || !ev.Project.Terminal {
		t.Fatalf("unexpected event %+v", ev)
	}
	if len(other.payloads) != 0 {
		t.Fatal("event leaked to another project's subscriber")
	}
}

func TestBrokenSubscriberIsDropped(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	sub := newRecordingSubscriber()
	sub.fail = true
	hub.Register("p1", sub)

	hub.Broadcast("p1", []byte(`{}`))

	deadline := time.Now().Add(time.Second)
	for hub.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Subscribers() != 0 || !sub.isClosed() {
		t.Fatal("broken subscriber should be closed and removed")
	}
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	hub := NewHub(nil)
	sub := newRecordingSubscriber()
	hub.Register("p1", sub)
	hub.Close()

	deadline := time.Now().Add(time.Second)
	for !sub.isClosed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !sub.isClosed() {
		t.Fatal("subscriber not closed on hub shutdown")
	}
	hub.Broadcast("p1", []byte(`{}`))
}

func TestPublishWaitsForRoomForTerminalEvents(t *testing.T) {
	h := &Hub{
		broadcast: make(chan message, 1),
		stop:      make(chan struct{}),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.broadcast <- message{projectID: "p1", payload: []byte("backlog")}

	h.Publish(domain.Project{ID: "p1", Status: domain.StatusBuilding})
	if len(h.broadcast) != 1 {
		t.Fatalf("non-terminal event should be dropped when the backlog is full")
	}

	done := make(chan struct{})
	go func() {
		h.Publish(domain.Project{ID: "p1", Status: domain.StatusFailed, ErrorMessage: "building: CI pipeline failed"})
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("terminal event should wait for room instead of being dropped")
	case <-time.After(50 * time.Millisecond):
	}

	<-h.broadcast
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("terminal event was not queued once room was available")
	}
	msg := <-h.broadcast
	var ev Event
	if err := json.Unmarshal(msg.payload, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Project.Status != string(domain.StatusFailed) || !ev.Project.Terminal {
		t.Fatalf("unexpected queued event %+v", ev.Project)
	}
}

func TestCloseIsSafeFromConcurrentCallers(t *testing.T) {
	hub := NewHub(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Close()
		}()
	}
	wg.Wait()
	if n := hub.Subscribers(); n != 0 {
		t.Fatalf("closed hub reports %d subscribers", n)
	}
}
