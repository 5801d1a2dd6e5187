// Package events publishes pipeline lifecycle events over NATS so other
// systems (dashboards, notifiers) can follow task progress without polling
// the API. Publishing is fire-and-forget; a broken bus never blocks the
// pipeline.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/packflow/internal/logfields"
)

// TaskEvent is emitted on task state changes.
type TaskEvent struct {
	ID      string    `json:"id"`
	TaskID  int64     `json:"task_id"`
	Project string    `json:"project"`
	Mode    string    `json:"mode"`
	Status  string    `json:"status"`
	Step    string    `json:"step,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// CloneEvent is emitted on project clone-lifecycle changes.
type CloneEvent struct {
	ID        string    `json:"id"`
	ProjectID int64     `json:"project_id"`
	Project   string    `json:"project"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher emits pipeline events.
type Publisher interface {
	PublishTask(ev TaskEvent)
	PublishClone(ev CloneEvent)
	Close()
}

// Nop drops all events. Used when no bus is configured.
type Nop struct{}

func (Nop) PublishTask(TaskEvent)   {}
func (Nop) PublishClone(CloneEvent) {}
func (Nop) Close()                  {}

// NATSPublisher emits events as JSON on packflow.task.* and packflow.clone.*
// subjects.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to the bus at url.
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	slog.Info("Connected to event bus", logfields.URL(url))
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) PublishTask(ev TaskEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	p.publish("packflow.task."+ev.Status, ev)
}

func (p *NATSPublisher) PublishClone(ev CloneEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	p.publish("packflow.clone."+ev.State, ev)
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *NATSPublisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Event encode failed", slog.String("subject", subject), logfields.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		slog.Warn("Event publish failed", slog.String("subject", subject), logfields.Error(err))
	}
}
