// Package events publishes session lifecycle events of a Producer.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind identifies a session event
type Kind string

const (
	KindStarted        Kind = "started"
	KindStopped        Kind = "stopped"
	KindReconfigured   Kind = "reconfigured"
	KindBitrateChanged Kind = "bitrate_changed"
	KindFailed         Kind = "failed"
)

// Event is one session lifecycle event
type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Owner     string    `json:"owner,omitempty"`
	Target    string    `json:"target,omitempty"`
	Width     uint32    `json:"width,omitempty"`
	Height    uint32    `json:"height,omitempty"`
	Framerate uint32    `json:"framerate,omitempty"`
	Bitrate   uint32    `json:"bitrate,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ToJSON serializes the event
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives events. Publish must not block the caller.
type Sink interface {
	Publish(Event)
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(Event) {}

// Memory keeps every event in memory
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns a copy of the recorded events
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Kinds returns the kinds of the recorded events, in order
func (m *Memory) Kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Kind, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Kind
	}
	return out
}
