package model

import (
	"encoding/json"
	"time"
)

// EventKind classifies an engine event.
type EventKind string

const (
	EventSignal EventKind = "signal"
	EventEntry  EventKind = "entry"
	EventExit   EventKind = "exit"
	EventInfo   EventKind = "info"
	EventError  EventKind = "error"
)

// Event is one structured record emitted by the backtest or forward engine.
// Downstream consumers (UI, notification, log sinks) receive these; the
// engines themselves never format for a specific consumer.
type Event struct {
	Time       time.Time  `json:"time"`
	Kind       EventKind  `json:"kind"`
	OptionType OptionType `json:"option_type,omitempty"`
	Message    string     `json:"message"`
}

// JSON returns the JSON-encoded event (ignoring errors for hot-path usage).
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
