// Package events provides structured campaign events for dashboards and for
// other fuzzing processes sharing the same campaign.
package events

import "time"

// EventType identifies the kind of event.
type EventType string

const (
	EventCampaign EventType = "campaign"
	EventNovelty  EventType = "novelty"
	EventStats    EventType = "stats"
	EventImport   EventType = "import"
	EventError    EventType = "error"
)

// Envelope wraps every emitted event with type, campaign and timestamp.
type Envelope struct {
	Type      EventType   `json:"type"`
	Campaign  string      `json:"campaign,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

func newEnvelope(campaign string, eventType EventType, data interface{}) Envelope {
	return Envelope{
		Type:      eventType,
		Campaign:  campaign,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// CampaignData is the payload for campaign events.
type CampaignData struct {
	State   string `json:"state"`
	Workers int    `json:"workers,omitempty"`
	Corpus  int    `json:"corpus,omitempty"`
}

// NoveltyData is the payload for novelty events, emitted when an execution
// added states or transitions to the graph.
type NoveltyData struct {
	Input          string `json:"input,omitempty"`
	NewStates      int    `json:"new_states"`
	NewTransitions int    `json:"new_transitions"`
	Nodes          int    `json:"nodes"`
	Edges          int    `json:"edges"`
}

// StatsData is the payload for stats events.
type StatsData struct {
	Nodes       int     `json:"nodes"`
	Edges       int     `json:"edges"`
	Executions  uint64  `json:"executions"`
	ExecsPerSec float64 `json:"execs_per_sec"`
	Corpus      int     `json:"corpus"`
	UptimeSec   float64 `json:"uptime_sec"`
}

// ImportData is the payload for import events.
type ImportData struct {
	Source   string         `json:"source"`
	Records  int            `json:"records"`
	Sessions int            `json:"sessions"`
	Messages int            `json:"messages"`
	Skipped  map[string]int `json:"skipped,omitempty"`
}

// ErrorData is the payload for error events.
type ErrorData struct {
	Message string `json:"message"`
}

// Emitter is the interface for emitting structured events.
type Emitter interface {
	Emit(eventType EventType, data interface{})
	Close() error
}

// OrNop returns e, or a NopEmitter if e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return NopEmitter{}
	}
	return e
}
