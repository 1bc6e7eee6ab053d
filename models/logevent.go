package models

// TypeLogEvent is the canonical entity type name for [LogEvent].
const TypeLogEvent = "log_event"

// LogEvent is an append-only entity: once a peer holds a copy, incoming sync
// updates for the same SyncID are ignored without error. New events still
// sync normally in both directions.
type LogEvent struct {
	SyncMeta

	Level   string `json:"level"`
	Message string `json:"message"`
}

// EntityType implements [Entity].
func (l *LogEvent) EntityType() string { return TypeLogEvent }
