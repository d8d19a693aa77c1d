// Package events publishes index-change events so downstream consumers
// (search, notifications, audit) can follow what the index manager did.
package events

import "time"

type EventType string

const (
	EventRecordPut        EventType = "record.put"
	EventRecordRemoved    EventType = "record.removed"
	EventAttributeUpdated EventType = "attribute.updated"
	EventIndexRebuilt     EventType = "index.rebuilt"
)

// IndexEvent describes one successful mutation of records or indexes.
type IndexEvent struct {
	Type       EventType `json:"type"`
	EntityType string    `json:"entity_type"`
	ID         string    `json:"id,omitempty"`
	Attribute  string    `json:"attribute,omitempty"`
	OldValue   any       `json:"old_value,omitempty"`
	NewValue   any       `json:"new_value,omitempty"`
	Drift      int       `json:"drift,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
}

// Key is the partition key: events of one record stay ordered.
func (e IndexEvent) Key() string {
	if e.ID == "" {
		return e.EntityType
	}
	return e.EntityType + ":" + e.ID
}
