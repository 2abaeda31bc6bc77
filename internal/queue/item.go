// Package queue implements the durable outbound email queue and its processor.
package queue

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a queue item.
type Status string

// Item statuses. Sent and Dead are terminal: an item observed in either
// state is never claimed or mutated again by normal processing.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Item is one unit of outbound email work. Recipient, TemplateRef and
// Payload are opaque to the processor and passed through to the delivery
// gateway unmodified.
type Item struct {
	ID            string
	Recipient     string
	TemplateRef   string
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LockToken     string
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Stats holds queue item counts by status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Dead       int64 `json:"dead"`
}
