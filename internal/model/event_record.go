// internal/model/event_record.go
package model

import "time"

// Delivery states of an EventRecord.
const (
	StatePending   = "pending"
	StateForwarded = "forwarded"
	StateFailed    = "failed"
)

// EventRecord is one captured inbound message and its delivery outcome.
type EventRecord struct {
	ID              string    `db:"id" json:"id"`
	OriginAddress   string    `db:"origin_address" json:"originAddress"`
	Content         string    `db:"content" json:"content"`
	ReceivedAt      time.Time `db:"received_at" json:"receivedAt"`
	ChannelSlot     int       `db:"channel_slot" json:"channelSlot"`
	ChannelType     string    `db:"channel_type" json:"channelType"`
	State           string    `db:"state" json:"state"` // pending, forwarded, failed
	TargetsNotified []string  `db:"targets_notified" json:"targetsNotified"`
	LastError       string    `db:"last_error,omitempty" json:"lastError,omitempty"`
}

// StateFor derives the delivery state from the set of notified targets.
func StateFor(notified []string) string {
	if len(notified) > 0 {
		return StateForwarded
	}
	return StateFailed
}

// EventFilter narrows an event query. Zero values mean "no constraint".
type EventFilter struct {
	Origin string
	State  string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// EventStats are the counters shown on the home screen of the original app.
type EventStats struct {
	Total     int `json:"total"`
	Forwarded int `json:"forwarded"`
}
