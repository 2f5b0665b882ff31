package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// HistoryItem is one delivered notification, kept for operator visibility.
type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
}

// NotificationEvent is published on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Queued  int
	Sent    uint64
	Failed  uint64
	Dropped uint64
}
