package notifier

import "time"

// Config controls owner alert delivery. Zero fields take the defaults
// applied by normalize.
type Config struct {
	Enabled bool
	Workers int
	// QueueSize bounds the outbox; Notify fails fast when it is full.
	QueueSize  int
	RatePerSec int
	// RetryMax is the number of resends after the first failed attempt.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses identical alerts to the same owner. Zero disables it.
	DedupWindow     time.Duration
	DedupMaxEntries int
	// PersistDedup keeps suppression windows in the store across restarts.
	PersistDedup bool
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	c.DedupWindow = max(c.DedupWindow, 0)
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// HistoryItem is one delivered alert.
type HistoryItem struct {
	At   time.Time
	Text string
}

const (
	TypeQueued  = "notifier.queued"
	TypeDeduped = "notifier.deduped"
	TypeDropped = "notifier.dropped"
	TypeSent    = "notifier.sent"
	TypeFailed  = "notifier.failed"
)

// NotificationEvent is the Data of notifier bus events.
type NotificationEvent struct {
	ChatID int64     `json:"chat_id"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
