package model

import "time"

// Tag is the semantic category of a log entry. The UI maps tags to colors;
// entry text never carries markup.
type Tag string

const (
	TagInfo      Tag = "INFO"
	TagTradeBuy  Tag = "TRADE_BUY"
	TagTradeSell Tag = "TRADE_SELL"
	TagError     Tag = "ERROR"
)

// LogEntry is one immutable line of a component's audit log.
type LogEntry struct {
	Seq    int64     `json:"seq"`
	ID     string    `json:"id"`
	TS     time.Time `json:"ts"`
	Source string    `json:"source"` // "feed", "ledger", "runner", ...
	Tag    Tag       `json:"tag"`
	Text   string    `json:"text"`
}
