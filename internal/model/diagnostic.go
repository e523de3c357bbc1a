// internal/model/diagnostic.go
package model

import "time"

type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// DiagnosticEntry is an append-only runtime log row.
type DiagnosticEntry struct {
	ID        int64     `db:"id" json:"id"`
	Timestamp time.Time `db:"logged_at" json:"timestamp"`
	Level     LogLevel  `db:"level" json:"level"`
	Tag       string    `db:"tag" json:"tag"`
	Message   string    `db:"message" json:"message"`
	Detail    string    `db:"detail,omitempty" json:"detail,omitempty"`
}

// DiagnosticFilter narrows a diagnostic query. An empty Level means all levels.
type DiagnosticFilter struct {
	Level LogLevel
	Tag   string
	Since time.Time
	Until time.Time
	Limit int
}
