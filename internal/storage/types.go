package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At         time.Time `json:"at"`
	OperatorID int64     `json:"operator_id"`
	Username   string    `json:"username,omitempty"`
	Action     string    `json:"action"`
	JobID      string    `json:"job_id,omitempty"`
	Target     string    `json:"target,omitempty"`
	OK         int       `json:"ok,omitempty"`
	Fail       int       `json:"fail,omitempty"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms,omitempty"`
}

// RunRecord is the persisted summary of one finished broadcast.
type RunRecord struct {
	JobID       string    `json:"job_id"`
	OperatorID  int64     `json:"operator_id"`
	Total       int       `json:"total"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Cancelled   bool      `json:"cancelled"`
	Buttons     int       `json:"buttons"`
	BodyPreview string    `json:"body_preview,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	DoneAt      time.Time `json:"done_at"`
}
