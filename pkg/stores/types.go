package stores

import (
	"time"

	"github.com/busyhq/busyrt/pkg/engine"
)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ExecutionSummary is the indexed part of a stored execution, without the
// step records.
type ExecutionSummary struct {
	ID           string                `json:"id"`
	PlaybookName string                `json:"playbook_name"`
	Status       engine.PlaybookStatus `json:"status"`
	CurrentStep  int                   `json:"current_step"`
	StartedAt    time.Time             `json:"started_at"`
	EndedAt      *time.Time            `json:"ended_at,omitempty"`
	Error        *string               `json:"error,omitempty"`
}

// ExecutionFilter narrows ListExecutionSummaries. Zero fields match all.
type ExecutionFilter struct {
	PlaybookName string
	Status       engine.PlaybookStatus
	Limit        int
	Offset       int
}

// EventQuery narrows GetEvents. Zero fields match all.
type EventQuery struct {
	ExecutionID string
	StepID      string
	Type        string
	Level       string
	Limit       int
	Offset      int
}
