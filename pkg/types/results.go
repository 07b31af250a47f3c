package types

import (
	"strings"
	"time"
)

// Row is one scheduling row from the spreadsheet. Keys are lower-cased
// column headers.
type Row struct {
	Index  int // 1-based sheet row, header excluded
	Values map[string]string
}

// Get returns the trimmed value of column key.
func (r Row) Get(key string) string {
	return strings.TrimSpace(r.Values[key])
}

// Column names the runner reads and writes.
const (
	ColumnTitle       = "title"
	ColumnTopic       = "topic"
	ColumnDate        = "date"
	ColumnStatus      = "status"
	ColumnEpisodeID   = "episode_id"
	ColumnEpisodeURL  = "episode_url"
	ColumnError       = "error"
	ColumnProcessedAt = "processed_at"
)

// Row status values.
const (
	StatusPending   = "pending"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

// RowResult is the outcome of processing one row.
type RowResult struct {
	Row       int
	Title     string
	EpisodeID string
	URL       string
	Err       error
}

// RunSummary aggregates one run of the pipeline.
type RunSummary struct {
	RunID     string
	StartedAt time.Time
	Finished  time.Time
	Processed int
	Published int
	Failed    int
	Skipped   int
	Results   []RowResult
	// Aborted is set when a credential failure stopped the run early.
	Aborted error
}
