// Package domain holds the data contracts shared across the extraction
// pipeline: the four-level record tree, per-category sync state, and
// run-level summaries. These types carry no behavior beyond small
// convenience accessors; every component exchanges them by value.
package domain

import (
	"time"
)

// Category is a top-level partition of the remote dataset. The category
// set is fixed at configuration time; each category owns an independent
// sync marker.
type Category struct {
	ID    string `json:"id" yaml:"id" validate:"required"`
	Label string `json:"label" yaml:"label" validate:"required"`
}

// Record is the unit of incremental tracking within a category.
// Within a category listing, records are returned newest-first; that
// ordering is what the incremental cutoff relies on.
type Record struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Summary    map[string]any `json:"summary,omitempty"`
	// Partial marks a record whose sub-record or leaf-record descent
	// failed after retries; the record is structurally present but
	// incomplete.
	Partial  bool        `json:"partial,omitempty"`
	Children []SubRecord `json:"children,omitempty"`
}

// SubRecord is the middle nesting level (a segment of a record).
type SubRecord struct {
	ID       string       `json:"id"`
	Sequence int          `json:"sequence"`
	Children []LeafRecord `json:"children,omitempty"`
}

// LeafRecord is the finest captured unit within a sub-record.
type LeafRecord struct {
	Sequence     int            `json:"sequence"`
	Measurements map[string]any `json:"measurements,omitempty"`
	Events       []LeafEvent    `json:"events,omitempty"`
}

// LeafEvent is an atomic event nested inside a leaf record.
type LeafEvent struct {
	Sequence int    `json:"sequence"`
	Kind     string `json:"kind"`
	Value    string `json:"value,omitempty"`
}

// LeafCount returns the number of leaf records across all sub-records.
func (r Record) LeafCount() int {
	n := 0
	for _, sub := range r.Children {
		n += len(sub.Children)
	}
	return n
}

// SyncState is the persisted per-category high-water mark plus run
// bookkeeping. It is owned and mutated exclusively by the state store;
// the traversal engine only ever reads it.
type SyncState struct {
	CategoryID         string       `json:"category_id"`
	LastSeenRecordID   *string      `json:"last_seen_record_id"`
	LastSyncAt         time.Time    `json:"last_sync_at"`
	TotalRecordsSynced int          `json:"total_records_synced"`
	RunHistory         []RunOutcome `json:"run_history,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Marker returns the last seen record id, or "" when the category has
// never been synced.
func (s SyncState) Marker() string {
	if s.LastSeenRecordID == nil {
		return ""
	}
	return *s.LastSeenRecordID
}

// RunOutcome is one bounded entry in a category's run history.
type RunOutcome struct {
	RunID          string    `json:"run_id"`
	Timestamp      time.Time `json:"timestamp"`
	RecordsFetched int       `json:"records_fetched"`
	RecordFailures int       `json:"record_failures"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
}

// CategoryResult is the per-category slice of a run summary.
type CategoryResult struct {
	CategoryID     string `json:"category_id"`
	RecordsFetched int    `json:"records_fetched"`
	SubRecords     int    `json:"sub_records"`
	LeafRecords    int    `json:"leaf_records"`
	PartialRecords int    `json:"partial_records"`
	RecordFailures int    `json:"record_failures"`
	Anomalies      int    `json:"anomalies"`
	// Marker is the committed high-water mark after this run
	// ("" when the category has never completed a sync).
	Marker       string `json:"marker,omitempty"`
	FatalFailure string `json:"fatal_failure,omitempty"`
}

// RunSummary is the aggregate outcome of one pipeline invocation.
type RunSummary struct {
	RunID       string           `json:"run_id"`
	StartedAt   time.Time        `json:"started_at"`
	Elapsed     time.Duration    `json:"elapsed"`
	Interrupted bool             `json:"interrupted"`
	Categories  []CategoryResult `json:"categories"`
}

// TotalFetched sums records fetched across categories.
func (s RunSummary) TotalFetched() int {
	n := 0
	for _, c := range s.Categories {
		n += c.RecordsFetched
	}
	return n
}

// FatalFailures returns the results of categories that failed fatally.
func (s RunSummary) FatalFailures() []CategoryResult {
	var out []CategoryResult
	for _, c := range s.Categories {
		if c.FatalFailure != "" {
			out = append(out, c)
		}
	}
	return out
}

// OK reports whether every category completed without a fatal failure.
// Record-level failures still count as success.
func (s RunSummary) OK() bool {
	return len(s.FatalFailures()) == 0
}
