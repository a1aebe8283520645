package export

import (
	"time"

	"huntsync/internal/domain"
)

// FormatVersion identifies the nested document schema. Bump it when a
// field changes meaning so downstream consumers can branch.
const FormatVersion = "1"

// Document is the nested JSON export: the full record tree for every
// category touched by a run, plus run identity.
type Document struct {
	RunID          string        `json:"run_id"`
	RunTimestamp   time.Time     `json:"run_timestamp"`
	FormatVersion  string        `json:"format_version"`
	RunInterrupted bool          `json:"run_interrupted,omitempty"`
	Categories     []CategoryDoc `json:"categories"`
}

// CategoryDoc is one category's slice of the nested document.
type CategoryDoc struct {
	CategoryID string          `json:"category_id"`
	Label      string          `json:"label"`
	Marker     string          `json:"marker,omitempty"`
	Records    []domain.Record `json:"records"`
}

// BuildDocument assembles the nested document from per-category data.
// Categories keep their input order; records within a category are
// sorted oldest-first for deterministic output.
func BuildDocument(runID string, startedAt time.Time, interrupted bool, data []CategoryData, markers map[string]string) Document {
	doc := Document{
		RunID:          runID,
		RunTimestamp:   startedAt.UTC(),
		FormatVersion:  FormatVersion,
		RunInterrupted: interrupted,
		Categories:     make([]CategoryDoc, 0, len(data)),
	}
	for _, d := range data {
		records := sortRecords(d.Records)
		if records == nil {
			records = []domain.Record{}
		}
		doc.Categories = append(doc.Categories, CategoryDoc{
			CategoryID: d.Category.ID,
			Label:      d.Category.Label,
			Marker:     markers[d.Category.ID],
			Records:    records,
		})
	}
	return doc
}
