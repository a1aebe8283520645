// Package session defines the authenticated remote session capability
// consumed by the traversal engine, and provides a chromedp-backed
// implementation of it. Everything above this package treats a session
// as the five opaque operations below.
package session

import (
	"context"
	"time"

	"huntsync/internal/domain"
)

// ListingEntry is one row of a category's record listing: enough to
// decide the incremental cutoff without fetching the record itself.
type ListingEntry struct {
	RecordID   string
	OccurredAt time.Time
	Summary    map[string]any
}

// Session is the authenticated browser-backed capability the pipeline
// traverses through.
//
// Contract: ListRecords returns entries in a stable reverse-chronological
// order (newest first). The incremental cutoff depends on that ordering;
// if the remote source cannot guarantee it, correctness of incremental
// sync is not guaranteed. Sessions hold implicit navigation state
// (current page, selected tab) and must not be shared across concurrent
// traversals.
//
// All operations return errors classified by the errors package:
// transient failures may be retried by the caller, permanent failures
// must not be.
type Session interface {
	// Authenticate logs in. Must be called before any other operation.
	Authenticate(ctx context.Context) error

	// ListRecords returns the record listing for a category, newest
	// first. sinceMarker is advisory: implementations may use it to
	// truncate server-side, but callers never rely on that.
	ListRecords(ctx context.Context, categoryID, sinceMarker string) ([]ListingEntry, error)

	// FetchRecordDetail returns the record shell (summary fields, no
	// children) and navigates the session to the record's detail view.
	FetchRecordDetail(ctx context.Context, recordID string) (domain.Record, error)

	// FetchSubRecords returns the sub-records of the record currently
	// in view, without leaf children, in natural sequence order.
	FetchSubRecords(ctx context.Context, recordID string) ([]domain.SubRecord, error)

	// FetchLeafRecords returns the leaf records of one sub-record in
	// natural sequence order.
	FetchLeafRecords(ctx context.Context, subID string) ([]domain.LeafRecord, error)

	// Close releases the underlying browser resources.
	Close() error
}

// Factory hands out sessions. Implementations that can provide isolated
// concurrent sessions report so via Concurrent; otherwise the
// orchestrator runs all categories over one session sequentially.
type Factory interface {
	New(ctx context.Context) (Session, error)
	Concurrent() bool
}
