// Package traverse walks one category of the remote hierarchy and
// produces the new records since the category's sync marker, fully
// descended into sub-records and leaf records.
package traverse

import (
	"context"
	"log/slog"
	"sort"

	"huntsync/internal/domain"
	"huntsync/internal/errors"
	"huntsync/internal/governor"
	"huntsync/internal/session"
)

// Config bounds a traversal.
type Config struct {
	// MaxFirstRunRecords caps the record count when the category has
	// never been synced (nil marker), so the first run does not pull
	// unbounded history.
	MaxFirstRunRecords int
}

// RecordFailure describes a record skipped after retries were
// exhausted, or a descent failure that left a record partial.
type RecordFailure struct {
	RecordID string `json:"record_id"`
	Op       string `json:"op"`
	Message  string `json:"message"`
}

// Result is the outcome of walking one category.
type Result struct {
	// Records are the captured new records, oldest first. Records with
	// Partial set were exported incompletely but still count as
	// captured for marker advancement.
	Records []domain.Record
	// ProposedMarker is the record id the sync marker may advance to,
	// or nil when no advancement is safe.
	ProposedMarker *string
	// Failures lists records dropped or left partial.
	Failures []RecordFailure
	// Anomalies lists detected listing oddities (duplicate ids,
	// non-monotonic ordering). They never fail the run.
	Anomalies []*errors.PipelineError
	// Interrupted is set when cancellation stopped the walk at a
	// record boundary before the listing was exhausted.
	Interrupted bool
}

// Engine walks categories through a session, with every remote call
// paced and retried by the governor.
type Engine struct {
	session session.Session
	gov     *governor.Governor
	cfg     Config
	logger  *slog.Logger
}

// New creates an Engine.
func New(sess session.Session, gov *governor.Governor, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxFirstRunRecords <= 0 {
		cfg.MaxFirstRunRecords = 500
	}
	return &Engine{session: sess, gov: gov, cfg: cfg, logger: logger}
}

// Walk produces the new records for a category given its current
// marker ("" means never synced).
//
// The listing is scanned newest-first to find the cutoff, then descent
// runs oldest-first so an interrupted run can commit the contiguous
// prefix of completed records without skipping anything. A fatal error
// (listing unavailable after retries) aborts the category; descent
// failures degrade individual records instead.
func (e *Engine) Walk(ctx context.Context, category domain.Category, lastSeen string) (*Result, error) {
	res := &Result{}

	var listing []session.ListingEntry
	err := e.gov.Do(ctx, governor.TierCategory, "list_records", func(ctx context.Context) error {
		var lerr error
		listing, lerr = e.session.ListRecords(ctx, category.ID, lastSeen)
		return lerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Fatal("list_records", "record listing unavailable", err).WithCategory(category.ID)
	}

	newEntries := e.cutoff(category.ID, listing, lastSeen, res)
	if len(newEntries) == 0 {
		e.logger.Info("no new records",
			slog.String("category", category.ID),
			slog.Int("listing_size", len(listing)))
		return res, nil
	}

	// Descend oldest-first. newEntries is newest-first from the
	// listing; reverse it.
	for i, j := 0, len(newEntries)-1; i < j; i, j = i+1, j-1 {
		newEntries[i], newEntries[j] = newEntries[j], newEntries[i]
	}

	markerBlocked := false
	for _, entry := range newEntries {
		if ctx.Err() != nil {
			// Cancellation is honored at record boundaries only; an
			// in-flight record always completes, but no new descent
			// starts under a cancelled context.
			res.Interrupted = true
			e.logger.Warn("walk interrupted at record boundary",
				slog.String("category", category.ID),
				slog.Int("records_captured", len(res.Records)))
			break
		}

		rec, captured := e.descend(ctx, category.ID, entry, res)
		if !captured {
			// A dropped record breaks the marker-advancement chain:
			// advancing past it would silently skip it forever.
			markerBlocked = true
			continue
		}
		res.Records = append(res.Records, rec)
		if !markerBlocked {
			id := rec.ID
			res.ProposedMarker = &id
		}
	}

	e.logger.Info("category walk complete",
		slog.String("category", category.ID),
		slog.Int("new_records", len(res.Records)),
		slog.Int("failures", len(res.Failures)),
		slog.Int("anomalies", len(res.Anomalies)),
		slog.Bool("interrupted", res.Interrupted))
	return res, nil
}

// cutoff scans the newest-first listing and returns the entries newer
// than lastSeen, still newest-first. With no marker the scan is capped
// at MaxFirstRunRecords. A listing shorter than expected is treated as
// exhaustion, not failure.
func (e *Engine) cutoff(categoryID string, listing []session.ListingEntry, lastSeen string, res *Result) []session.ListingEntry {
	seen := make(map[string]bool, len(listing))
	var out []session.ListingEntry

	for _, entry := range listing {
		if lastSeen != "" && entry.RecordID == lastSeen {
			// Everything visited so far is new; everything at or
			// after the marker is already captured.
			break
		}
		if seen[entry.RecordID] {
			anom := errors.Anomaly("list_records", "duplicate record id in listing: "+entry.RecordID).WithCategory(categoryID)
			res.Anomalies = append(res.Anomalies, anom)
			e.logger.Warn("listing anomaly",
				slog.String("category", categoryID),
				slog.String("detail", anom.Message))
			continue
		}
		seen[entry.RecordID] = true

		if lastSeen == "" && len(out) >= e.cfg.MaxFirstRunRecords {
			e.logger.Warn("first-run record cap reached",
				slog.String("category", categoryID),
				slog.Int("cap", e.cfg.MaxFirstRunRecords))
			break
		}
		out = append(out, entry)
	}

	// Ordering sanity check: occurredAt should be non-increasing in a
	// newest-first listing. Violations are anomalies, not failures.
	for i := 1; i < len(out); i++ {
		prev, cur := out[i-1], out[i]
		if !prev.OccurredAt.IsZero() && !cur.OccurredAt.IsZero() && cur.OccurredAt.After(prev.OccurredAt) {
			anom := errors.Anomaly("list_records", "listing not newest-first between "+prev.RecordID+" and "+cur.RecordID).WithCategory(categoryID)
			res.Anomalies = append(res.Anomalies, anom)
			e.logger.Warn("listing anomaly",
				slog.String("category", categoryID),
				slog.String("detail", anom.Message))
		}
	}

	return out
}

// descend fetches one record's detail, sub-records and leaf records.
// Returns the record and whether it was captured at all. A detail
// failure drops the record; a sub/leaf failure leaves it partial.
func (e *Engine) descend(ctx context.Context, categoryID string, entry session.ListingEntry, res *Result) (domain.Record, bool) {
	var rec domain.Record
	err := e.gov.Do(ctx, governor.TierRecord, "fetch_record_detail", func(ctx context.Context) error {
		var ferr error
		rec, ferr = e.session.FetchRecordDetail(ctx, entry.RecordID)
		return ferr
	})
	if err != nil {
		res.Failures = append(res.Failures, RecordFailure{
			RecordID: entry.RecordID,
			Op:       "fetch_record_detail",
			Message:  err.Error(),
		})
		e.logger.Error("record dropped",
			slog.String("category", categoryID),
			slog.String("record", entry.RecordID),
			slog.String("error", err.Error()))
		return domain.Record{}, false
	}

	// Prefer listing metadata when the detail view lacks it.
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = entry.OccurredAt
	}
	if rec.Summary == nil {
		rec.Summary = entry.Summary
	}

	var subs []domain.SubRecord
	err = e.gov.Do(ctx, governor.TierPage, "fetch_sub_records", func(ctx context.Context) error {
		var ferr error
		subs, ferr = e.session.FetchSubRecords(ctx, rec.ID)
		return ferr
	})
	if err != nil {
		rec.Partial = true
		res.Failures = append(res.Failures, RecordFailure{
			RecordID: rec.ID,
			Op:       "fetch_sub_records",
			Message:  err.Error(),
		})
		return rec, true
	}

	sort.SliceStable(subs, func(i, j int) bool { return subs[i].Sequence < subs[j].Sequence })

	for i := range subs {
		sub := &subs[i]
		var leaves []domain.LeafRecord
		err = e.gov.Do(ctx, governor.TierPage, "fetch_leaf_records", func(ctx context.Context) error {
			var ferr error
			leaves, ferr = e.session.FetchLeafRecords(ctx, sub.ID)
			return ferr
		})
		if err != nil {
			rec.Partial = true
			res.Failures = append(res.Failures, RecordFailure{
				RecordID: rec.ID,
				Op:       "fetch_leaf_records",
				Message:  err.Error(),
			})
			continue
		}
		sort.SliceStable(leaves, func(a, b int) bool { return leaves[a].Sequence < leaves[b].Sequence })
		sub.Children = leaves
	}
	rec.Children = subs

	return rec, true
}
