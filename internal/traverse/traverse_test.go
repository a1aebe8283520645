package traverse

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huntsync/internal/config"
	"huntsync/internal/domain"
	"huntsync/internal/errors"
	"huntsync/internal/governor"
	"huntsync/internal/session"
)

// fakeSession serves a scripted listing and record tree. Individual
// operations can be made to fail per record or sub-record id.
type fakeSession struct {
	listing     []session.ListingEntry
	subs        map[string][]domain.SubRecord
	leaves      map[string][]domain.LeafRecord
	detailFails map[string]error
	subFails    map[string]error
	leafFails   map[string]error

	detailCalls []string
}

func (f *fakeSession) Authenticate(ctx context.Context) error { return nil }
func (f *fakeSession) Close() error                           { return nil }

func (f *fakeSession) ListRecords(ctx context.Context, categoryID, sinceMarker string) ([]session.ListingEntry, error) {
	return f.listing, nil
}

func (f *fakeSession) FetchRecordDetail(ctx context.Context, recordID string) (domain.Record, error) {
	f.detailCalls = append(f.detailCalls, recordID)
	if err := f.detailFails[recordID]; err != nil {
		return domain.Record{}, err
	}
	return domain.Record{ID: recordID, Summary: map[string]any{"score": 42}}, nil
}

func (f *fakeSession) FetchSubRecords(ctx context.Context, recordID string) ([]domain.SubRecord, error) {
	if err := f.subFails[recordID]; err != nil {
		return nil, err
	}
	return f.subs[recordID], nil
}

func (f *fakeSession) FetchLeafRecords(ctx context.Context, subID string) ([]domain.LeafRecord, error) {
	if err := f.leafFails[subID]; err != nil {
		return nil, err
	}
	return f.leaves[subID], nil
}

func listing(ids ...string) []session.ListingEntry {
	out := make([]session.ListingEntry, 0, len(ids))
	// Newest first: give descending timestamps.
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range ids {
		out = append(out, session.ListingEntry{
			RecordID:   id,
			OccurredAt: base.Add(-time.Duration(i) * time.Hour),
		})
	}
	return out
}

func newEngine(t *testing.T, sess session.Session, cfg Config) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	gov := governor.New(config.GovernorConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, logger)
	return New(sess, gov, cfg, logger)
}

func markerOf(t *testing.T, res *Result) string {
	t.Helper()
	require.NotNil(t, res.ProposedMarker)
	return *res.ProposedMarker
}

func recordIDs(records []domain.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestWalkStopsAtMarker(t *testing.T) {
	sess := &fakeSession{listing: listing("r5", "r4", "r3", "r2", "r1")}
	e := newEngine(t, sess, Config{})

	res, err := e.Walk(context.Background(), domain.Category{ID: "singles"}, "r3")
	require.NoError(t, err)

	assert.Equal(t, []string{"r4", "r5"}, recordIDs(res.Records), "new records come back oldest-first")
	assert.Equal(t, "r5", markerOf(t, res))
	assert.Empty(t, res.Failures)
	assert.ElementsMatch(t, []string{"r4", "r5"}, sess.detailCalls, "already-seen records are never fetched")
}

func TestWalkIdempotentWhenNothingNew(t *testing.T) {
	sess := &fakeSession{listing: listing("r5", "r4", "r3")}
	e := newEngine(t, sess, Config{})

	res, err := e.Walk(context.Background(), domain.Category{ID: "singles"}, "r5")
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Nil(t, res.ProposedMarker, "marker must not move when nothing is new")
	assert.Empty(t, sess.detailCalls)
}

func TestWalkFirstRunCap(t *testing.T) {
	sess := &fakeSession{listing: listing("r9", "r8", "r7", "r6", "r5")}
	e := newEngine(t, sess, Config{MaxFirstRunRecords: 3})

	res, err := e.Walk(context.Background(), domain.Category{ID: "singles"}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"r7", "r8", "r9"}, recordIDs(res.Records), "cap keeps the newest records")
	assert.Equal(t, "r9", markerOf(t, res))
}

func TestWalkEmptyListing(t *testing.T) {
	sess := &fakeSession{}
	e := newEngine(t, sess, Config{})

	res, err := e.Walk(context.Background(), domain.Category{ID: "singles"}, "")
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Nil(t, res.ProposedMarker)
}

func TestWalkDuplicateListingEntry(t *testing.T) {
	sess := &fakeSession{listing: listing("r3", "r2", "r2", "r1")}
	e := newEngine(t, sess, Config{})

	res, err := e.Walk(context.Background(), domain.Category{ID: "singles"}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"r1", "r2", "r3"}, recordIDs(res.Records), "second occurrence is skipped")
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, errors.ClassAnomaly, res.Anomalies[0].Class)
	assert.Equal(t, "singles", res.Anomalies[0].CategoryID)
	assert.Contains(t, res.Anomalies[0].Message, "r2")
}

func TestWalkDetailFailureBlocksMarker(t *testing.T) {
	// Oldest new record is r1; its detail fetch fails permanently, so
	// the marker cannot advance past it even though r2 and r3 were
	// captured.
	sess := &fakeSession{
		listing:     listing("r3", "r2", "r1"),
		detailFails: map[string]error{"r1": errors.Permanent("fetch", "gone", nil)},
	}
	e := newEngine(t, sess, Config{})

	res, err := e.Walk(context.Background(), domain.Category{ID: "singles"}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"r2", "r3"}, recordIDs(res.Records))
	assert.Nil(t, res.ProposedMarker, "a dropped record pins the marker")
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "r1", res.Failures[0].RecordID)
}

func TestWalkDetailFailureMidChain(t *testing.T) {
	sess := &fakeSession{
		listing:     listing("r3", "r2", "r1"),
		detailFails: map[string]error{"r2": errors.Permanent("fetch", "gone", nil)},
	}
	e := newEngine(t, sess, Config{})

	res, err := e.Walk(context.Background(), domain.Category{ID: "singles"}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"r1", "r3"}, recordIDs(res.Records))
	assert.Equal(t, "r1", markerOf(t, res), "marker stops at the last contiguous captured record")
}

func TestWalkSubRecordFailureLeavesPartial(t *testing.T) {
	sess := &fakeSession{
		listing:  listing("r1"),
		subFails: map[string]error{"r1": errors.Transient("subs", "timeout", nil)},
	}
	e := newEngine(t, sess, Config{})

	res, err := e.Walk(context.Background(), domain.Category{ID: "singles"}, "")
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	assert.True(t, res.Records[0].Partial)
	assert.Equal(t, "r1", markerOf(t, res), "a partial but exported record still advances the marker")
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "fetch_sub_records", res.Failures[0].Op)
}

func TestWalkLeafFailureLeavesPartialKeepsSiblings(t *testing.T) {
	sess := &fakeSession{
		listing: listing("r1"),
		subs: map[string][]domain.SubRecord{
			"r1": {{ID: "s1", Sequence: 1}, {ID: "s2", Sequence: 2}},
		},
		leaves: map[string][]domain.LeafRecord{
			"s2": {{Sequence: 1, Measurements: map[string]any{"value": 60.0}}},
		},
		leafFails: map[string]error{"s1": errors.Transient("leaves", "timeout", nil)},
	}
	e := newEngine(t, sess, Config{})

	res, err := e.Walk(context.Background(), domain.Category{ID: "singles"}, "")
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.True(t, rec.Partial)
	require.Len(t, rec.Children, 2)
	assert.Empty(t, rec.Children[0].Children, "failed sub-record has no leaves")
	assert.Len(t, rec.Children[1].Children, 1, "sibling descent continues past the failure")
}

func TestWalkFullDescent(t *testing.T) {
	sess := &fakeSession{
		listing: listing("r1"),
		subs: map[string][]domain.SubRecord{
			"r1": {{ID: "s2", Sequence: 2}, {ID: "s1", Sequence: 1}},
		},
		leaves: map[string][]domain.LeafRecord{
			"s1": {{Sequence: 2}, {Sequence: 1}},
			"s2": {{Sequence: 1, Events: []domain.LeafEvent{{Sequence: 1, Kind: "remark", Value: "ok"}}}},
		},
	}
	e := newEngine(t, sess, Config{})

	res, err := e.Walk(context.Background(), domain.Category{ID: "singles"}, "")
	require.NoError(t, err)

	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	require.Len(t, rec.Children, 2)
	assert.Equal(t, 1, rec.Children[0].Sequence, "sub-records sorted by sequence")
	assert.Equal(t, 1, rec.Children[0].Children[0].Sequence, "leaves sorted by sequence")
	assert.Equal(t, 3, rec.LeafCount())
	assert.False(t, rec.Partial)
}

func TestWalkCancellationAtRecordBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel once the first (oldest) record finishes its descent.
	sess := &cancellingSession{
		fakeSession: &fakeSession{listing: listing("r3", "r2", "r1")},
		cancel:      cancel,
	}
	e := newEngine(t, sess, Config{})

	res, err := e.Walk(ctx, domain.Category{ID: "singles"}, "")
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, []string{"r1"}, recordIDs(res.Records), "in-flight record completes, later ones are skipped")
	assert.Equal(t, "r1", markerOf(t, res))
	assert.Empty(t, res.Failures)
}

func TestWalkCancellationBeforeFirstDescent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancellation lands after the listing is fetched but before any
	// descent begins: the walk must report interruption without
	// booking spurious record failures.
	sess := &listCancellingSession{
		fakeSession: &fakeSession{listing: listing("r2", "r1")},
		cancel:      cancel,
	}
	e := newEngine(t, sess, Config{})

	res, err := e.Walk(ctx, domain.Category{ID: "singles"}, "")
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Empty(t, res.Records)
	assert.Empty(t, res.Failures, "no descent may start under a cancelled context")
	assert.Nil(t, res.ProposedMarker)
	assert.Empty(t, sess.detailCalls)
}

// cancellingSession cancels the walk after the first record's
// sub-record fetch, the last remote call for a record with no children.
type cancellingSession struct {
	*fakeSession
	cancel context.CancelFunc
}

func (c *cancellingSession) FetchSubRecords(ctx context.Context, recordID string) ([]domain.SubRecord, error) {
	subs, err := c.fakeSession.FetchSubRecords(ctx, recordID)
	c.cancel()
	return subs, err
}

// listCancellingSession cancels the walk as soon as the listing is
// served.
type listCancellingSession struct {
	*fakeSession
	cancel context.CancelFunc
}

func (c *listCancellingSession) ListRecords(ctx context.Context, categoryID, sinceMarker string) ([]session.ListingEntry, error) {
	entries, err := c.fakeSession.ListRecords(ctx, categoryID, sinceMarker)
	c.cancel()
	return entries, err
}
