package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"huntsync/internal/config"
	"huntsync/internal/domain"
	pipeerrors "huntsync/internal/errors"
)

// Browser implements Session on top of a headless Chrome driven by
// chromedp. One Browser owns one browser tab; its navigation state is
// mutated by FetchRecordDetail, so callers must keep record descent
// strictly sequential.
type Browser struct {
	cfg    config.SessionConfig
	logger *slog.Logger

	allocCancel context.CancelFunc
	ctxCancel   context.CancelFunc
	browserCtx  context.Context

	authenticated bool
}

// NewBrowser launches a browser context. The browser is not
// authenticated until Authenticate is called.
func NewBrowser(ctx context.Context, cfg config.SessionConfig, logger *slog.Logger) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.WindowSize(1920, 1080),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, ctxCancel := chromedp.NewContext(allocCtx)

	return &Browser{
		cfg:         cfg,
		logger:      logger,
		allocCancel: allocCancel,
		ctxCancel:   ctxCancel,
		browserCtx:  browserCtx,
	}, nil
}

// BrowserFactory creates independent Browser sessions, one isolated
// browser context each, so categories can run in parallel.
type BrowserFactory struct {
	Config config.SessionConfig
	Logger *slog.Logger
}

// New launches a fresh isolated browser session.
func (f *BrowserFactory) New(ctx context.Context) (Session, error) {
	return NewBrowser(ctx, f.Config, f.Logger)
}

// Concurrent reports that browser sessions are isolated from each other.
func (f *BrowserFactory) Concurrent() bool { return true }

// Authenticate performs the login form flow and waits for the redirect
// away from the login page.
func (b *Browser) Authenticate(ctx context.Context) error {
	loginURL := strings.TrimRight(b.cfg.BaseURL, "/") + "/login"

	authCtx, cancel := context.WithTimeout(b.browserCtx, b.cfg.AuthTimeout)
	defer cancel()

	b.logger.Info("authenticating session", slog.String("url", loginURL))

	err := chromedp.Run(authCtx,
		chromedp.Navigate(loginURL),
		chromedp.WaitVisible(`input[type='email'], input[name='username']`, chromedp.ByQuery),
		chromedp.SendKeys(`input[type='email'], input[name='username']`, b.cfg.Username, chromedp.ByQuery),
		chromedp.SendKeys(`input[type='password']`, b.cfg.Password, chromedp.ByQuery),
		chromedp.Click(`button[type='submit']`, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			// Poll until the browser leaves the login page.
			for {
				var current string
				if err := chromedp.Location(&current).Do(ctx); err != nil {
					return err
				}
				if !strings.Contains(strings.ToLower(current), "login") {
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(500 * time.Millisecond):
				}
			}
		}),
	)
	if err != nil {
		if isTimeout(err) {
			// A timeout on the redirect wait means the credentials
			// were rejected, not a flaky network.
			return pipeerrors.Permanent("authenticate", "login rejected", err)
		}
		return classify("authenticate", err)
	}

	b.authenticated = true
	b.logger.Info("session authenticated")
	return nil
}

// listingRow mirrors the JSON shape produced by the listing extraction
// script below.
type listingRow struct {
	ID      string            `json:"id"`
	Date    string            `json:"date"`
	Summary map[string]string `json:"summary"`
}

const listingJS = `Array.from(document.querySelectorAll('.record-list .record-item, tr.record-row')).map(el => {
	const id = el.dataset.recordId || el.dataset.id;
	if (!id) return null;
	const summary = {};
	el.querySelectorAll('[data-field]').forEach(f => { summary[f.dataset.field] = f.innerText.trim(); });
	const dateCell = el.querySelector('.record-date, td.date');
	return {id: id, date: dateCell ? (dateCell.dataset.iso || dateCell.innerText.trim()) : '', summary: summary};
}).filter(Boolean)`

// ListRecords navigates to the category history page and extracts the
// listing rows. The remote serves them newest first.
func (b *Browser) ListRecords(ctx context.Context, categoryID, sinceMarker string) ([]ListingEntry, error) {
	if err := b.requireAuth(); err != nil {
		return nil, err
	}

	historyURL := fmt.Sprintf("%s/history/%s", strings.TrimRight(b.cfg.BaseURL, "/"), url.PathEscape(categoryID))

	navCtx, cancel := b.opCtx(ctx, b.cfg.NavTimeout)
	defer cancel()

	var rows []listingRow
	err := chromedp.Run(navCtx,
		chromedp.Navigate(historyURL),
		chromedp.WaitVisible(`.record-list, table.records`, chromedp.ByQuery),
		chromedp.Evaluate(listingJS, &rows),
	)
	if err != nil {
		return nil, classify("list_records", err)
	}

	entries := make([]ListingEntry, 0, len(rows))
	for _, row := range rows {
		entry := ListingEntry{RecordID: row.ID, Summary: toAnyMap(row.Summary)}
		if t, perr := parseRemoteTime(row.Date); perr == nil {
			entry.OccurredAt = t
		} else {
			b.logger.Warn("unable to parse listing date",
				slog.String("record_id", row.ID),
				slog.String("date", row.Date))
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// FetchRecordDetail navigates to the record's detail view and reads its
// summary fields. The browser stays on the detail view so the
// sub-record and leaf fetches that follow read from it.
func (b *Browser) FetchRecordDetail(ctx context.Context, recordID string) (domain.Record, error) {
	if err := b.requireAuth(); err != nil {
		return domain.Record{}, err
	}

	detailURL := fmt.Sprintf("%s/record/%s", strings.TrimRight(b.cfg.BaseURL, "/"), url.PathEscape(recordID))

	navCtx, cancel := b.opCtx(ctx, b.cfg.NavTimeout)
	defer cancel()

	var row listingRow
	err := chromedp.Run(navCtx,
		chromedp.Navigate(detailURL),
		chromedp.WaitVisible(`.record-detail`, chromedp.ByQuery),
		chromedp.Evaluate(`(() => {
			const el = document.querySelector('.record-detail');
			const summary = {};
			el.querySelectorAll('[data-field]').forEach(f => { summary[f.dataset.field] = f.innerText.trim(); });
			const dateEl = el.querySelector('.record-date');
			return {id: el.dataset.recordId || '', date: dateEl ? (dateEl.dataset.iso || dateEl.innerText.trim()) : '', summary: summary};
		})()`, &row),
	)
	if err != nil {
		return domain.Record{}, classify("fetch_record_detail", err)
	}
	if row.ID == "" {
		return domain.Record{}, pipeerrors.Permanent("fetch_record_detail",
			fmt.Sprintf("record %s not found", recordID), nil)
	}

	rec := domain.Record{ID: row.ID, Summary: toAnyMap(row.Summary)}
	if t, perr := parseRemoteTime(row.Date); perr == nil {
		rec.OccurredAt = t
	}
	return rec, nil
}

type subRow struct {
	ID       string `json:"id"`
	Sequence int    `json:"sequence"`
}

// FetchSubRecords reads the sub-record list from the detail view the
// browser currently shows.
func (b *Browser) FetchSubRecords(ctx context.Context, recordID string) ([]domain.SubRecord, error) {
	if err := b.requireAuth(); err != nil {
		return nil, err
	}

	navCtx, cancel := b.opCtx(ctx, b.cfg.NavTimeout)
	defer cancel()

	var rows []subRow
	err := chromedp.Run(navCtx,
		chromedp.WaitVisible(`.segment-list`, chromedp.ByQuery),
		chromedp.Evaluate(`Array.from(document.querySelectorAll('.segment-list .segment-item')).map((el, i) => ({
			id: el.dataset.segmentId || '',
			sequence: parseInt(el.dataset.sequence || (i + 1), 10)
		})).filter(s => s.id)`, &rows),
	)
	if err != nil {
		return nil, classify("fetch_sub_records", err)
	}

	subs := make([]domain.SubRecord, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, domain.SubRecord{ID: row.ID, Sequence: row.Sequence})
	}
	return subs, nil
}

type leafRow struct {
	Sequence     int               `json:"sequence"`
	Measurements map[string]string `json:"measurements"`
	Events       []struct {
		Sequence int    `json:"sequence"`
		Kind     string `json:"kind"`
		Value    string `json:"value"`
	} `json:"events"`
}

// FetchLeafRecords selects a sub-record in the detail view and reads
// its leaf rows.
func (b *Browser) FetchLeafRecords(ctx context.Context, subID string) ([]domain.LeafRecord, error) {
	if err := b.requireAuth(); err != nil {
		return nil, err
	}

	navCtx, cancel := b.opCtx(ctx, b.cfg.NavTimeout)
	defer cancel()

	selector := fmt.Sprintf(`.segment-list .segment-item[data-segment-id=%q]`, subID)

	var rows []leafRow
	err := chromedp.Run(navCtx,
		chromedp.Click(selector, chromedp.ByQuery),
		chromedp.WaitVisible(`.unit-list`, chromedp.ByQuery),
		chromedp.Evaluate(`Array.from(document.querySelectorAll('.unit-list .unit-item')).map((el, i) => {
			const measurements = {};
			el.querySelectorAll('[data-measure]').forEach(m => { measurements[m.dataset.measure] = m.innerText.trim(); });
			const events = Array.from(el.querySelectorAll('.unit-event')).map((ev, j) => ({
				sequence: j + 1, kind: ev.dataset.kind || '', value: ev.innerText.trim()
			}));
			return {sequence: parseInt(el.dataset.sequence || (i + 1), 10), measurements: measurements, events: events};
		})`, &rows),
	)
	if err != nil {
		return nil, classify("fetch_leaf_records", err)
	}

	leaves := make([]domain.LeafRecord, 0, len(rows))
	for _, row := range rows {
		leaf := domain.LeafRecord{Sequence: row.Sequence, Measurements: toAnyMap(row.Measurements)}
		for _, ev := range row.Events {
			leaf.Events = append(leaf.Events, domain.LeafEvent{
				Sequence: ev.Sequence,
				Kind:     ev.Kind,
				Value:    ev.Value,
			})
		}
		leaves = append(leaves, leaf)
	}
	return leaves, nil
}

// Close shuts down the browser.
func (b *Browser) Close() error {
	b.ctxCancel()
	b.allocCancel()
	return nil
}

func (b *Browser) requireAuth() error {
	if !b.authenticated {
		return pipeerrors.Permanent("session", "not authenticated", nil)
	}
	return nil
}

// classify maps chromedp/context failures onto the pipeline taxonomy.
// Timeouts and cancelled navigations are transient; everything else
// from the browser (bad selector, detached frame on a removed page) is
// treated as a malformed response.
func classify(op string, err error) error {
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	if isTimeout(err) {
		return pipeerrors.Transient(op, "remote operation timed out", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "net::") || strings.Contains(msg, "connection") {
		return pipeerrors.Transient(op, "temporary network failure", err)
	}
	if strings.Contains(msg, "node not found") || strings.Contains(msg, "detached") {
		return pipeerrors.Transient(op, "stale page element", err)
	}
	return pipeerrors.Permanent(op, "malformed remote response", err)
}

func isTimeout(err error) bool {
	return stderrors.Is(err, context.DeadlineExceeded)
}

// opCtx derives a timeout-bounded context from the browser context that
// is also cancelled when the caller's context is.
func (b *Browser) opCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(b.browserCtx)
	stop := context.AfterFunc(ctx, cancel)
	timed, timedCancel := context.WithTimeout(merged, timeout)
	return timed, func() {
		timedCancel()
		cancel()
		stop()
	}
}

// parseRemoteTime accepts the timestamp formats the remote uses.
func parseRemoteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	formats := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
		"02/01/2006 15:04",
		"02/01/2006",
	}
	var lastErr error
	for _, layout := range formats {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func toAnyMap(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
