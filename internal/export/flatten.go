package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"huntsync/internal/domain"
)

// CategoryData pairs a category with its captured records for export.
type CategoryData struct {
	Category domain.Category
	Records  []domain.Record
}

// sortRecords orders records by occurrence time, breaking ties by id,
// so repeated exports of the same data are byte-identical.
func sortRecords(records []domain.Record) []domain.Record {
	out := make([]domain.Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// summaryColumns returns the union of summary keys across records,
// sorted.
func summaryColumns(records []domain.Record) []string {
	keys := make(map[string]bool)
	for _, r := range records {
		for k := range r.Summary {
			keys[k] = true
		}
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// measurementColumns returns the union of measurement keys across all
// leaves of all records, sorted.
func measurementColumns(records []domain.Record) []string {
	keys := make(map[string]bool)
	for _, r := range records {
		for _, sub := range r.Children {
			for _, leaf := range sub.Children {
				for k := range leaf.Measurements {
					keys[k] = true
				}
			}
		}
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// recordTable flattens records into one row per record. Columns:
// record_id, occurred_at, partial, sub_count, leaf_count, then the
// sorted summary columns.
func recordTable(records []domain.Record) (headers []string, rows [][]string) {
	records = sortRecords(records)
	sumCols := summaryColumns(records)

	headers = append([]string{"record_id", "occurred_at", "partial", "sub_count", "leaf_count"}, sumCols...)
	for _, r := range records {
		row := []string{
			r.ID,
			formatTime(r.OccurredAt),
			strconv.FormatBool(r.Partial),
			strconv.Itoa(len(r.Children)),
			strconv.Itoa(r.LeafCount()),
		}
		for _, col := range sumCols {
			row = append(row, formatValue(r.Summary[col]))
		}
		rows = append(rows, row)
	}
	return headers, rows
}

// leafTable flattens every leaf record into one row carrying its full
// ancestry. Columns: record_id, sub_record_id, sub_sequence,
// leaf_sequence, the sorted measurement columns, then events as a JSON
// array ("" when the leaf has none).
func leafTable(records []domain.Record) (headers []string, rows [][]string) {
	records = sortRecords(records)
	measCols := measurementColumns(records)

	headers = append([]string{"record_id", "sub_record_id", "sub_sequence", "leaf_sequence"}, measCols...)
	headers = append(headers, "events")

	for _, r := range records {
		for _, sub := range r.Children {
			for _, leaf := range sub.Children {
				row := []string{
					r.ID,
					sub.ID,
					strconv.Itoa(sub.Sequence),
					strconv.Itoa(leaf.Sequence),
				}
				for _, col := range measCols {
					row = append(row, formatValue(leaf.Measurements[col]))
				}
				row = append(row, formatEvents(leaf.Events))
				rows = append(rows, row)
			}
		}
	}
	return headers, rows
}

// summaryTable flattens the per-category run results into one row per
// category.
func summaryTable(summary domain.RunSummary) (headers []string, rows [][]string) {
	headers = []string{
		"category_id", "records_fetched", "sub_records", "leaf_records",
		"partial_records", "record_failures", "anomalies", "marker", "fatal_failure",
	}
	results := make([]domain.CategoryResult, len(summary.Categories))
	copy(results, summary.Categories)
	sort.SliceStable(results, func(i, j int) bool { return results[i].CategoryID < results[j].CategoryID })

	for _, c := range results {
		rows = append(rows, []string{
			c.CategoryID,
			strconv.Itoa(c.RecordsFetched),
			strconv.Itoa(c.SubRecords),
			strconv.Itoa(c.LeafRecords),
			strconv.Itoa(c.PartialRecords),
			strconv.Itoa(c.RecordFailures),
			strconv.Itoa(c.Anomalies),
			c.Marker,
			c.FatalFailure,
		})
	}
	return headers, rows
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// formatValue renders a summary or measurement value as a cell. JSON
// numbers decode as float64; integral values drop the ".0" suffix so
// counts stay readable.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func formatEvents(events []domain.LeafEvent) string {
	if len(events) == 0 {
		return ""
	}
	b, err := json.Marshal(events)
	if err != nil {
		return ""
	}
	return string(b)
}
