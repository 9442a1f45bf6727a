package signals

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// #region layout

// fileLayout describes how one CSV file of the data directory maps to records.
type fileLayout struct {
	Name    string
	Kind    Kind
	IDField string
	TSField string // empty for reference data without an event time
}

// DataFiles is the CSV layout of a data directory, in load order.
var DataFiles = []fileLayout{
	{Name: "customers.csv", Kind: KindCustomer, IDField: "customer_id"},
	{Name: "subscriptions.csv", Kind: KindSubscription, IDField: "subscription_id", TSField: "start_date"},
	{Name: "invoices.csv", Kind: KindInvoice, IDField: "invoice_id", TSField: "invoice_date"},
	{Name: "payments.csv", Kind: KindPayment, IDField: "payment_id", TSField: "payment_date"},
	{Name: "refunds.csv", Kind: KindRefund, IDField: "refund_id", TSField: "refund_date"},
	{Name: "usage_events.csv", Kind: KindUsage, IDField: "event_id", TSField: "event_time"},
	{Name: "credits.csv", Kind: KindCredit, IDField: "credit_id", TSField: "credit_date"},
}

// #endregion layout

// #region dir-source

// DirSource reads records from a directory of CSV files. Missing files are
// treated as empty; an unreadable directory or a malformed CSV file is an error.
type DirSource struct {
	dir string
}

// NewDirSource creates a source over dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Dir returns the directory the source reads.
func (s *DirSource) Dir() string {
	return s.dir
}

// FetchBatch loads every data file. Records whose event time is before since
// are left out; reference records without an event time are always kept.
func (s *DirSource) FetchBatch(ctx context.Context, since *time.Time) ([]Record, error) {
	info, err := os.Stat(s.dir)
	if err != nil {
		return nil, fmt.Errorf("stat data dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("data dir %s is not a directory", s.dir)
	}

	var out []Record
	for _, layout := range DataFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recs, err := readFile(filepath.Join(s.dir, layout.Name), layout)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, filterSince(recs, since)...)
	}
	return out, nil
}

func readFile(path string, layout fileLayout) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	// Ragged rows become records with missing fields, which the detectors
	// report as input faults one record at a time.
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", layout.Name, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var recs []Record
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s line %d: %w", layout.Name, line, err)
		}
		fields := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				fields[col] = row[i]
			}
		}
		rec := Record{
			ID:     strings.TrimSpace(fields[layout.IDField]),
			Kind:   layout.Kind,
			Fields: fields,
		}
		if rec.ID == "" {
			rec.ID = fmt.Sprintf("%s:%d", layout.Name, line)
		}
		if layout.TSField != "" {
			// Unparseable times stay zero; the detector touching the
			// record reports the input fault.
			if ts, ok := parseTime(strings.TrimSpace(fields[layout.TSField])); ok {
				rec.Timestamp = ts
			}
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// #endregion dir-source

// #region static-source

// StaticSource serves a fixed slice of records. Used by replay and tests.
type StaticSource struct {
	records []Record
}

// NewStaticSource creates a source over a copy of records.
func NewStaticSource(records []Record) *StaticSource {
	return &StaticSource{records: slices.Clone(records)}
}

// FetchBatch returns the records at or after since.
func (s *StaticSource) FetchBatch(ctx context.Context, since *time.Time) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return filterSince(slices.Clone(s.records), since), nil
}

// #endregion static-source

func filterSince(recs []Record, since *time.Time) []Record {
	if since == nil {
		return recs
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Timestamp.IsZero() || !r.Timestamp.Before(*since) {
			out = append(out, r)
		}
	}
	return out
}
